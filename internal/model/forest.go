package model

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ForestSpec is the serialized bagged forest.
type ForestSpec struct {
	Trees []Tree `json:"trees"`
}

// Forest averages the leaf probabilities of its trees. Splits send
// x[f] <= threshold to the left child.
type Forest struct {
	trees []Tree
	width int
}

// NewForest validates every tree. Leaf values must be probabilities.
func NewForest(spec ForestSpec, width int) (*Forest, error) {
	if len(spec.Trees) == 0 {
		return nil, fmt.Errorf("forest: no trees")
	}
	for i := range spec.Trees {
		if err := spec.Trees[i].validate(width); err != nil {
			return nil, fmt.Errorf("forest: tree %d: %w", i, err)
		}
		if err := spec.Trees[i].leafValues(0, 1); err != nil {
			return nil, fmt.Errorf("forest: tree %d: %w", i, err)
		}
	}
	return &Forest{trees: spec.Trees, width: width}, nil
}

// Name implements Handle.
func (f *Forest) Name() string { return KindForest }

// Predict implements Handle.
func (f *Forest) Predict(x []float64) (float64, error) {
	if err := checkWidth(x, f.width); err != nil {
		return 0, err
	}
	leaves := make([]float64, len(f.trees))
	for i := range f.trees {
		leaves[i] = f.trees[i].leaf(x, false).Value
	}
	return floats.Sum(leaves) / float64(len(leaves)), nil
}

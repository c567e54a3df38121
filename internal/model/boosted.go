package model

import (
	"fmt"
	"math"
)

// BoostedSpec is the serialized gradient-boosted ensemble.
type BoostedSpec struct {
	BaseMargin float64 `json:"base_margin"`
	Trees      []Tree  `json:"trees"`
}

// Boosted sums leaf margins over all trees and applies the logistic
// function. Splits send x[f] < threshold to the left child.
type Boosted struct {
	baseMargin float64
	trees      []Tree
	width      int
}

// NewBoosted validates every tree.
func NewBoosted(spec BoostedSpec, width int) (*Boosted, error) {
	if len(spec.Trees) == 0 {
		return nil, fmt.Errorf("boosted: no trees")
	}
	if math.IsNaN(spec.BaseMargin) || math.IsInf(spec.BaseMargin, 0) {
		return nil, fmt.Errorf("boosted: base margin must be finite")
	}
	for i := range spec.Trees {
		if err := spec.Trees[i].validate(width); err != nil {
			return nil, fmt.Errorf("boosted: tree %d: %w", i, err)
		}
	}
	return &Boosted{baseMargin: spec.BaseMargin, trees: spec.Trees, width: width}, nil
}

// Name implements Handle.
func (b *Boosted) Name() string { return KindBoosted }

// Predict implements Handle.
func (b *Boosted) Predict(x []float64) (float64, error) {
	if err := checkWidth(x, b.width); err != nil {
		return 0, err
	}
	return sigmoid(b.Margin(x)), nil
}

// Margin returns the raw log-odds before the logistic transform.
func (b *Boosted) Margin(x []float64) float64 {
	m := b.baseMargin
	for i := range b.trees {
		m += b.trees[i].leaf(x, true).Value
	}
	return m
}

func sigmoid(m float64) float64 {
	return 1 / (1 + math.Exp(-m))
}

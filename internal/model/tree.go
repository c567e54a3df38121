package model

import (
	"fmt"
	"math"
)

// Node is one entry of a flattened binary decision tree. Node 0 is the root.
type Node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
}

// Tree is a decision tree in array form.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// validate checks that every reachable node is well formed and that the
// nodes reachable from the root form a tree, so eval always terminates.
func (t *Tree) validate(width int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("tree has no nodes")
	}

	visited := make([]bool, len(t.Nodes))
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[i] {
			return fmt.Errorf("node %d is reachable twice", i)
		}
		visited[i] = true

		n := t.Nodes[i]
		if n.Leaf {
			if math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
				return fmt.Errorf("leaf %d has non-finite value", i)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= width {
			return fmt.Errorf("node %d splits on feature %d, have %d", i, n.Feature, width)
		}
		if math.IsNaN(n.Threshold) {
			return fmt.Errorf("node %d has NaN threshold", i)
		}
		for _, child := range []int{n.Left, n.Right} {
			if child <= 0 || child >= len(t.Nodes) {
				return fmt.Errorf("node %d has child %d out of range", i, child)
			}
			stack = append(stack, child)
		}
	}
	return nil
}

// leaf walks x down the tree. With strict set, x[f] < t goes left
// (boosted-tree convention); otherwise x[f] <= t goes left (CART).
func (t *Tree) leaf(x []float64, strict bool) Node {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n
		}
		v := x[n.Feature]
		goLeft := v <= n.Threshold
		if strict {
			goLeft = v < n.Threshold
		}
		if goLeft {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// leafValues checks leaf values against [lo, hi].
func (t *Tree) leafValues(lo, hi float64) error {
	for i, n := range t.Nodes {
		if n.Leaf && (n.Value < lo || n.Value > hi) {
			return fmt.Errorf("leaf %d value %v outside [%v, %v]", i, n.Value, lo, hi)
		}
	}
	return nil
}

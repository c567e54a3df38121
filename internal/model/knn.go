package model

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// KNN weighting modes.
const (
	WeightUniform  = "uniform"
	WeightDistance = "distance"
)

// KNNSpec is the serialized k-nearest-neighbours model.
type KNNSpec struct {
	K         int         `json:"k"`
	Weighting string      `json:"weighting,omitempty"`
	Mean      []float64   `json:"mean,omitempty"`
	Scale     []float64   `json:"scale,omitempty"`
	Points    [][]float64 `json:"points"`
	Labels    []float64   `json:"labels"`
}

// KNN scores by the fraud share of the k closest training points under
// Euclidean distance. Distance ties resolve to the lower training index.
type KNN struct {
	k      int
	byDist bool
	mean   []float64
	scale  []float64
	points [][]float64
	labels []float64
	width  int
}

// NewKNN validates spec and standardises the training points once.
func NewKNN(spec KNNSpec, width int) (*KNN, error) {
	if len(spec.Points) == 0 {
		return nil, fmt.Errorf("knn: no training points")
	}
	if len(spec.Labels) != len(spec.Points) {
		return nil, fmt.Errorf("knn: %d labels for %d points", len(spec.Labels), len(spec.Points))
	}
	if spec.K <= 0 || spec.K > len(spec.Points) {
		return nil, fmt.Errorf("knn: k=%d must be in [1, %d]", spec.K, len(spec.Points))
	}

	var byDist bool
	switch spec.Weighting {
	case "", WeightUniform:
	case WeightDistance:
		byDist = true
	default:
		return nil, fmt.Errorf("knn: unknown weighting %q", spec.Weighting)
	}

	if spec.Mean != nil && len(spec.Mean) != width {
		return nil, fmt.Errorf("knn: mean has %d entries, want %d", len(spec.Mean), width)
	}
	if spec.Scale != nil {
		if len(spec.Scale) != width {
			return nil, fmt.Errorf("knn: scale has %d entries, want %d", len(spec.Scale), width)
		}
		for i, s := range spec.Scale {
			if s == 0 || math.IsNaN(s) {
				return nil, fmt.Errorf("knn: scale[%d] must be non-zero", i)
			}
		}
	}

	m := &KNN{
		k:      spec.K,
		byDist: byDist,
		mean:   spec.Mean,
		scale:  spec.Scale,
		labels: spec.Labels,
		width:  width,
		points: make([][]float64, len(spec.Points)),
	}
	for i, p := range spec.Points {
		if len(p) != width {
			return nil, fmt.Errorf("knn: point %d has %d features, want %d", i, len(p), width)
		}
		if l := spec.Labels[i]; l != 0 && l != 1 {
			return nil, fmt.Errorf("knn: label %d is %v, want 0 or 1", i, l)
		}
		m.points[i] = m.standardise(p)
	}
	return m, nil
}

// Name implements Handle.
func (m *KNN) Name() string { return KindKNN }

// Predict implements Handle.
func (m *KNN) Predict(x []float64) (float64, error) {
	if err := checkWidth(x, m.width); err != nil {
		return 0, err
	}
	q := m.standardise(x)

	idx := make([]int, len(m.points))
	dist := make([]float64, len(m.points))
	for i, p := range m.points {
		idx[i] = i
		dist[i] = floats.Distance(p, q, 2)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return dist[idx[a]] < dist[idx[b]]
	})
	nearest := idx[:m.k]

	if !m.byDist {
		var fraud float64
		for _, i := range nearest {
			fraud += m.labels[i]
		}
		return fraud / float64(m.k), nil
	}

	// Exact matches take all the weight when present.
	var exact, exactFraud float64
	for _, i := range nearest {
		if dist[i] == 0 {
			exact++
			exactFraud += m.labels[i]
		}
	}
	if exact > 0 {
		return exactFraud / exact, nil
	}

	w := make([]float64, len(nearest))
	lw := make([]float64, len(nearest))
	for j, i := range nearest {
		w[j] = 1 / dist[i]
		lw[j] = w[j] * m.labels[i]
	}
	return floats.Sum(lw) / floats.Sum(w), nil
}

func (m *KNN) standardise(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	if m.mean != nil {
		floats.Sub(out, m.mean)
	}
	if m.scale != nil {
		floats.Div(out, m.scale)
	}
	return out
}

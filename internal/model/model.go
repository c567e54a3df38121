// Package model holds the three trained classifiers of the ensemble and the
// loader for the artifact they are read from.
//
// Handles are immutable after load. Score never takes a lock, so any number
// of goroutines may score concurrently.
package model

import (
	"errors"
	"fmt"
	"math"
)

// FallbackProbability is the risk assigned when the ensemble cannot score.
// It sits between the review and block thresholds so degraded traffic is
// challenged rather than approved or blocked.
const FallbackProbability = 0.5

// Names of the ensemble members, in weight order.
const (
	KindKNN     = "knn"
	KindForest  = "forest"
	KindBoosted = "boosted"
)

// ErrDimension is returned when a vector does not match a model's width.
var ErrDimension = errors.New("feature vector has wrong dimension")

// Handle is a trained binary classifier.
type Handle interface {
	// Name identifies the model inside the ensemble.
	Name() string

	// Predict returns P(fraud) for x, in [0,1].
	Predict(x []float64) (float64, error)
}

// Prediction is the ensemble output for one vector: either one probability
// per model, or a degraded marker carrying the reason.
type Prediction struct {
	Scores []float64

	degraded bool
	reason   string
}

// Scored wraps real per-model probabilities.
func Scored(scores []float64) Prediction {
	return Prediction{Scores: scores}
}

// Degraded marks a prediction that fell back to FallbackProbability.
func Degraded(reason string) Prediction {
	return Prediction{degraded: true, reason: reason}
}

// IsDegraded reports whether the ensemble fell back.
func (p Prediction) IsDegraded() bool {
	return p.degraded
}

// Reason explains a degraded prediction.
func (p Prediction) Reason() string {
	return p.reason
}

// Ensemble queries its handles independently for every vector.
type Ensemble struct {
	handles []Handle
	width   int
	version string

	// unavailable is set when the ensemble could not be loaded at all.
	unavailable string
}

// NewEnsemble builds an ensemble over handles that all expect width features.
func NewEnsemble(version string, width int, handles ...Handle) *Ensemble {
	return &Ensemble{handles: handles, width: width, version: version}
}

// Unavailable returns an ensemble whose every prediction is degraded.
func Unavailable(reason string) *Ensemble {
	return &Ensemble{unavailable: reason, version: "unavailable"}
}

// Available reports whether real models are loaded.
func (e *Ensemble) Available() bool {
	return e.unavailable == "" && len(e.handles) > 0
}

// UnavailableReason returns why the ensemble is not loaded, if it is not.
func (e *Ensemble) UnavailableReason() string {
	return e.unavailable
}

// Version returns the artifact version the handles came from.
func (e *Ensemble) Version() string {
	return e.version
}

// Width returns the number of features the handles expect.
func (e *Ensemble) Width() int {
	return e.width
}

// Size returns the number of models.
func (e *Ensemble) Size() int {
	return len(e.handles)
}

// Names returns model names in ensemble order.
func (e *Ensemble) Names() []string {
	names := make([]string, len(e.handles))
	for i, h := range e.handles {
		names[i] = h.Name()
	}
	return names
}

// Handle looks up a model by name.
func (e *Ensemble) Handle(name string) (Handle, bool) {
	for _, h := range e.handles {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

// Score returns one probability per model in ensemble order. Any model
// failure degrades the whole prediction.
func (e *Ensemble) Score(x []float64) Prediction {
	if !e.Available() {
		reason := e.unavailable
		if reason == "" {
			reason = "no models loaded"
		}
		return Degraded(reason)
	}
	if len(x) != e.width {
		return Degraded(fmt.Sprintf("%v: got %d, want %d", ErrDimension, len(x), e.width))
	}

	scores := make([]float64, len(e.handles))
	for i, h := range e.handles {
		p, err := h.Predict(x)
		if err != nil {
			return Degraded(fmt.Sprintf("%s: %v", h.Name(), err))
		}
		if math.IsNaN(p) || p < 0 || p > 1 {
			return Degraded(fmt.Sprintf("%s: probability %v out of range", h.Name(), p))
		}
		scores[i] = p
	}
	return Scored(scores)
}

func checkWidth(x []float64, width int) error {
	if len(x) != width {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(x), width)
	}
	return nil
}

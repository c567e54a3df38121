package decision

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

// DefaultReviewThreshold applies when neither the artifact nor the
// configuration sets one.
const DefaultReviewThreshold = 0.3

// Policy holds the validated weights and review threshold.
type Policy struct {
	weights         Weights
	reviewThreshold float64

	// fallbackOnly policies have no weights and score everything at
	// model.FallbackProbability.
	fallbackOnly bool
}

// Outcome is the aggregated score and the action taken on it.
type Outcome struct {
	RiskScore      float64
	Decision       domain.Decision
	Mode           string
	DegradedReason string
}

// NewPolicy validates both settings.
func NewPolicy(w Weights, reviewThreshold float64) (*Policy, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateThreshold(reviewThreshold); err != nil {
		return nil, err
	}
	weights := make(Weights, len(w))
	copy(weights, w)
	return &Policy{weights: weights, reviewThreshold: reviewThreshold}, nil
}

// NewFallbackPolicy builds a policy for an ensemble that never loaded, so
// there are no weights to validate.
func NewFallbackPolicy(reviewThreshold float64) (*Policy, error) {
	if err := ValidateThreshold(reviewThreshold); err != nil {
		return nil, err
	}
	return &Policy{reviewThreshold: reviewThreshold, fallbackOnly: true}, nil
}

// Weights returns a copy of the configured weights.
func (p *Policy) Weights() Weights {
	out := make(Weights, len(p.weights))
	copy(out, p.weights)
	return out
}

// ReviewThreshold returns the lower edge of the CHALLENGE band.
func (p *Policy) ReviewThreshold() float64 {
	return p.reviewThreshold
}

// Apply aggregates a prediction and decides. A degraded prediction, or one
// whose scores do not line up with the weights, is scored at
// model.FallbackProbability.
func (p *Policy) Apply(pred model.Prediction) Outcome {
	if pred.IsDegraded() {
		return p.fallback(pred.Reason())
	}
	if p.fallbackOnly {
		return p.fallback("no ensemble weights configured")
	}
	score, err := Aggregate(pred.Scores, p.weights)
	if err != nil {
		return p.fallback(err.Error())
	}
	return Outcome{
		RiskScore: score,
		Decision:  Decide(score, p.reviewThreshold),
		Mode:      domain.ModeScored,
	}
}

func (p *Policy) fallback(reason string) Outcome {
	return Outcome{
		RiskScore:      model.FallbackProbability,
		Decision:       Decide(model.FallbackProbability, p.reviewThreshold),
		Mode:           domain.ModeDegraded,
		DegradedReason: reason,
	}
}

// Package decision combines per-model probabilities into one risk score and
// maps that score onto an action.
package decision

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BlockThreshold is the fixed score above which a transaction is blocked.
const BlockThreshold = 0.7

// Configuration errors.
var (
	ErrInvalidWeights       = errors.New("invalid ensemble weights")
	ErrThresholdUnreachable = errors.New("review threshold must be in [0, 0.7)")
)

// Weights holds one non-negative weight per model, in ensemble order.
type Weights []float64

// Validate rejects empty, negative, non-finite or all-zero weights.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("%w: no weights", ErrInvalidWeights)
	}
	var sum float64
	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: weight %d is not finite", ErrInvalidWeights, i)
		}
		if v < 0 {
			return fmt.Errorf("%w: weight %d is negative", ErrInvalidWeights, i)
		}
		sum += v
	}
	if sum == 0 {
		return fmt.Errorf("%w: weights sum to zero", ErrInvalidWeights)
	}
	return nil
}

// Aggregate returns the weighted mean of scores, normalised by the actual
// weight sum.
func Aggregate(scores []float64, w Weights) (float64, error) {
	if len(scores) != len(w) {
		return 0, fmt.Errorf("%w: %d scores for %d weights", ErrInvalidWeights, len(scores), len(w))
	}
	if err := w.Validate(); err != nil {
		return 0, err
	}
	return clamp(stat.Mean(scores, w)), nil
}

// Decide maps a score onto an action. Both bands are exclusive at the
// lower edge: 0.7 itself is a CHALLENGE, reviewThreshold itself an APPROVE.
func Decide(score, reviewThreshold float64) domain.Decision {
	switch {
	case score > BlockThreshold:
		return domain.DecisionBlock
	case score > reviewThreshold:
		return domain.DecisionChallenge
	default:
		return domain.DecisionApprove
	}
}

// ValidateThreshold rejects review thresholds that would leave the
// CHALLENGE band empty or unreachable.
func ValidateThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t >= BlockThreshold {
		return fmt.Errorf("%w: got %v", ErrThresholdUnreachable, t)
	}
	return nil
}

// clamp absorbs floating-point drift past the unit interval.
func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

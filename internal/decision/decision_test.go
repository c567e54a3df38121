package decision

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

func TestAggregate(t *testing.T) {
	t.Run("WeightedMean", func(t *testing.T) {
		score, err := Aggregate([]float64{0.1, 0.9, 0.95}, Weights{1, 2, 3})
		require.NoError(t, err)
		// (0.1*1 + 0.9*2 + 0.95*3) / 6
		assert.InDelta(t, 4.75/6, score, 1e-12)
		assert.Equal(t, domain.DecisionBlock, Decide(score, 0.3))
	})

	t.Run("ChallengeBand", func(t *testing.T) {
		score, err := Aggregate([]float64{0.1, 0.9, 0.7}, Weights{1, 2, 3})
		require.NoError(t, err)
		assert.InDelta(t, 4.0/6, score, 1e-12)
		assert.Equal(t, domain.DecisionChallenge, Decide(score, 0.3))
	})

	t.Run("UniformHighScoresBlockUnderAnyWeights", func(t *testing.T) {
		for _, w := range []Weights{{1, 2, 3}, {0, 0, 1}, {5, 0, 0}, {0.2, 0.2, 0.2}} {
			score, err := Aggregate([]float64{0.95, 0.95, 0.95}, w)
			require.NoError(t, err)
			assert.InDelta(t, 0.95, score, 1e-12)
			assert.Equal(t, domain.DecisionBlock, Decide(score, 0.3))
		}
	})

	t.Run("NormalisedByActualSum", func(t *testing.T) {
		score, err := Aggregate([]float64{0.2, 0.8}, Weights{1, 3})
		require.NoError(t, err)
		assert.InDelta(t, 0.65, score, 1e-12)
	})

	t.Run("StaysInUnitInterval", func(t *testing.T) {
		for _, scores := range [][]float64{{0, 0, 0}, {1, 1, 1}, {1, 0, 1}} {
			score, err := Aggregate(scores, Weights{1, 2, 3})
			require.NoError(t, err)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
		}
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		_, err := Aggregate([]float64{0.5, 0.5}, Weights{1, 2, 3})
		assert.ErrorIs(t, err, ErrInvalidWeights)
	})
}

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		w       Weights
		wantErr bool
	}{
		{"Stock", Weights{1, 2, 3}, false},
		{"SomeZero", Weights{0, 1, 0}, false},
		{"Empty", Weights{}, true},
		{"AllZero", Weights{0, 0, 0}, true},
		{"Negative", Weights{1, -1, 3}, true},
		{"NaN", Weights{1, math.NaN(), 3}, true},
		{"Inf", Weights{math.Inf(1), 1, 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidWeights)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.Decision
	}{
		{0, domain.DecisionApprove},
		{0.3, domain.DecisionApprove},
		{0.3000001, domain.DecisionChallenge},
		{0.5, domain.DecisionChallenge},
		{0.7, domain.DecisionChallenge},
		{0.7000001, domain.DecisionBlock},
		{1, domain.DecisionBlock},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Decide(tt.score, 0.3), "score %v", tt.score)
	}
}

func TestValidateThreshold(t *testing.T) {
	for _, ok := range []float64{0, 0.3, 0.69} {
		assert.NoError(t, ValidateThreshold(ok))
	}
	for _, bad := range []float64{-0.1, 0.7, 0.9, math.NaN()} {
		assert.ErrorIs(t, ValidateThreshold(bad), ErrThresholdUnreachable)
	}
}

func TestPolicy(t *testing.T) {
	p, err := NewPolicy(Weights{1, 2, 3}, 0.3)
	require.NoError(t, err)

	t.Run("Scored", func(t *testing.T) {
		out := p.Apply(model.Scored([]float64{0.95, 0.95, 0.95}))
		assert.Equal(t, domain.ModeScored, out.Mode)
		assert.Equal(t, domain.DecisionBlock, out.Decision)
		assert.Empty(t, out.DegradedReason)
	})

	t.Run("UnavailableEnsembleChallenges", func(t *testing.T) {
		pred := model.Unavailable("artifact missing").Score([]float64{1, 2, 3, 4})
		out := p.Apply(pred)
		assert.Equal(t, domain.ModeDegraded, out.Mode)
		assert.Equal(t, model.FallbackProbability, out.RiskScore)
		assert.Equal(t, domain.DecisionChallenge, out.Decision)
		assert.Equal(t, "artifact missing", out.DegradedReason)
	})

	t.Run("ScoreCountMismatchDegrades", func(t *testing.T) {
		out := p.Apply(model.Scored([]float64{0.1}))
		assert.Equal(t, domain.ModeDegraded, out.Mode)
		assert.Equal(t, domain.DecisionChallenge, out.Decision)
	})

	t.Run("WeightsAreCopied", func(t *testing.T) {
		w := Weights{1, 1, 1}
		p, err := NewPolicy(w, 0.3)
		require.NoError(t, err)
		w[0] = 100
		assert.Equal(t, Weights{1, 1, 1}, p.Weights())
	})

	t.Run("FallbackOnly", func(t *testing.T) {
		fp, err := NewFallbackPolicy(DefaultReviewThreshold)
		require.NoError(t, err)
		out := fp.Apply(model.Scored([]float64{0.9, 0.9, 0.9}))
		assert.Equal(t, domain.ModeDegraded, out.Mode)
		assert.Equal(t, domain.DecisionChallenge, out.Decision)
		assert.Empty(t, fp.Weights())
	})

	t.Run("RejectsBadSettings", func(t *testing.T) {
		_, err := NewPolicy(Weights{}, 0.3)
		assert.ErrorIs(t, err, ErrInvalidWeights)
		_, err = NewPolicy(Weights{1, 2, 3}, 0.8)
		assert.ErrorIs(t, err, ErrThresholdUnreachable)
	})
}

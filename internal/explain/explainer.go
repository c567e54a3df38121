// Package explain turns feature attributions into a short list of
// customer-facing reasons.
package explain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Fallback reasons, chosen by the caller.
const (
	FallbackNormal   = "Transaction pattern appears normal"
	FallbackHighRisk = "High risk profile detected"
)

// ErrNoAttributor is reported when no model is available to explain.
var ErrNoAttributor = errors.New("no attribution target available")

// Options configures an Explainer. Strategy is required.
type Options struct {
	// Attributor may be nil, in which case every call falls back.
	Attributor Attributor
	Reasons    *ReasonTable
	Strategy   Strategy
	Logger     *slog.Logger
}

// Explainer ranks attributions against a reason table.
type Explainer struct {
	attributor Attributor
	columns    features.Columns
	reasons    *ReasonTable
	strategy   Strategy
	logger     *slog.Logger
}

// New builds an explainer for vectors laid out as columns.
func New(columns features.Columns, opts Options) (*Explainer, error) {
	if err := columns.Validate(); err != nil {
		return nil, err
	}
	if !opts.Strategy.valid() {
		return nil, errors.New("ranking strategy is required")
	}
	reasons := opts.Reasons
	if reasons == nil {
		reasons = DefaultReasons()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Explainer{
		attributor: opts.Attributor,
		columns:    columns,
		reasons:    reasons,
		strategy:   opts.Strategy,
		logger:     logger,
	}, nil
}

// Strategy returns the configured ranking strategy.
func (e *Explainer) Strategy() Strategy {
	return e.strategy
}

// Reasons returns the reason table in use.
func (e *Explainer) Reasons() *ReasonTable {
	return e.reasons
}

// Explain returns one to MaxReasons reasons for v. Any attribution failure
// is logged and answered with fallback; it never reaches the caller.
func (e *Explainer) Explain(ctx context.Context, v features.Vector, fallback string) []string {
	reasons, _ := e.ExplainWithStatus(ctx, v, fallback)
	return reasons
}

// ExplainWithStatus is Explain that also reports whether attribution
// succeeded. Only attributed explanations are safe to memoize.
func (e *Explainer) ExplainWithStatus(ctx context.Context, v features.Vector, fallback string) ([]string, bool) {
	if fallback == "" {
		fallback = FallbackNormal
	}

	phi, err := e.attribute(ctx, v)
	if err != nil {
		metrics.AttributionFailuresTotal.Inc()
		e.logger.Warn("attribution failed, using fallback reason",
			"error", err,
			"fallback", fallback,
		)
		return []string{fallback}, false
	}

	reasons := Rank(phi, e.columns, e.reasons, e.strategy, MaxReasons)
	if len(reasons) == 0 {
		return []string{fallback}, true
	}
	return reasons, true
}

func (e *Explainer) attribute(ctx context.Context, v features.Vector) ([]float64, error) {
	if e.attributor == nil {
		return nil, ErrNoAttributor
	}
	if v.Len() != len(e.columns) {
		return nil, fmt.Errorf("vector has %d features, explainer expects %d", v.Len(), len(e.columns))
	}

	start := time.Now()
	phi, err := e.attributor.Attribute(ctx, v.Values())
	metrics.AttributionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if len(phi) != len(e.columns) {
		return nil, fmt.Errorf("attributor returned %d values for %d features", len(phi), len(e.columns))
	}
	return phi, nil
}

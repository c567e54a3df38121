// Package engine wires the feature builder, model ensemble, decision policy
// and explainer into one read-only scoring context.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/model"
)

// Version identifies this engine build on persisted evaluations.
const Version = "kestrel-1.0"

// ErrInvalidOptions reports an engine that cannot be assembled.
var ErrInvalidOptions = errors.New("invalid engine options")

// DefaultColumns is the stock model layout, used when no artifact loaded.
var DefaultColumns = features.Columns{"Source", "Target", "Weight", "typeTrans"}

var tracer = otel.Tracer("kestrel-engine")

// Options configures a Context. Ensemble and Ranking are required.
type Options struct {
	Ensemble *model.Ensemble
	Columns  features.Columns

	Weights         decision.Weights
	ReviewThreshold float64

	// Ranking is "signed" or "magnitude".
	Ranking string

	// ExplainTarget is model.TargetBoosted or model.TargetEnsemble.
	ExplainTarget      string
	Background         []float64
	Reasons            []explain.Entry
	Mappings           map[string]string
	AttributionWorkers int

	// Cache memoizes explanations when set and ExplanationTTL > 0.
	Cache          domain.Cache
	ExplanationTTL time.Duration

	// Bus receives BlockEvents when set.
	Bus domain.EventBus

	Logger *slog.Logger
}

// Context is the immutable scoring state shared by all calls.
type Context struct {
	ensemble  *model.Ensemble
	columns   features.Columns
	policy    *decision.Policy
	explainer *explain.Explainer
	mapper    *features.Mapper
	target    string

	cache    domain.Cache
	cacheTTL time.Duration
	bus      domain.EventBus
	logger   *slog.Logger
}

// Result is the outcome of one scoring call.
type Result struct {
	EvaluationID   string          `json:"evaluationId"`
	RiskScore      float64         `json:"riskScore"`
	Decision       domain.Decision `json:"decision"`
	Explanation    []string        `json:"explanation"`
	Mode           string          `json:"mode"`
	DegradedReason string          `json:"degradedReason,omitempty"`
	ModelScores    []float64       `json:"modelScores,omitempty"`
	Vector         features.Vector `json:"features"`
	ModelVersion   string          `json:"modelVersion"`
	CacheHit       bool            `json:"cacheHit"`
	ScoreMs        int64           `json:"scoreMs"`
	AttributionMs  int64           `json:"attributionMs"`
	TotalMs        int64           `json:"totalMs"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Degraded reports whether the score is the fallback probability.
func (r *Result) Degraded() bool {
	return r.Mode == domain.ModeDegraded
}

// Evaluation converts r into its persisted form.
func (r *Result) Evaluation(txID, accountNumber, traceID string) *domain.Evaluation {
	return &domain.Evaluation{
		ID:             r.EvaluationID,
		TxID:           txID,
		AccountNumber:  accountNumber,
		RiskScore:      r.RiskScore,
		Decision:       r.Decision,
		Explanation:    r.Explanation,
		Timestamp:      r.Timestamp,
		Mode:           r.Mode,
		DegradedReason: r.DegradedReason,
		ModelScores:    r.ModelScores,
		Features:       r.Vector.Map(),
		Metadata: domain.EvaluationMetadata{
			TraceID:       traceID,
			ModelVersion:  r.ModelVersion,
			ScoreMs:       r.ScoreMs,
			AttributionMs: r.AttributionMs,
			TotalMs:       r.TotalMs,
			CacheHit:      r.CacheHit,
			EngineVersion: Version,
		},
	}
}

// New validates opts and assembles a Context.
func New(opts Options) (*Context, error) {
	if opts.Ensemble == nil {
		return nil, fmt.Errorf("%w: ensemble is required", ErrInvalidOptions)
	}
	if opts.Ranking == "" {
		return nil, fmt.Errorf("%w: ranking strategy is required", ErrInvalidOptions)
	}
	strategy, err := explain.ParseStrategy(opts.Ranking)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	columns := opts.Columns
	if columns == nil {
		columns = DefaultColumns
	}
	if err := columns.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var policy *decision.Policy
	if opts.Ensemble.Available() {
		if opts.Ensemble.Width() != len(columns) {
			return nil, fmt.Errorf("%w: ensemble expects %d features, columns have %d",
				ErrInvalidOptions, opts.Ensemble.Width(), len(columns))
		}
		if len(opts.Weights) != opts.Ensemble.Size() {
			return nil, fmt.Errorf("%w: %d weights for %d models",
				decision.ErrInvalidWeights, len(opts.Weights), opts.Ensemble.Size())
		}
		policy, err = decision.NewPolicy(opts.Weights, opts.ReviewThreshold)
	} else if len(opts.Weights) > 0 {
		policy, err = decision.NewPolicy(opts.Weights, opts.ReviewThreshold)
	} else {
		policy, err = decision.NewFallbackPolicy(opts.ReviewThreshold)
	}
	if err != nil {
		return nil, err
	}

	target := opts.ExplainTarget
	if target == "" {
		target = model.TargetBoosted
	}

	c := &Context{
		ensemble: opts.Ensemble,
		columns:  columns,
		policy:   policy,
		target:   target,
		cache:    opts.Cache,
		cacheTTL: opts.ExplanationTTL,
		bus:      opts.Bus,
		logger:   logger,
	}

	attributor, err := c.attributor(target, opts.Background, opts.AttributionWorkers)
	if err != nil {
		return nil, err
	}

	var reasons *explain.ReasonTable
	if len(opts.Reasons) > 0 {
		reasons, err = explain.NewReasonTable(opts.Reasons)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
	}

	c.explainer, err = explain.New(columns, explain.Options{
		Attributor: attributor,
		Reasons:    reasons,
		Strategy:   strategy,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	mappings := opts.Mappings
	if mappings == nil {
		mappings = features.DefaultExpressions()
	}
	c.mapper, err = features.NewMapper(mappings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	return c, nil
}

// attributor builds the Shapley explainer for the configured target. It
// returns nil when no model is loaded.
func (c *Context) attributor(target string, background []float64, workers int) (explain.Attributor, error) {
	if !c.ensemble.Available() {
		return nil, nil
	}
	if background != nil && len(background) != len(c.columns) {
		return nil, fmt.Errorf("%w: background has %d values, want %d",
			ErrInvalidOptions, len(background), len(c.columns))
	}

	var fn explain.Target
	switch target {
	case model.TargetBoosted:
		h, ok := c.ensemble.Handle(model.KindBoosted)
		if !ok {
			return nil, fmt.Errorf("%w: ensemble has no boosted model", ErrInvalidOptions)
		}
		fn = h.Predict
	case model.TargetEnsemble:
		fn = func(x []float64) (float64, error) {
			out := c.policy.Apply(c.ensemble.Score(x))
			if out.Mode == domain.ModeDegraded {
				return 0, errors.New(out.DegradedReason)
			}
			return out.RiskScore, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown explain target %q", ErrInvalidOptions, target)
	}

	return explain.NewShapley(fn, background, explain.WithWorkers(workers)), nil
}

// ScoreInput parses loosely typed attributes and scores them.
func (c *Context) ScoreInput(ctx context.Context, in map[string]any) (*Result, error) {
	raw, err := features.ParseRaw(in, c.columns)
	if err != nil {
		return nil, err
	}
	return c.Score(ctx, raw)
}

// Score runs the full pipeline on raw. The only error is *features.InputError
// for non-finite values; model failures degrade the result instead.
func (c *Context) Score(ctx context.Context, raw features.Raw) (*Result, error) {
	ctx, span := tracer.Start(ctx, "engine.Score")
	defer span.End()

	start := time.Now()

	for _, name := range c.columns {
		if v, ok := raw[name]; ok && (math.IsNaN(v) || math.IsInf(v, 0)) {
			err := &features.InputError{Field: name, Reason: "value must be finite"}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	v := features.Build(raw, c.columns)
	pred := c.ensemble.Score(v.Values())
	out := c.policy.Apply(pred)
	scoreMs := time.Since(start).Milliseconds()

	if out.Mode == domain.ModeDegraded {
		c.recordDegraded(out.DegradedReason)
	}

	fallback := explain.FallbackNormal
	if out.Decision != domain.DecisionApprove {
		fallback = explain.FallbackHighRisk
	}

	explainStart := time.Now()
	explanation, hit := c.explain(ctx, v, fallback)
	attributionMs := time.Since(explainStart).Milliseconds()

	metrics.DecisionsTotal.WithLabelValues(string(out.Decision), out.Mode).Inc()
	metrics.RiskScore.Observe(out.RiskScore)

	res := &Result{
		EvaluationID:   uuid.New().String(),
		RiskScore:      out.RiskScore,
		Decision:       out.Decision,
		Explanation:    explanation,
		Mode:           out.Mode,
		DegradedReason: out.DegradedReason,
		ModelScores:    pred.Scores,
		Vector:         v,
		ModelVersion:   c.ensemble.Version(),
		CacheHit:       hit,
		ScoreMs:        scoreMs,
		AttributionMs:  attributionMs,
		TotalMs:        time.Since(start).Milliseconds(),
		Timestamp:      time.Now().UTC(),
	}

	span.SetAttributes(
		attribute.String("kestrel.decision", string(res.Decision)),
		attribute.Float64("kestrel.risk_score", res.RiskScore),
		attribute.String("kestrel.mode", res.Mode),
		attribute.Bool("kestrel.explanation_cached", hit),
	)

	return res, nil
}

// ScoreTransaction maps a banking transaction to features and scores it.
// acct may be nil. Block events are left to the caller, which publishes
// them with PublishBlock once the account hold is committed.
func (c *Context) ScoreTransaction(ctx context.Context, tx *domain.Transaction, acct *domain.Account) (*Result, error) {
	in := &features.TxInput{
		SourceAccount: tx.SourceAccount,
		TargetAccount: tx.TargetAccount,
		Amount:        tx.Amount,
		Type:          tx.Type,
		Currency:      tx.Currency,
		Metadata:      tx.Metadata,
	}
	if acct != nil {
		in.Balance = acct.Balance
	}

	raw, err := c.mapper.Map(in)
	if err != nil {
		return nil, err
	}

	return c.Score(ctx, raw)
}

// explain consults the cache before running attribution.
func (c *Context) explain(ctx context.Context, v features.Vector, fallback string) ([]string, bool) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return c.explainer.Explain(ctx, v, fallback), false
	}

	key := c.cacheKey(v, fallback)
	if data, err := c.cache.Get(ctx, key); err == nil && data != nil {
		var reasons []string
		if err := json.Unmarshal(data, &reasons); err == nil && len(reasons) > 0 {
			metrics.ExplanationCacheTotal.WithLabelValues("hit").Inc()
			return reasons, true
		}
	} else if err != nil {
		c.logger.Warn("explanation cache read failed", "error", err)
	}
	metrics.ExplanationCacheTotal.WithLabelValues("miss").Inc()

	reasons, attributed := c.explainer.ExplainWithStatus(ctx, v, fallback)
	if attributed {
		if data, err := json.Marshal(reasons); err == nil {
			if err := c.cache.Set(ctx, key, data, c.cacheTTL); err != nil {
				c.logger.Warn("explanation cache write failed", "error", err)
			}
		}
	}
	return reasons, false
}

func (c *Context) cacheKey(v features.Vector, fallback string) string {
	return fmt.Sprintf("explain:%s:%s:%s:%s:%s",
		c.ensemble.Version(), c.target, c.explainer.Strategy().Name, fallback, v.Fingerprint())
}

func (c *Context) recordDegraded(reason string) {
	category := metrics.DegradedModelError
	if !c.ensemble.Available() {
		category = metrics.DegradedUnavailable
	}
	metrics.DegradedScoresTotal.WithLabelValues(category).Inc()
	c.logger.Warn("scored in degraded mode",
		"reason", reason,
		"risk_score", model.FallbackProbability,
	)
}

// PublishBlock announces a blocked transaction whose account is already on
// HOLD. Non-BLOCK results are ignored. Failures are logged only.
func (c *Context) PublishBlock(ctx context.Context, tx *domain.Transaction, acct *domain.Account, res *Result) {
	if c.bus == nil || res == nil || res.Decision != domain.DecisionBlock {
		return
	}

	event := domain.BlockEvent{
		EvaluationID:  res.EvaluationID,
		TxID:          tx.ID,
		Account:       domain.AccountRef{Number: tx.SourceAccount},
		TargetAccount: tx.TargetAccount,
		Amount:        tx.Amount,
		RiskScore:     res.RiskScore,
		Explanation:   res.Explanation,
		ModelVersion:  res.ModelVersion,
		Degraded:      res.Degraded(),
		Timestamp:     res.Timestamp,
	}
	if acct != nil {
		event.Account = domain.AccountRef{Number: acct.Number, Name: acct.Name, Phone: acct.Phone}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal block event", "tx_id", tx.ID, "error", err)
		return
	}
	if err := c.bus.Publish(ctx, domain.TopicBlock, payload); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		c.logger.Error("failed to publish block event", "tx_id", tx.ID, "error", err)
	}
}

// Info describes the loaded engine.
type Info struct {
	ModelVersion    string            `json:"modelVersion"`
	EngineVersion   string            `json:"engineVersion"`
	Mode            string            `json:"mode"`
	DegradedReason  string            `json:"degradedReason,omitempty"`
	Columns         []string          `json:"columns"`
	Models          []string          `json:"models"`
	Weights         []float64         `json:"weights,omitempty"`
	ReviewThreshold float64           `json:"reviewThreshold"`
	BlockThreshold  float64           `json:"blockThreshold"`
	Ranking         string            `json:"ranking"`
	ExplainTarget   string            `json:"explainTarget"`
	Mappings        map[string]string `json:"mappings"`
}

// Info returns a snapshot of the engine configuration.
func (c *Context) Info() Info {
	mode := domain.ModeScored
	if !c.ensemble.Available() {
		mode = domain.ModeDegraded
	}
	return Info{
		ModelVersion:    c.ensemble.Version(),
		EngineVersion:   Version,
		Mode:            mode,
		DegradedReason:  c.ensemble.UnavailableReason(),
		Columns:         append([]string(nil), c.columns...),
		Models:          c.ensemble.Names(),
		Weights:         c.policy.Weights(),
		ReviewThreshold: c.policy.ReviewThreshold(),
		BlockThreshold:  decision.BlockThreshold,
		Ranking:         c.explainer.Strategy().Name,
		ExplainTarget:   c.target,
		Mappings:        c.mapper.Expressions(),
	}
}

// Available reports whether real models are loaded.
func (c *Context) Available() bool {
	return c.ensemble.Available()
}

// Columns returns the feature order.
func (c *Context) Columns() features.Columns {
	return c.columns
}

// IsConfigurationError reports whether err stems from invalid or missing
// configuration rather than from a request.
func IsConfigurationError(err error) bool {
	for _, target := range []error{
		model.ErrArtifactNotFound,
		model.ErrArtifactInvalid,
		decision.ErrThresholdUnreachable,
		decision.ErrInvalidWeights,
		features.ErrInvalidColumns,
		ErrInvalidOptions,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package engine

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
)

// ModelPathEnv overrides every configured artifact location.
const ModelPathEnv = "KESTREL_MODEL_PATH"

// Deps are the optional collaborators of a Context built from config.
type Deps struct {
	Cache  domain.Cache
	Bus    domain.EventBus
	Logger *slog.Logger
}

// Load resolves the artifact named by cfg and builds a Context from it.
// A missing or invalid artifact yields a degraded Context unless
// cfg.Model.Required is set, in which case the load error is returned.
func Load(cfg *domain.Config, deps Deps) (*Context, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	paths := make([]string, 0, len(cfg.Model.SearchPaths)+1)
	if cfg.Model.Path != "" {
		paths = append(paths, cfg.Model.Path)
	}
	paths = append(paths, cfg.Model.SearchPaths...)

	artifact, err := model.Load(model.CandidatePaths{Env: ModelPathEnv, Paths: paths})
	if err != nil {
		if cfg.Model.Required {
			return nil, fmt.Errorf("failed to load model artifact: %w", err)
		}
		logger.Warn("model artifact unavailable, scoring in degraded mode",
			"error", err,
			"fallback_probability", model.FallbackProbability,
		)
	}

	opts := Options{
		Ranking:            cfg.Engine.Ranking,
		ExplainTarget:      cfg.Engine.ExplainTarget,
		AttributionWorkers: cfg.Engine.AttributionWorkers,
		Cache:              deps.Cache,
		ExplanationTTL:     cfg.Engine.ExplanationTTL,
		Bus:                deps.Bus,
		Logger:             logger,
		Weights:            decision.Weights(cfg.Model.Weights),
		ReviewThreshold:    decision.DefaultReviewThreshold,
	}

	if artifact != nil {
		opts.Ensemble = artifact.Ensemble()
		opts.Columns = artifact.Columns
		opts.Background = artifact.Background
		if len(artifact.Mappings) > 0 {
			opts.Mappings = features.DefaultExpressions()
			for name, expr := range artifact.Mappings {
				opts.Mappings[name] = expr
			}
		}
		if len(opts.Weights) == 0 {
			opts.Weights = artifact.Weights
		}
		if artifact.Threshold != nil {
			opts.ReviewThreshold = *artifact.Threshold
		}
		if opts.ExplainTarget == "" {
			opts.ExplainTarget = artifact.ExplainTarget
		}
		for _, r := range artifact.Reasons {
			opts.Reasons = append(opts.Reasons, explain.Entry{Feature: r.Feature, Reason: r.Text})
		}
		logger.Info("model artifact loaded",
			"path", artifact.Path(),
			"version", artifact.Version,
			"columns", len(artifact.Columns),
		)
	} else {
		opts.Ensemble = model.Unavailable(err.Error())
	}

	if cfg.Model.ReviewThreshold != nil {
		opts.ReviewThreshold = *cfg.Model.ReviewThreshold
	}

	ec, err := New(opts)
	if err != nil {
		return nil, err
	}
	logger.Info("explanation ranking selected",
		"ranking", ec.explainer.Strategy().Name,
		"explain_target", ec.target,
	)
	return ec, nil
}

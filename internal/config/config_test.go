package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvFile, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Repository.Driver)
	}
	if cfg.Engine.Ranking != "signed" {
		t.Errorf("expected signed ranking, got %s", cfg.Engine.Ranking)
	}
	if cfg.Model.Required {
		t.Error("model should not be required by default")
	}
	if cfg.Model.ReviewThreshold != nil {
		t.Error("threshold override should be unset by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvFile, "")
	t.Setenv("KESTREL_PORT", "9090")
	t.Setenv("KESTREL_MODEL_SEARCH_PATHS", "/a/model.json, /b/model.json")
	t.Setenv("KESTREL_MODEL_REQUIRED", "true")
	t.Setenv("KESTREL_ENSEMBLE_WEIGHTS", "1, 2, 3")
	t.Setenv("KESTREL_REVIEW_THRESHOLD", "0.4")
	t.Setenv("KESTREL_RANKING", "magnitude")
	t.Setenv("KESTREL_EXPLAIN_TARGET", "ensemble")
	t.Setenv("KESTREL_EXPLANATION_TTL", "30s")
	t.Setenv("KESTREL_CACHE", "none")
	t.Setenv("KESTREL_NOTIFIER", "telegram")
	t.Setenv("KESTREL_TELEGRAM_TOKEN", "token")
	t.Setenv("KESTREL_TELEGRAM_CHAT_ID", "-100123")
	t.Setenv("KESTREL_DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if len(cfg.Model.SearchPaths) != 2 || cfg.Model.SearchPaths[1] != "/b/model.json" {
		t.Errorf("unexpected search paths: %v", cfg.Model.SearchPaths)
	}
	if !cfg.Model.Required {
		t.Error("expected model required")
	}
	if len(cfg.Model.Weights) != 3 || cfg.Model.Weights[2] != 3 {
		t.Errorf("unexpected weights: %v", cfg.Model.Weights)
	}
	if cfg.Model.ReviewThreshold == nil || *cfg.Model.ReviewThreshold != 0.4 {
		t.Errorf("expected threshold 0.4, got %v", cfg.Model.ReviewThreshold)
	}
	if cfg.Engine.Ranking != "magnitude" || cfg.Engine.ExplainTarget != "ensemble" {
		t.Errorf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Engine.ExplanationTTL != 30*time.Second {
		t.Errorf("expected TTL 30s, got %v", cfg.Engine.ExplanationTTL)
	}
	if cfg.Notifier.TelegramChatID != -100123 {
		t.Errorf("expected chat ID -100123, got %d", cfg.Notifier.TelegramChatID)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("KESTREL_HOST=127.0.0.1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvFile, path)
	// godotenv never overrides variables that are already set.
	t.Setenv("KESTREL_HOST", "")
	os.Unsetenv("KESTREL_HOST")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host from env file, got %s", cfg.Server.Host)
	}

	t.Setenv(EnvFile, filepath.Join(t.TempDir(), "missing.env"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing env file")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		target error
	}{
		{"MalformedPort", "KESTREL_PORT", "http", nil},
		{"PortRange", "KESTREL_PORT", "70000", nil},
		{"MalformedBool", "KESTREL_MODEL_REQUIRED", "sometimes", nil},
		{"MalformedDuration", "KESTREL_EXPLANATION_TTL", "ten minutes", nil},
		{"UnreachableThreshold", "KESTREL_REVIEW_THRESHOLD", "0.7", decision.ErrThresholdUnreachable},
		{"NegativeWeight", "KESTREL_ENSEMBLE_WEIGHTS", "1,-2,3", decision.ErrInvalidWeights},
		{"ZeroWeights", "KESTREL_ENSEMBLE_WEIGHTS", "0,0,0", decision.ErrInvalidWeights},
		{"MalformedWeight", "KESTREL_ENSEMBLE_WEIGHTS", "1,two,3", nil},
		{"UnknownRanking", "KESTREL_RANKING", "loudest", nil},
		{"UnknownTarget", "KESTREL_EXPLAIN_TARGET", "knn", nil},
		{"UnknownDriver", "KESTREL_DB_DRIVER", "mysql", nil},
		{"UnknownCache", "KESTREL_CACHE", "memcached", nil},
		{"UnknownBus", "KESTREL_BUS", "kafka", nil},
		{"TelegramWithoutToken", "KESTREL_NOTIFIER", "telegram", nil},
		{"UnknownLogLevel", "KESTREL_LOG_LEVEL", "verbose", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvFile, "")
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
		})
	}
}

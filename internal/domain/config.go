package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Scoring core
	Model  ModelConfig  `json:"model"`
	Engine EngineConfig `json:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Notifier   NotifierConfig   `json:"notifier"`

	// AsyncWorker enables scoring of transactions published on the bus.
	AsyncWorker bool `json:"asyncWorker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ModelConfig controls where the model artifact is found and how a
// missing artifact is treated.
type ModelConfig struct {
	// Path is tried first when set.
	Path string `json:"path"`

	// SearchPaths are tried in order after Path.
	SearchPaths []string `json:"searchPaths"`

	// Required makes a missing or invalid artifact fatal at startup.
	// Otherwise the engine runs in degraded mode.
	Required bool `json:"required"`

	// Weights override the artifact's ensemble weights. One of the two
	// must provide them.
	Weights []float64 `json:"weights,omitempty"`

	// ReviewThreshold overrides the artifact threshold when set.
	ReviewThreshold *float64 `json:"reviewThreshold,omitempty"`
}

// EngineConfig holds scoring engine settings.
type EngineConfig struct {
	// Ranking is the explanation ranking strategy: "signed" or "magnitude".
	Ranking string `json:"ranking"`

	// ExplainTarget selects the model being attributed: "boosted" or
	// "ensemble". Empty defers to the artifact.
	ExplainTarget string `json:"explainTarget"`

	// AttributionWorkers bounds concurrent model evaluations per explanation.
	AttributionWorkers int `json:"attributionWorkers"`

	// ExplanationTTL is how long explanations stay cached. Zero disables caching.
	ExplanationTTL time.Duration `json:"explanationTtl"`
}

// NotifierConfig selects how BLOCK alerts are delivered.
type NotifierConfig struct {
	// Type is "log" or "telegram".
	Type string `json:"type"`

	TelegramToken  string `json:"-"`
	TelegramChatID int64  `json:"telegramChatId"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// cache, channel bus, log notifier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Model: ModelConfig{
			SearchPaths: []string{
				"./ensemble_model.json",
				"./models/ensemble_model.json",
				"/etc/kestrel/ensemble_model.json",
			},
		},
		Engine: EngineConfig{
			Ranking:            "signed",
			AttributionWorkers: 8,
			ExplanationTTL:     10 * time.Minute,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Notifier: NotifierConfig{
			Type: "log",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

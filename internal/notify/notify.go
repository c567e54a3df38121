// Package notify delivers fraud alerts for blocked transactions.
//
// The engine publishes a domain.BlockEvent on the event bus whenever it
// blocks a transaction. A Dispatcher consumes those events and hands each
// one to a Notifier exactly once; delivery failures are logged and counted
// but never retried.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Notifier delivers one alert.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event domain.BlockEvent) error
}

// New creates the notifier selected by cfg.
func New(cfg domain.NotifierConfig, logger *slog.Logger) (Notifier, error) {
	switch cfg.Type {
	case "log", "":
		return NewLogNotifier(logger), nil
	case "telegram":
		return NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	default:
		return nil, fmt.Errorf("unsupported notifier type: %s", cfg.Type)
	}
}

// FormatAlert renders the alert text for event.
func FormatAlert(event domain.BlockEvent) string {
	name := event.Account.Name
	if name == "" {
		name = event.Account.Number
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⚠ Fraud Alert for %s. Account on HOLD.", name)
	fmt.Fprintf(&b, "\nRisk score: %.2f", event.RiskScore)
	if event.Amount > 0 {
		fmt.Fprintf(&b, "\nAmount: %.2f to %s", event.Amount, event.TargetAccount)
	}
	for _, reason := range event.Explanation {
		fmt.Fprintf(&b, "\n- %s", reason)
	}
	return b.String()
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Name implements Notifier.
func (n *LogNotifier) Name() string { return "log" }

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, event domain.BlockEvent) error {
	n.logger.Warn("fraud alert",
		"tx_id", event.TxID,
		"account", event.Account.Number,
		"risk_score", event.RiskScore,
		"reasons", event.Explanation,
		"message", FormatAlert(event),
	)
	return nil
}

// Dispatcher feeds BlockEvents from the bus to a Notifier.
type Dispatcher struct {
	bus      domain.EventBus
	notifier Notifier
	logger   *slog.Logger

	mu  sync.Mutex
	sub domain.Subscription
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(bus domain.EventBus, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bus: bus, notifier: notifier, logger: logger}
}

// Start subscribes to block events.
func (d *Dispatcher) Start(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, domain.TopicBlock, d.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to block events: %w", err)
	}

	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()

	d.logger.Info("alert dispatcher started", "notifier", d.notifier.Name())
	return nil
}

// Stop unsubscribes.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sub == nil {
		return nil
	}
	err := d.sub.Unsubscribe()
	d.sub = nil
	return err
}

func (d *Dispatcher) handle(ctx context.Context, msg *domain.Message) error {
	var event domain.BlockEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		metrics.AlertsTotal.WithLabelValues(d.notifier.Name(), "invalid").Inc()
		d.logger.Error("invalid block event", "message_id", msg.ID, "error", err)
		return nil
	}

	if err := d.notifier.Notify(ctx, event); err != nil {
		metrics.AlertsTotal.WithLabelValues(d.notifier.Name(), "failed").Inc()
		d.logger.Error("alert delivery failed",
			"notifier", d.notifier.Name(),
			"tx_id", event.TxID,
			"account", event.Account.Number,
			"error", err,
		)
		return nil
	}

	metrics.AlertsTotal.WithLabelValues(d.notifier.Name(), "sent").Inc()
	return nil
}

// Package worker scores transactions published on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Scorer is the part of the engine the worker needs.
type Scorer interface {
	ScoreTransaction(ctx context.Context, tx *domain.Transaction, acct *domain.Account) (*engine.Result, error)
	PublishBlock(ctx context.Context, tx *domain.Transaction, acct *domain.Account, res *engine.Result)
}

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	scorer Scorer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker. repo may be nil, in which case
// evaluations are published but not stored, and BLOCK decisions raise no
// alert because no account can be put on HOLD.
func NewWorker(bus domain.EventBus, repo domain.Repository, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the transaction ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

// TransactionMessage is the message payload for transaction processing.
type TransactionMessage struct {
	TxID          string         `json:"txId"`
	TraceID       string         `json:"traceId"`
	SourceAccount string         `json:"sourceAccount"`
	TargetAccount string         `json:"targetAccount"`
	Type          int            `json:"type"`
	Amount        float64        `json:"amount"`
	Currency      string         `json:"currency"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// handleMessage scores one ingested transaction and publishes the
// evaluation on the decision topic.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var txMsg TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		metrics.WorkerMessagesTotal.WithLabelValues("invalid").Inc()
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	if txMsg.TxID == "" {
		txMsg.TxID = uuid.New().String()
	}

	tx := &domain.Transaction{
		ID:            txMsg.TxID,
		SourceAccount: txMsg.SourceAccount,
		TargetAccount: txMsg.TargetAccount,
		Type:          txMsg.Type,
		Amount:        txMsg.Amount,
		Currency:      txMsg.Currency,
		Metadata:      txMsg.Metadata,
	}

	var acct *domain.Account
	if w.repo != nil && tx.SourceAccount != "" {
		a, err := w.repo.GetAccount(ctx, tx.SourceAccount)
		if err != nil {
			slog.Warn("account lookup failed, scoring without account context",
				"tx_id", tx.ID,
				"account", tx.SourceAccount,
				"error", err,
			)
		} else {
			acct = a
		}
	}

	res, err := w.scorer.ScoreTransaction(ctx, tx, acct)
	if err != nil {
		metrics.WorkerMessagesTotal.WithLabelValues("rejected").Inc()
		slog.Error("transaction scoring failed",
			"tx_id", tx.ID,
			"error", err,
		)
		return err
	}

	evaluation := res.Evaluation(tx.ID, tx.SourceAccount, traceID)

	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, evaluation); err != nil {
			slog.Error("failed to save evaluation",
				"tx_id", tx.ID,
				"error", err,
			)
		}
	}

	if res.Decision == domain.DecisionBlock {
		w.holdAndAlert(ctx, tx, acct, res)
	}

	payload, err := json.Marshal(evaluation)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	metrics.WorkerMessagesTotal.WithLabelValues("scored").Inc()
	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"decision", res.Decision,
		"risk_score", res.RiskScore,
		"mode", res.Mode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// holdAndAlert puts the sender on HOLD, records the blocked transaction and
// only then publishes the block alert.
func (w *Worker) holdAndAlert(ctx context.Context, tx *domain.Transaction, acct *domain.Account, res *engine.Result) {
	if w.repo == nil || acct == nil {
		slog.Warn("blocked transaction has no account to hold, alert skipped",
			"tx_id", tx.ID,
			"account", tx.SourceAccount,
		)
		return
	}

	tx.Status = domain.TxStatusBlocked
	tx.RiskScore = res.RiskScore
	tx.Decision = res.Decision
	tx.Explanation = res.Explanation
	tx.Model = res.ModelVersion
	tx.Timestamp = res.Timestamp

	if _, err := w.repo.SettleTransaction(ctx, tx); err != nil {
		metrics.WorkerMessagesTotal.WithLabelValues("hold_failed").Inc()
		slog.Error("failed to hold account for blocked transaction",
			"tx_id", tx.ID,
			"account", acct.Number,
			"error", err,
		)
		return
	}

	acct.Status = domain.AccountHold
	w.scorer.PublishBlock(ctx, tx, acct, res)
	slog.Warn("transaction blocked, account on hold",
		"tx_id", tx.ID,
		"account", acct.Number,
		"risk_score", res.RiskScore,
	)
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

// Package payments implements the send-money flow: account checks, risk
// scoring, hold on BLOCK, and the balance debit.
package payments

import (
	"context"
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

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountOnHold     = errors.New("account on HOLD")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInvalidAmount     = errors.New("amount must be a positive number")
	ErrInvalidRequest    = errors.New("invalid request")

	// ErrDuplicateTransaction means the client-supplied txId was already used.
	ErrDuplicateTransaction = errors.New("transaction id already exists")
)

var tracer = otel.Tracer("kestrel-payments")

// Scorer is the part of the engine the payments flow needs.
type Scorer interface {
	ScoreTransaction(ctx context.Context, tx *domain.Transaction, acct *domain.Account) (*engine.Result, error)
	PublishBlock(ctx context.Context, tx *domain.Transaction, acct *domain.Account, res *engine.Result)
}

// SendRequest is a transfer out of SourceAccount.
type SendRequest struct {
	TxID          string         `json:"txId,omitempty"`
	SourceAccount string         `json:"sourceAccount"`
	TargetAccount string         `json:"targetAccount"`
	Amount        float64        `json:"amount"`
	Type          int            `json:"type"`
	Currency      string         `json:"currency,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SendResult is the outcome of a transfer.
type SendResult struct {
	TxID         string          `json:"txId"`
	EvaluationID string          `json:"evaluationId"`
	Status       string          `json:"status"`
	RiskScore    float64         `json:"riskScore"`
	Decision     domain.Decision `json:"decision"`
	Explanation  []string        `json:"explanation"`
	Mode         string          `json:"mode"`
	NewBalance   float64         `json:"newBalance"`
	Model        string          `json:"model"`
}

// Service runs transfers against a repository.
type Service struct {
	repo   domain.Repository
	scorer Scorer
	logger *slog.Logger
}

// NewService creates a payments service.
func NewService(repo domain.Repository, scorer Scorer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, scorer: scorer, logger: logger}
}

// Send validates, scores and settles one transfer. A BLOCK decision holds
// the sender's account and records the transaction as BLOCKED without
// moving money; any other decision debits the balance. The account change
// and the transaction row are committed together, and the block alert is
// published only after that commit.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	ctx, span := tracer.Start(ctx, "payments.Send")
	defer span.End()

	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.SourceAccount == "" || req.TargetAccount == "" {
		return nil, fmt.Errorf("%w: source and target accounts are required", ErrInvalidRequest)
	}

	acct, err := s.repo.GetAccount(ctx, req.SourceAccount)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if acct.OnHold() {
		return nil, ErrAccountOnHold
	}
	if acct.Balance < req.Amount {
		return nil, ErrInsufficientFunds
	}

	txID := req.TxID
	if txID == "" {
		txID = uuid.New().String()
	} else {
		_, err := s.repo.GetTransaction(ctx, txID)
		if err == nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTransaction, txID)
		}
		if !errors.Is(err, repository.ErrNotFound) {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to check transaction id: %w", err)
		}
	}
	now := time.Now().UTC()
	tx := &domain.Transaction{
		ID:            txID,
		SourceAccount: req.SourceAccount,
		TargetAccount: req.TargetAccount,
		Type:          req.Type,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Timestamp:     now,
		CreatedAt:     now,
		Metadata:      req.Metadata,
	}

	res, err := s.scorer.ScoreTransaction(ctx, tx, acct)
	if err != nil {
		return nil, err
	}

	tx.RiskScore = res.RiskScore
	tx.Decision = res.Decision
	tx.Explanation = res.Explanation
	tx.Model = res.ModelVersion

	if err := s.repo.SaveEvaluation(ctx, res.Evaluation(tx.ID, acct.Number, span.SpanContext().TraceID().String())); err != nil {
		s.logger.Error("failed to save evaluation", "tx_id", tx.ID, "error", err)
	}

	result := &SendResult{
		TxID:         tx.ID,
		EvaluationID: res.EvaluationID,
		RiskScore:    res.RiskScore,
		Decision:     res.Decision,
		Explanation:  res.Explanation,
		Mode:         res.Mode,
		NewBalance:   acct.Balance,
		Model:        res.ModelVersion,
	}

	tx.Status = domain.TxStatusSuccess
	if res.Decision == domain.DecisionBlock {
		tx.Status = domain.TxStatusBlocked
	}

	balance, err := s.repo.SettleTransaction(ctx, tx)
	if err != nil {
		return nil, s.settleFailed(ctx, span, acct.Number, tx.ID, err)
	}

	result.Status = tx.Status
	result.NewBalance = balance
	span.SetAttributes(attribute.String("kestrel.tx_status", result.Status))

	if tx.Status == domain.TxStatusBlocked {
		s.logger.Warn("transaction blocked, account on hold",
			"tx_id", tx.ID,
			"account", acct.Number,
			"risk_score", res.RiskScore,
		)
		acct.Status = domain.AccountHold
		s.scorer.PublishBlock(ctx, tx, acct, res)
		return result, nil
	}

	s.logger.Info("transaction settled",
		"tx_id", tx.ID,
		"decision", res.Decision,
		"risk_score", res.RiskScore,
		"new_balance", balance,
	)
	return result, nil
}

// settleFailed maps a failed settlement to the service's errors. Nothing was
// written when it is called.
func (s *Service) settleFailed(ctx context.Context, span trace.Span, number, txID string, err error) error {
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, txID)
	case errors.Is(err, repository.ErrNotFound):
		return ErrAccountNotFound
	case errors.Is(err, repository.ErrDebitRejected):
		// The account changed between the checks and the settlement.
		current, getErr := s.repo.GetAccount(ctx, number)
		if getErr == nil && current.OnHold() {
			return ErrAccountOnHold
		}
		return ErrInsufficientFunds
	}
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("failed to settle transaction", "tx_id", txID, "error", err)
	return fmt.Errorf("failed to settle transaction: %w", err)
}

// Hold places an account on HOLD.
func (s *Service) Hold(ctx context.Context, number string) error {
	return s.setStatus(ctx, number, domain.AccountHold)
}

// Release returns a held account to ACTIVE.
func (s *Service) Release(ctx context.Context, number string) error {
	return s.setStatus(ctx, number, domain.AccountActive)
}

func (s *Service) setStatus(ctx context.Context, number, status string) error {
	err := s.repo.SetAccountStatus(ctx, number, status)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	s.logger.Info("account status changed", "account", number, "status", status)
	return nil
}

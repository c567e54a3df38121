package domain

import (
	"time"
)

// Decision is the action taken for a scored transaction.
type Decision string

const (
	// DecisionApprove lets the transaction through.
	DecisionApprove Decision = "APPROVE"

	// DecisionChallenge requires step-up verification (OTP) before the
	// transaction proceeds. Older clients call this "OTP_VERIFICATION".
	DecisionChallenge Decision = "CHALLENGE"

	// DecisionBlock rejects the transaction and holds the account.
	DecisionBlock Decision = "BLOCK"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionChallenge, DecisionBlock:
		return true
	}
	return false
}

// Score modes distinguish real ensemble output from the fallback.
const (
	ModeScored   = "scored"
	ModeDegraded = "degraded"
)

// Evaluation is the persisted record of one scoring call.
type Evaluation struct {
	ID            string    `json:"id"`
	TxID          string    `json:"txId,omitempty"`
	AccountNumber string    `json:"accountNumber,omitempty"`
	RiskScore     float64   `json:"riskScore"`
	Decision      Decision  `json:"decision"`
	Explanation   []string  `json:"explanation"`
	Timestamp     time.Time `json:"timestamp"`

	// Mode is ModeScored or ModeDegraded.
	Mode           string `json:"mode"`
	DegradedReason string `json:"degradedReason,omitempty"`

	// Per-model probabilities in ensemble order.
	ModelScores []float64          `json:"modelScores,omitempty"`
	Features    map[string]float64 `json:"features,omitempty"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID       string `json:"traceId"`
	ModelVersion  string `json:"modelVersion"`
	Ranking       string `json:"ranking"`
	ScoreMs       int64  `json:"scoreMs"`
	AttributionMs int64  `json:"attributionMs"`
	TotalMs       int64  `json:"totalMs"`
	CacheHit      bool   `json:"cacheHit"`
	EngineVersion string `json:"engineVersion"`
}

// Stats summarizes accounts and transactions for the admin view.
type Stats struct {
	TotalAccounts     int64 `json:"totalAccounts"`
	ActiveAccounts    int64 `json:"activeAccounts"`
	HeldAccounts      int64 `json:"heldAccounts"`
	TotalTransactions int64 `json:"totalTransactions"`
	BlockedTxs        int64 `json:"blockedTransactions"`
	ChallengedTxs     int64 `json:"challengedTransactions"`
}

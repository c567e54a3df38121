package domain

import (
	"time"
)

// Account status values.
const (
	AccountActive = "ACTIVE"
	AccountHold   = "HOLD"
)

// Account is a customer account as seen by the scoring service.
type Account struct {
	Number    string    `json:"number"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Balance   float64   `json:"balance"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OnHold reports whether the account has been frozen.
func (a *Account) OnHold() bool {
	return a.Status == AccountHold
}

// Transaction status values.
const (
	TxStatusSuccess = "SUCCESS"
	TxStatusBlocked = "BLOCKED"
)

// Transaction represents a money transfer submitted for scoring.
type Transaction struct {
	// Core identifiers
	ID            string `json:"id"`
	SourceAccount string `json:"sourceAccount"`
	TargetAccount string `json:"targetAccount"`

	// Transaction type code as understood by the models.
	Type int `json:"type"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`

	// Scoring outcome, filled in once the engine has run.
	Status      string   `json:"status,omitempty"`
	RiskScore   float64  `json:"riskScore"`
	Decision    Decision `json:"decision,omitempty"`
	Explanation []string `json:"explanation,omitempty"`
	Model       string   `json:"model,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// The scoring core never calls it; the payments flow and API do.
type Repository interface {
	// Account operations
	SaveAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, number string) (*Account, error)
	ListAccounts(ctx context.Context, limit int) ([]*Account, error)
	SetAccountStatus(ctx context.Context, number string, status string) error

	// SettleTransaction applies tx to its source account (HOLD for BLOCKED,
	// a debit for SUCCESS) and stores it atomically, returning the balance.
	SettleTransaction(ctx context.Context, tx *Transaction) (float64, error)

	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, accountNumber string, limit int) ([]*Transaction, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, eval *Evaluation) error
	GetEvaluation(ctx context.Context, evalID string) (*Evaluation, error)

	Stats(ctx context.Context) (*Stats, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

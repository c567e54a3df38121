// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrDebitRejected means the account is not ACTIVE or holds less than
	// the requested amount.
	ErrDebitRejected = errors.New("debit rejected")

	// ErrDuplicate means a record with the same id already exists.
	ErrDuplicate = errors.New("duplicate record")
)

const defaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	inMemory := cfg.Driver == "sqlite" && cfg.SQLitePath == ":memory:"
	if cfg.MaxOpenConns > 0 && !inMemory {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the pool for connection statistics.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// SaveAccount inserts an account or updates an existing one in place.
func (r *SQLRepository) SaveAccount(ctx context.Context, acct *domain.Account) error {
	if acct.Number == "" {
		return fmt.Errorf("%w: account number is required", ErrInvalidInput)
	}
	if acct.Status == "" {
		acct.Status = domain.AccountActive
	}
	if acct.Status != domain.AccountActive && acct.Status != domain.AccountHold {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, acct.Status)
	}

	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	query := `
		INSERT INTO accounts (
			number, name, phone, email, balance, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			email = excluded.email,
			balance = excluded.balance,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		acct.Number, acct.Name, acct.Phone, acct.Email,
		acct.Balance, acct.Status, acct.CreatedAt, acct.UpdatedAt,
	)
	return err
}

const accountColumns = `number, name, phone, email, balance, status, created_at, updated_at`

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acct domain.Account
	var phone, email sql.NullString

	if err := row.Scan(
		&acct.Number, &acct.Name, &phone, &email,
		&acct.Balance, &acct.Status, &acct.CreatedAt, &acct.UpdatedAt,
	); err != nil {
		return nil, err
	}
	acct.Phone = phone.String
	acct.Email = email.String
	return &acct, nil
}

// GetAccount retrieves an account by number.
func (r *SQLRepository) GetAccount(ctx context.Context, number string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE number = ?`

	acct, err := scanAccount(r.db.QueryRowContext(ctx, r.rebind(query), number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// ListAccounts returns up to limit accounts ordered by number.
func (r *SQLRepository) ListAccounts(ctx context.Context, limit int) ([]*domain.Account, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY number LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []*domain.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}

	return accounts, rows.Err()
}

// SetAccountStatus places an account on HOLD or releases it.
func (r *SQLRepository) SetAccountStatus(ctx context.Context, number string, status string) error {
	if status != domain.AccountActive && status != domain.AccountHold {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	query := `UPDATE accounts SET status = ?, updated_at = ? WHERE number = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), status, time.Now().UTC(), number)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SettleTransaction applies a scored transaction to its source account and
// records it in one database transaction. BLOCKED puts the account on HOLD
// and leaves the balance alone; SUCCESS debits the amount. Nothing is
// written unless both the account change and the insert succeed.
func (r *SQLRepository) SettleTransaction(ctx context.Context, t *domain.Transaction) (float64, error) {
	if t.ID == "" {
		return 0, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var balance float64
	switch t.Status {
	case domain.TxStatusBlocked:
		balance, err = r.hold(ctx, tx, t.SourceAccount)
	case domain.TxStatusSuccess:
		balance, err = r.debit(ctx, tx, t.SourceAccount, t.Amount)
	default:
		err = fmt.Errorf("%w: cannot settle status %q", ErrInvalidInput, t.Status)
	}
	if err != nil {
		return balance, err
	}

	if err := r.insertTransaction(ctx, tx, t); err != nil {
		tx.Rollback()
		if r.transactionExists(ctx, t.ID) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
		}
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

// debit subtracts amount in a single conditional update, so concurrent
// settlements can never overdraw the account.
func (r *SQLRepository) debit(ctx context.Context, tx *sql.Tx, number string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: debit amount must be positive", ErrInvalidInput)
	}

	query := `
		UPDATE accounts
		SET balance = balance - ?, updated_at = ?
		WHERE number = ? AND status = ? AND balance >= ?
	`

	result, err := tx.ExecContext(ctx, r.rebind(query),
		amount, time.Now().UTC(), number, domain.AccountActive, amount,
	)
	if err != nil {
		return 0, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	balance, err := r.balance(ctx, tx, number)
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return balance, ErrDebitRejected
	}
	return balance, nil
}

func (r *SQLRepository) hold(ctx context.Context, tx *sql.Tx, number string) (float64, error) {
	query := `UPDATE accounts SET status = ?, updated_at = ? WHERE number = ?`

	if _, err := tx.ExecContext(ctx, r.rebind(query), domain.AccountHold, time.Now().UTC(), number); err != nil {
		return 0, err
	}
	return r.balance(ctx, tx, number)
}

func (r *SQLRepository) balance(ctx context.Context, tx *sql.Tx, number string) (float64, error) {
	var balance float64
	err := tx.QueryRowContext(ctx, r.rebind(`SELECT balance FROM accounts WHERE number = ?`), number).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}

func (r *SQLRepository) transactionExists(ctx context.Context, txID string) bool {
	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM transactions WHERE id = ?`), txID).Scan(&n)
	return err == nil && n > 0
}

// SaveTransaction stores a scored transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if err := r.insertTransaction(ctx, r.db, tx); err != nil {
		if r.transactionExists(ctx, tx.ID) {
			return fmt.Errorf("%w: %s", ErrDuplicate, tx.ID)
		}
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLRepository) insertTransaction(ctx context.Context, db execer, tx *domain.Transaction) error {
	explanation, _ := json.Marshal(tx.Explanation)
	metadata, _ := json.Marshal(tx.Metadata)

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = tx.CreatedAt
	}

	query := `
		INSERT INTO transactions (
			id, source_account, target_account, type, amount, currency,
			status, risk_score, decision, explanation, model,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.SourceAccount, tx.TargetAccount, tx.Type, tx.Amount, tx.Currency,
		tx.Status, tx.RiskScore, string(tx.Decision), string(explanation), tx.Model,
		tx.Timestamp, tx.CreatedAt, string(metadata),
	)
	return err
}

const transactionColumns = `id, source_account, target_account, type, amount, currency,
	status, risk_score, decision, explanation, model,
	timestamp, created_at, metadata`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var currency, model, metadata sql.NullString
	var decision, explanation string

	if err := row.Scan(
		&tx.ID, &tx.SourceAccount, &tx.TargetAccount, &tx.Type, &tx.Amount, &currency,
		&tx.Status, &tx.RiskScore, &decision, &explanation, &model,
		&tx.Timestamp, &tx.CreatedAt, &metadata,
	); err != nil {
		return nil, err
	}

	tx.Currency = currency.String
	tx.Model = model.String
	tx.Decision = domain.Decision(decision)
	json.Unmarshal([]byte(explanation), &tx.Explanation)
	if metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &tx.Metadata)
	}
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns the newest transactions touching accountNumber,
// or across all accounts when accountNumber is empty.
func (r *SQLRepository) ListTransactions(ctx context.Context, accountNumber string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var rows *sql.Rows
	var err error
	if accountNumber == "" {
		query := `SELECT ` + transactionColumns + ` FROM transactions ORDER BY timestamp DESC LIMIT ?`
		rows, err = r.db.QueryContext(ctx, r.rebind(query), limit)
	} else {
		query := `SELECT ` + transactionColumns + ` FROM transactions
			WHERE source_account = ? OR target_account = ?
			ORDER BY timestamp DESC LIMIT ?`
		rows, err = r.db.QueryContext(ctx, r.rebind(query), accountNumber, accountNumber, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []*domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// SaveEvaluation stores an evaluation result.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	if eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	explanation, _ := json.Marshal(eval.Explanation)
	modelScores, _ := json.Marshal(eval.ModelScores)
	features, _ := json.Marshal(eval.Features)
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, tx_id, account_number, risk_score, decision, mode, degraded_reason,
			explanation, model_scores, features, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.TxID, eval.AccountNumber, eval.RiskScore, string(eval.Decision),
		eval.Mode, eval.DegradedReason,
		string(explanation), string(modelScores), string(features),
		eval.Timestamp, string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	query := `
		SELECT id, tx_id, account_number, risk_score, decision, mode, degraded_reason,
			   explanation, model_scores, features, timestamp, metadata
		FROM evaluations
		WHERE id = ?
	`

	var eval domain.Evaluation
	var txID, account, reason, modelScores, features sql.NullString
	var decision, explanation, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), evalID).Scan(
		&eval.ID, &txID, &account, &eval.RiskScore, &decision, &eval.Mode, &reason,
		&explanation, &modelScores, &features, &eval.Timestamp, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	eval.TxID = txID.String
	eval.AccountNumber = account.String
	eval.DegradedReason = reason.String
	eval.Decision = domain.Decision(decision)
	json.Unmarshal([]byte(explanation), &eval.Explanation)
	json.Unmarshal([]byte(modelScores.String), &eval.ModelScores)
	json.Unmarshal([]byte(features.String), &eval.Features)
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
}

// Stats counts accounts by status and transactions by decision.
func (r *SQLRepository) Stats(ctx context.Context) (*domain.Stats, error) {
	var s domain.Stats

	counts := []struct {
		dest  *int64
		query string
		args  []any
	}{
		{&s.TotalAccounts, `SELECT COUNT(*) FROM accounts`, nil},
		{&s.ActiveAccounts, `SELECT COUNT(*) FROM accounts WHERE status = ?`, []any{domain.AccountActive}},
		{&s.HeldAccounts, `SELECT COUNT(*) FROM accounts WHERE status = ?`, []any{domain.AccountHold}},
		{&s.TotalTransactions, `SELECT COUNT(*) FROM transactions`, nil},
		{&s.BlockedTxs, `SELECT COUNT(*) FROM transactions WHERE decision = ?`, []any{string(domain.DecisionBlock)}},
		{&s.ChallengedTxs, `SELECT COUNT(*) FROM transactions WHERE decision = ?`, []any{string(domain.DecisionChallenge)}},
	}

	for _, c := range counts {
		if err := r.db.QueryRowContext(ctx, r.rebind(c.query), c.args...).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count: %w", err)
		}
	}

	return &s, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

/*
Package sqlite provides the SQLite-backed credit.Store.

PURPOSE:
  Implements every persistence interface the engine needs (LedgerStore,
  BalanceStore, StreakStore, IdempotencyStore) over a single SQLite
  database. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  The ledger table never sees UPDATE or DELETE:
  - Apply only ever INSERTs into credit_transactions
  - Corrections are new offsetting transactions

KEY TABLES:
  credit_transactions: Immutable ledger of all balance changes
  credit_balances:     Cached per-user totals, written with each append
  daily_bonus_state:   One streak row per user
  idempotency_records: Reserve/complete records for external operations

ATOMICITY:
  Apply runs the ledger INSERT and the balance upsert in one database
  transaction and returns the post-append total read inside that same
  transaction. A failure of either statement rolls both back.

INDEXES:
  - idx_credit_tx_user_created: History listing and ledger folds (hot path)
  - idx_credit_tx_idem: Idempotency key lookups, enforces uniqueness

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := credit.NewEngine(store, credit.Config{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/credit-engine/credit"
)

// Store implements credit.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Credit transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		description TEXT,
		metadata_json TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	-- History listing and ledger folds (hot path)
	CREATE INDEX IF NOT EXISTS idx_credit_tx_user_created
		ON credit_transactions(user_id, created_at DESC);

	-- One transaction per external operation
	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_tx_idem
		ON credit_transactions(idempotency_key) WHERE idempotency_key IS NOT NULL;

	-- For transaction type filtering
	CREATE INDEX IF NOT EXISTS idx_credit_tx_type
		ON credit_transactions(user_id, tx_type);

	-- Cached balances (derived; always recomputable from the ledger)
	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY,
		total_credits INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Daily bonus streaks (one row per user)
	CREATE TABLE IF NOT EXISTS daily_bonus_state (
		user_id TEXT PRIMARY KEY,
		last_claim_date TEXT NOT NULL,
		current_streak INTEGER NOT NULL
	);

	-- Idempotency reservations for external operations
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		transaction_id TEXT,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (credit.LedgerStore interface)
// =============================================================================

// Apply inserts tx and adjusts the cached balance in one database
// transaction, returning the post-append total.
func (s *Store) Apply(ctx context.Context, tx credit.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	metadataJSON, _ := json.Marshal(tx.Metadata)

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO credit_transactions
		(id, user_id, tx_type, amount, description, metadata_json, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.UserID,
		tx.Type,
		tx.Amount,
		tx.Description,
		string(metadataJSON),
		nullString(tx.IdempotencyKey),
		tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, credit.ErrDuplicateIdempotencyKey
		}
		return 0, fmt.Errorf("failed to append transaction: %w", err)
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, total_credits, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_credits = credit_balances.total_credits + excluded.total_credits,
			updated_at = excluded.updated_at
	`,
		tx.UserID, tx.Amount, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	var total int64
	err = sqlTx.QueryRowContext(ctx,
		"SELECT total_credits FROM credit_balances WHERE user_id = ?",
		tx.UserID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return total, nil
}

// List returns the user's transactions newest-first, bounded by the filter.
func (s *Store) List(ctx context.Context, userID credit.UserID, f credit.TransactionFilter) ([]credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, tx_type, amount, description, metadata_json, idempotency_key, created_at
		FROM credit_transactions
		WHERE user_id = ?
	`
	args := []any{userID}

	if !f.From.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	if len(f.Types) > 0 {
		query += " AND tx_type IN (?" + strings.Repeat(",?", len(f.Types)-1) + ")"
		for _, t := range f.Types {
			args = append(args, t)
		}
	}

	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	return s.queryTransactions(ctx, query, args...)
}

// Sum folds the whole ledger for a user.
func (s *Store) Sum(ctx context.Context, userID credit.UserID) (int64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT SUM(amount), COUNT(*) FROM credit_transactions WHERE user_id = ?",
		userID,
	).Scan(&total, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fold ledger: %w", err)
	}
	return total.Int64, count, nil
}

// ByIdempotencyKey returns the transaction created under key, or nil.
func (s *Store) ByIdempotencyKey(ctx context.Context, key string) (*credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, tx_type, amount, description, metadata_json, idempotency_key, created_at
		FROM credit_transactions
		WHERE idempotency_key = ?
	`
	txs, err := s.queryTransactions(ctx, query, key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// GetTransaction returns a transaction by id, or nil.
func (s *Store) GetTransaction(ctx context.Context, id credit.TransactionID) (*credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, tx_type, amount, description, metadata_json, idempotency_key, created_at
		FROM credit_transactions
		WHERE id = ?
	`
	txs, err := s.queryTransactions(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]credit.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []credit.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (credit.Transaction, error) {
	var (
		tx             credit.Transaction
		description    sql.NullString
		metadataJSON   sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &tx.Amount,
		&description, &metadataJSON, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Description = description.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}

	return tx, nil
}

// =============================================================================
// BALANCE STORE (credit.BalanceStore interface)
// =============================================================================

// GetBalance returns the cached balance, or nil if the user has none.
func (s *Store) GetBalance(ctx context.Context, userID credit.UserID) (*credit.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b credit.Balance
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, total_credits, updated_at FROM credit_balances WHERE user_id = ?",
		userID,
	).Scan(&b.UserID, &b.TotalCredits, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &b, nil
}

// SetBalance overwrites the cached balance. Reconciliation only.
func (s *Store) SetBalance(ctx context.Context, b credit.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, total_credits, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_credits = excluded.total_credits,
			updated_at = excluded.updated_at
	`,
		b.UserID, b.TotalCredits, b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// BalanceUsers returns every user with a cached balance.
func (s *Store) BalanceUsers(ctx context.Context) ([]credit.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM credit_balances ORDER BY user_id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []credit.UserID
	for rows.Next() {
		var u credit.UserID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// STREAK STORE (credit.StreakStore interface)
// =============================================================================

// GetStreak returns the user's daily-bonus state, or nil if never claimed.
func (s *Store) GetStreak(ctx context.Context, userID credit.UserID) (*credit.DailyBonusState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var state credit.DailyBonusState
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, last_claim_date, current_streak FROM daily_bonus_state WHERE user_id = ?",
		userID,
	).Scan(&state.UserID, &state.LastClaimDate, &state.CurrentStreak)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveStreak upserts the user's daily-bonus state.
func (s *Store) SaveStreak(ctx context.Context, state credit.DailyBonusState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_bonus_state (user_id, last_claim_date, current_streak)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_claim_date = excluded.last_claim_date,
			current_streak = excluded.current_streak
	`,
		state.UserID, state.LastClaimDate, state.CurrentStreak,
	)
	return err
}

// =============================================================================
// IDEMPOTENCY STORE (credit.IdempotencyStore interface)
// =============================================================================

// Reserve claims key for userID. The read-decide-write sequence runs
// under the store lock and a database transaction, so exactly one of
// several concurrent callers creates the reservation.
func (s *Store) Reserve(ctx context.Context, key string, userID credit.UserID, staleAfter time.Duration) (credit.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return credit.IdempotencyRecord{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var (
		existing  credit.IdempotencyRecord
		txID      sql.NullString
		createdAt string
	)
	err = sqlTx.QueryRowContext(ctx,
		"SELECT key, user_id, transaction_id, created_at FROM idempotency_records WHERE key = ?",
		key,
	).Scan(&existing.Key, &existing.UserID, &txID, &createdAt)

	switch {
	case err == sql.ErrNoRows:
		// Fresh key; fall through to insert.
	case err != nil:
		return credit.IdempotencyRecord{}, false, err
	default:
		existing.TransactionID = credit.TransactionID(txID.String)
		existing.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if existing.Completed() || time.Since(existing.CreatedAt) < staleAfter {
			return existing, false, nil
		}
		// Abandoned reservation: take it over.
	}

	rec := credit.IdempotencyRecord{
		Key:       key,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, user_id, transaction_id, created_at)
		VALUES (?, ?, NULL, ?)
		ON CONFLICT(key) DO UPDATE SET
			user_id = excluded.user_id,
			transaction_id = NULL,
			created_at = excluded.created_at
	`,
		rec.Key, rec.UserID, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return credit.IdempotencyRecord{}, false, fmt.Errorf("failed to reserve key: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return credit.IdempotencyRecord{}, false, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return rec, true, nil
}

// CompleteReservation links the key to the transaction it produced.
func (s *Store) CompleteReservation(ctx context.Context, key string, txID credit.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE idempotency_records SET transaction_id = ? WHERE key = ?",
		txID, key,
	)
	return err
}

// ReleaseReservation drops an incomplete reservation. Completed records
// are permanent.
func (s *Store) ReleaseReservation(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM idempotency_records WHERE key = ? AND transaction_id IS NULL",
		key,
	)
	return err
}

// GetReservation returns the record for key, or nil.
func (s *Store) GetReservation(ctx context.Context, key string) (*credit.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec       credit.IdempotencyRecord
		txID      sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT key, user_id, transaction_id, created_at FROM idempotency_records WHERE key = ?",
		key,
	).Scan(&rec.Key, &rec.UserID, &txID, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.TransactionID = credit.TransactionID(txID.String)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &rec, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"credit_transactions", "credit_balances", "daily_bonus_state", "idempotency_records"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

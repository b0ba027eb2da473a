package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// The settlement ops run multi-statement transactions; a single writer
	// avoids SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	-- Token accounts
	CREATE TABLE IF NOT EXISTS accounts (
		address TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)
	);

	-- Total supply (single row)
	CREATE TABLE IF NOT EXISTS supply (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total INTEGER NOT NULL DEFAULT 0
	);

	-- Collateral deposits backing minted tokens
	CREATE TABLE IF NOT EXISTS collateral (
		address TEXT PRIMARY KEY,
		amount INTEGER NOT NULL DEFAULT 0 CHECK (amount >= 0)
	);

	-- Spending allowances
	CREATE TABLE IF NOT EXISTS allowances (
		owner TEXT NOT NULL,
		spender TEXT NOT NULL,
		amount INTEGER NOT NULL DEFAULT 0 CHECK (amount >= 0),
		PRIMARY KEY (owner, spender)
	);

	-- Providers
	CREATE TABLE IF NOT EXISTS providers (
		address TEXT PRIMARY KEY,
		active INTEGER NOT NULL DEFAULT 0,
		stake INTEGER NOT NULL DEFAULT 0 CHECK (stake >= 0),
		total_datasets INTEGER NOT NULL DEFAULT 0,
		created_at TEXT DEFAULT (datetime('now'))
	);

	-- Datasets
	CREATE TABLE IF NOT EXISTS datasets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL REFERENCES providers(address),
		name TEXT NOT NULL,
		description TEXT,
		category TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		format TEXT,
		price INTEGER NOT NULL,
		quality_score INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT DEFAULT (datetime('now'))
	);

	-- Purchases (one per buyer per dataset)
	CREATE TABLE IF NOT EXISTS purchases (
		dataset_id INTEGER NOT NULL REFERENCES datasets(id),
		buyer TEXT NOT NULL,
		created_at TEXT DEFAULT (datetime('now')),
		PRIMARY KEY (dataset_id, buyer)
	);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		buyer TEXT NOT NULL,
		seller TEXT NOT NULL,
		amount INTEGER NOT NULL,
		dataset_id INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		refunded INTEGER NOT NULL DEFAULT 0,
		created_at TEXT DEFAULT (datetime('now'))
	);

	-- Escrows
	CREATE TABLE IF NOT EXISTS escrows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		buyer TEXT NOT NULL,
		seller TEXT NOT NULL,
		amount INTEGER NOT NULL,
		dataset_id INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT DEFAULT (datetime('now'))
	);

	-- Quality verifications (latest submission per dataset)
	CREATE TABLE IF NOT EXISTS quality_verifications (
		dataset_id INTEGER PRIMARY KEY,
		verifier TEXT NOT NULL,
		score INTEGER NOT NULL,
		data_hash TEXT NOT NULL,
		updated_at TEXT DEFAULT (datetime('now'))
	);

	-- Training verifications (one per dataset/trainer pair)
	CREATE TABLE IF NOT EXISTS training_verifications (
		dataset_id INTEGER NOT NULL,
		trainer TEXT NOT NULL,
		model_hash TEXT NOT NULL,
		metrics TEXT NOT NULL,
		proof_hash TEXT,
		created_at TEXT DEFAULT (datetime('now')),
		PRIMARY KEY (dataset_id, trainer)
	);

	-- Oracle requests
	CREATE TABLE IF NOT EXISTS oracle_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		requester TEXT NOT NULL,
		dataset_id INTEGER NOT NULL,
		query TEXT,
		paid INTEGER NOT NULL DEFAULT 1,
		completed INTEGER NOT NULL DEFAULT 0,
		response BLOB,
		created_at TEXT DEFAULT (datetime('now'))
	);

	-- Verifier reputation
	CREATE TABLE IF NOT EXISTS reputation (
		verifier TEXT PRIMARY KEY,
		score INTEGER NOT NULL DEFAULT 0 CHECK (score >= 0)
	);

	-- Mutable parameters
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Append-only event feed
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT DEFAULT (datetime('now'))
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		admin INTEGER NOT NULL DEFAULT 0,
		created_at TEXT DEFAULT (datetime('now')),
		last_used_at TEXT,
		revoked_at TEXT
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_datasets_provider ON datasets(provider);
	CREATE INDEX IF NOT EXISTS idx_datasets_category ON datasets(category);
	CREATE INDEX IF NOT EXISTS idx_payments_buyer ON payments(buyer);
	CREATE INDEX IF NOT EXISTS idx_payments_seller ON payments(seller);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Seed the supply row and default parameters
	seed := `
	INSERT OR IGNORE INTO supply (id, total) VALUES (1, 0);
	INSERT OR IGNORE INTO settings (key, value) VALUES
		('marketplace.minimum_stake', 100),
		('marketplace.fee_bps', 500),
		('marketplace.paused', 0),
		('payments.fee_bps', 500),
		('verification.fee', 10);
	`
	if _, err := s.db.ExecContext(ctx, seed); err != nil {
		return fmt.Errorf("seeding defaults: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// creditTx adds amount to an account, creating it if needed.
func creditSQLite(tx *sql.Tx, addr string, amount int64) error {
	_, err := tx.Exec(`
		INSERT INTO accounts (address, balance) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET balance = balance + excluded.balance
	`, addr, amount)
	return err
}

// debitTx subtracts amount from an account, failing on insufficient funds.
func debitSQLite(tx *sql.Tx, addr string, amount int64) error {
	res, err := tx.Exec(`
		UPDATE accounts SET balance = balance - ? WHERE address = ? AND balance >= ?
	`, amount, addr, amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// spendAllowanceSQLite consumes spender's allowance over owner.
func spendAllowanceSQLite(tx *sql.Tx, owner, spender string, amount int64) error {
	res, err := tx.Exec(`
		UPDATE allowances SET amount = amount - ?
		WHERE owner = ? AND spender = ? AND amount >= ?
	`, amount, owner, spender, amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientAllowance
	}
	return nil
}

// Balance returns the token balance of an account.
func (s *SQLiteStore) Balance(ctx context.Context, addr string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE address = ?`, addr).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// TotalSupply returns the total token supply.
func (s *SQLiteStore) TotalSupply(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT total FROM supply WHERE id = 1`).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return total, err
}

// CollateralOf returns the recorded collateral deposit of an account.
func (s *SQLiteStore) CollateralOf(ctx context.Context, addr string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM collateral WHERE address = ?`, addr).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

// Allowance returns the spender's remaining allowance over owner.
func (s *SQLiteStore) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT amount FROM allowances WHERE owner = ? AND spender = ?
	`, owner, spender).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

// Approve sets the spender's allowance over owner.
func (s *SQLiteStore) Approve(ctx context.Context, owner, spender string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allowances (owner, spender, amount) VALUES (?, ?, ?)
		ON CONFLICT(owner, spender) DO UPDATE SET amount = excluded.amount
	`, owner, spender, amount)
	return err
}

// MintWithCollateral credits tokens against a recorded collateral deposit.
func (s *SQLiteStore) MintWithCollateral(ctx context.Context, addr string, collateral, tokens int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := creditSQLite(tx, addr, tokens); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO collateral (address, amount) VALUES (?, ?)
			ON CONFLICT(address) DO UPDATE SET amount = amount + excluded.amount
		`, addr, collateral); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE supply SET total = total + ? WHERE id = 1`, tokens)
		return err
	})
}

// Redeem burns tokens and releases the backing collateral.
func (s *SQLiteStore) Redeem(ctx context.Context, addr string, tokens, collateral int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := debitSQLite(tx, addr, tokens); err != nil {
			return err
		}
		res, err := tx.Exec(`
			UPDATE collateral SET amount = amount - ? WHERE address = ? AND amount >= ?
		`, collateral, addr, collateral)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInsufficientCollateral
		}
		_, err = tx.Exec(`UPDATE supply SET total = total - ? WHERE id = 1`, tokens)
		return err
	})
}

// Mint credits tokens without a collateral deposit.
func (s *SQLiteStore) Mint(ctx context.Context, to string, amount int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := creditSQLite(tx, to, amount); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE supply SET total = total + ? WHERE id = 1`, amount)
		return err
	})
}

// Transfer moves tokens between two accounts.
func (s *SQLiteStore) Transfer(ctx context.Context, from, to string, amount int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := debitSQLite(tx, from, amount); err != nil {
			return err
		}
		return creditSQLite(tx, to, amount)
	})
}

// Collect spends the spender's allowance over owner and credits the legs.
func (s *SQLiteStore) Collect(ctx context.Context, owner, spender string, legs []Leg) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		total := legsTotal(legs)
		if owner != spender {
			if err := spendAllowanceSQLite(tx, owner, spender, total); err != nil {
				return err
			}
		}
		if err := debitSQLite(tx, owner, total); err != nil {
			return err
		}
		for _, leg := range legs {
			if leg.Amount == 0 {
				continue
			}
			if err := creditSQLite(tx, leg.To, leg.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

// Payout debits from and credits the legs.
func (s *SQLiteStore) Payout(ctx context.Context, from string, legs []Leg) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := debitSQLite(tx, from, legsTotal(legs)); err != nil {
			return err
		}
		for _, leg := range legs {
			if leg.Amount == 0 {
				continue
			}
			if err := creditSQLite(tx, leg.To, leg.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

func legsTotal(legs []Leg) int64 {
	var total int64
	for _, leg := range legs {
		total += leg.Amount
	}
	return total
}

// GetProvider retrieves a provider by address.
func (s *SQLiteStore) GetProvider(ctx context.Context, addr string) (*Provider, error) {
	var p Provider
	err := s.db.QueryRowContext(ctx, `
		SELECT address, active, stake, total_datasets, created_at
		FROM providers WHERE address = ?
	`, addr).Scan(&p.Address, &p.Active, &p.Stake, &p.TotalDatasets, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddStake accumulates stake and activates the provider.
func (s *SQLiteStore) AddStake(ctx context.Context, addr string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (address, active, stake) VALUES (?, 1, ?)
		ON CONFLICT(address) DO UPDATE SET stake = stake + excluded.stake, active = 1
	`, addr, amount)
	return err
}

// ReduceStake decrements stake, deactivating the provider on a full exit.
// The guarded UPDATE enforces both the stake floor and the minimum-remainder
// rule, so concurrent exits cannot leave a live provider under the minimum.
func (s *SQLiteStore) ReduceStake(ctx context.Context, addr string, amount, minRemaining int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE providers SET stake = stake - ?
			WHERE address = ? AND stake >= ?
			  AND (stake - ? = 0 OR stake - ? >= ?)
		`, amount, addr, amount, amount, amount, minRemaining)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var stake int64
			err := tx.QueryRow(`SELECT stake FROM providers WHERE address = ?`, addr).Scan(&stake)
			if err == nil && stake >= amount {
				return ErrRemainderBelowMinimum
			}
			return ErrInsufficientStake
		}
		_, err = tx.Exec(`UPDATE providers SET active = 0 WHERE address = ? AND stake = 0`, addr)
		return err
	})
}

// CreateDataset inserts a dataset and bumps the provider's dataset count.
func (s *SQLiteStore) CreateDataset(ctx context.Context, d *Dataset) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO datasets (provider, name, description, category, size, format, price, quality_score, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, d.Provider, d.Name, d.Description, d.Category, d.Size, d.Format, d.Price, d.QualityScore)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE providers SET total_datasets = total_datasets + 1 WHERE address = ?`, d.Provider)
		return err
	})
	return id, err
}

// GetDataset retrieves a dataset by id.
func (s *SQLiteStore) GetDataset(ctx context.Context, id int64) (*Dataset, error) {
	var d Dataset
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, name, description, category, size, format, price, quality_score, active, created_at
		FROM datasets WHERE id = ?
	`, id).Scan(&d.ID, &d.Provider, &d.Name, &d.Description, &d.Category, &d.Size, &d.Format, &d.Price, &d.QualityScore, &d.Active, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDatasets lists datasets with filtering and offset pagination.
func (s *SQLiteStore) ListDatasets(ctx context.Context, filter DatasetFilter, p PaginationParams) (*PaginatedResult[Dataset], error) {
	var conds []string
	var args []any
	if filter.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.ActiveOnly {
		conds = append(conds, "active = 1")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets`+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, provider, name, description, category, size, format, price, quality_score, active, created_at
		FROM datasets` + where + ` ORDER BY id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, p.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var data []Dataset
	for rows.Next() {
		var d Dataset
		if err := rows.Scan(&d.ID, &d.Provider, &d.Name, &d.Description, &d.Category, &d.Size, &d.Format, &d.Price, &d.QualityScore, &d.Active, &d.CreatedAt); err != nil {
			return nil, err
		}
		data = append(data, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedResult[Dataset]{
		Data:    data,
		HasMore: int64(p.Offset+len(data)) < total,
		Total:   total,
	}, nil
}

// ListProviderDatasets lists all datasets owned by a provider.
func (s *SQLiteStore) ListProviderDatasets(ctx context.Context, provider string) ([]Dataset, error) {
	result, err := s.ListDatasets(ctx, DatasetFilter{Provider: provider}, PaginationParams{Limit: 1000})
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// UpdateDatasetPrice updates a dataset's price.
func (s *SQLiteStore) UpdateDatasetPrice(ctx context.Context, id, price int64) error {
	return execAffectingOne(ctx, s.db, `UPDATE datasets SET price = ? WHERE id = ?`, price, id)
}

// DeactivateDataset marks a dataset inactive.
func (s *SQLiteStore) DeactivateDataset(ctx context.Context, id int64) error {
	return execAffectingOne(ctx, s.db, `UPDATE datasets SET active = 0 WHERE id = ?`, id)
}

// CountDatasets returns the total number of datasets ever listed.
func (s *SQLiteStore) CountDatasets(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets`).Scan(&n)
	return n, err
}

// RecordPurchase claims the (dataset, buyer) purchase slot.
func (s *SQLiteStore) RecordPurchase(ctx context.Context, datasetID int64, buyer string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO purchases (dataset_id, buyer) VALUES (?, ?)
	`, datasetID, buyer)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicatePurchase
	}
	return nil
}

// DeletePurchase releases a purchase slot after a failed settlement.
func (s *SQLiteStore) DeletePurchase(ctx context.Context, datasetID int64, buyer string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM purchases WHERE dataset_id = ? AND buyer = ?`, datasetID, buyer)
	return err
}

// HasPurchased reports whether the buyer purchased the dataset.
func (s *SQLiteStore) HasPurchased(ctx context.Context, datasetID int64, buyer string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM purchases WHERE dataset_id = ? AND buyer = ?)
	`, datasetID, buyer).Scan(&exists)
	return exists, err
}

// CreatePayment inserts a payment record.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *Payment) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (buyer, seller, amount, dataset_id, completed)
		VALUES (?, ?, ?, ?, ?)
	`, p.Buyer, p.Seller, p.Amount, p.DatasetID, p.Completed)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetPayment retrieves a payment by id.
func (s *SQLiteStore) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	var p Payment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer, seller, amount, dataset_id, completed, refunded, created_at
		FROM payments WHERE id = ?
	`, id).Scan(&p.ID, &p.Buyer, &p.Seller, &p.Amount, &p.DatasetID, &p.Completed, &p.Refunded, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkPaymentRefunded flips the refund flag exactly once.
func (s *SQLiteStore) MarkPaymentRefunded(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET refunded = 1 WHERE id = ? AND refunded = 0
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetPayment(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyRefunded
	}
	return nil
}

// ListPaymentsByBuyer lists payments made by a buyer.
func (s *SQLiteStore) ListPaymentsByBuyer(ctx context.Context, buyer string) ([]Payment, error) {
	return s.listPayments(ctx, `buyer = ?`, buyer)
}

// ListPaymentsBySeller lists payments received by a seller.
func (s *SQLiteStore) ListPaymentsBySeller(ctx context.Context, seller string) ([]Payment, error) {
	return s.listPayments(ctx, `seller = ?`, seller)
}

func (s *SQLiteStore) listPayments(ctx context.Context, cond string, arg any) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer, seller, amount, dataset_id, completed, refunded, created_at
		FROM payments WHERE `+cond+` ORDER BY id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.Buyer, &p.Seller, &p.Amount, &p.DatasetID, &p.Completed, &p.Refunded, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// CountPayments returns the number of payment records.
func (s *SQLiteStore) CountPayments(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`).Scan(&n)
	return n, err
}

// CreateEscrow inserts an escrow record in the active state.
func (s *SQLiteStore) CreateEscrow(ctx context.Context, e *Escrow) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO escrows (buyer, seller, amount, dataset_id, completed)
		VALUES (?, ?, ?, ?, 0)
	`, e.Buyer, e.Seller, e.Amount, e.DatasetID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetEscrow retrieves an escrow by id.
func (s *SQLiteStore) GetEscrow(ctx context.Context, id int64) (*Escrow, error) {
	var e Escrow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer, seller, amount, dataset_id, completed, created_at
		FROM escrows WHERE id = ?
	`, id).Scan(&e.ID, &e.Buyer, &e.Seller, &e.Amount, &e.DatasetID, &e.Completed, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CompleteEscrow transitions the escrow to completed exactly once.
func (s *SQLiteStore) CompleteEscrow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows SET completed = 1 WHERE id = ? AND completed = 0
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetEscrow(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}
	return nil
}

// CountEscrows returns the number of escrow records.
func (s *SQLiteStore) CountEscrows(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows`).Scan(&n)
	return n, err
}

// UpsertQualityVerification stores the latest quality attestation for a dataset.
func (s *SQLiteStore) UpsertQualityVerification(ctx context.Context, v *QualityVerification) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRow(`
			SELECT EXISTS (SELECT 1 FROM quality_verifications WHERE dataset_id = ?)
		`, v.DatasetID).Scan(&exists); err != nil {
			return err
		}
		created = !exists
		_, err := tx.Exec(`
			INSERT INTO quality_verifications (dataset_id, verifier, score, data_hash, updated_at)
			VALUES (?, ?, ?, ?, datetime('now'))
			ON CONFLICT(dataset_id) DO UPDATE SET
				verifier = excluded.verifier,
				score = excluded.score,
				data_hash = excluded.data_hash,
				updated_at = excluded.updated_at
		`, v.DatasetID, v.Verifier, v.Score, v.DataHash)
		return err
	})
	return created, err
}

// GetQualityVerification retrieves the quality attestation for a dataset.
func (s *SQLiteStore) GetQualityVerification(ctx context.Context, datasetID int64) (*QualityVerification, error) {
	var v QualityVerification
	err := s.db.QueryRowContext(ctx, `
		SELECT dataset_id, verifier, score, data_hash, updated_at
		FROM quality_verifications WHERE dataset_id = ?
	`, datasetID).Scan(&v.DatasetID, &v.Verifier, &v.Score, &v.DataHash, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CountQualityVerifications returns the number of verified datasets.
func (s *SQLiteStore) CountQualityVerifications(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quality_verifications`).Scan(&n)
	return n, err
}

// CreateTrainingVerification inserts a training attestation.
func (s *SQLiteStore) CreateTrainingVerification(ctx context.Context, v *TrainingVerification) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO training_verifications (dataset_id, trainer, model_hash, metrics, proof_hash)
		VALUES (?, ?, ?, ?, ?)
	`, v.DatasetID, v.Trainer, v.ModelHash, v.Metrics, v.ProofHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyVerified
	}
	return nil
}

// GetTrainingVerification retrieves a training attestation.
func (s *SQLiteStore) GetTrainingVerification(ctx context.Context, datasetID int64, trainer string) (*TrainingVerification, error) {
	var v TrainingVerification
	err := s.db.QueryRowContext(ctx, `
		SELECT dataset_id, trainer, model_hash, metrics, proof_hash, created_at
		FROM training_verifications WHERE dataset_id = ? AND trainer = ?
	`, datasetID, trainer).Scan(&v.DatasetID, &v.Trainer, &v.ModelHash, &v.Metrics, &v.ProofHash, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CountTrainingVerifications returns the number of training attestations.
func (s *SQLiteStore) CountTrainingVerifications(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM training_verifications`).Scan(&n)
	return n, err
}

// CreateOracleRequest inserts a pending oracle request.
func (s *SQLiteStore) CreateOracleRequest(ctx context.Context, r *OracleRequest) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO oracle_requests (requester, dataset_id, query, paid, completed)
		VALUES (?, ?, ?, ?, 0)
	`, r.Requester, r.DatasetID, r.Query, r.Paid)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetOracleRequest retrieves an oracle request by id.
func (s *SQLiteStore) GetOracleRequest(ctx context.Context, id int64) (*OracleRequest, error) {
	var r OracleRequest
	var response sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requester, dataset_id, query, paid, completed, response, created_at
		FROM oracle_requests WHERE id = ?
	`, id).Scan(&r.ID, &r.Requester, &r.DatasetID, &r.Query, &r.Paid, &r.Completed, &response, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if response.Valid {
		r.Response = []byte(response.String)
	}
	return &r, nil
}

// CompleteOracleRequest stores the response and completes the request exactly once.
func (s *SQLiteStore) CompleteOracleRequest(ctx context.Context, id int64, response []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE oracle_requests SET completed = 1, response = ? WHERE id = ? AND completed = 0
	`, response, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetOracleRequest(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}
	return nil
}

// Reputation returns a verifier's reputation score.
func (s *SQLiteStore) Reputation(ctx context.Context, verifier string) (int64, error) {
	var score int64
	err := s.db.QueryRowContext(ctx, `SELECT score FROM reputation WHERE verifier = ?`, verifier).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return score, err
}

// AddReputation increments a verifier's reputation score.
func (s *SQLiteStore) AddReputation(ctx context.Context, verifier string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation (verifier, score) VALUES (?, ?)
		ON CONFLICT(verifier) DO UPDATE SET score = score + excluded.score
	`, verifier, amount)
	return err
}

// ReduceReputation decrements a verifier's reputation score, never below zero.
func (s *SQLiteStore) ReduceReputation(ctx context.Context, verifier string, amount int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reputation SET score = score - ? WHERE verifier = ? AND score >= ?
	`, amount, verifier, amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReputationFloor
	}
	return nil
}

// GetSetting returns the stored value for key, or fallback when unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string, fallback int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	return value, err
}

// SetSetting stores a parameter value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// AppendEvent appends an entry to the event feed.
func (s *SQLiteStore) AppendEvent(ctx context.Context, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (type, payload) VALUES (?, ?)`, eventType, string(data))
	return err
}

// ListEvents lists feed entries after a sequence number.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT seq, type, payload, created_at FROM events WHERE seq > ?`
	args := []any{filter.After}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.Seq, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload for event %d: %w", e.Seq, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateAPIKey creates a new API key bound to an account address.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, name, address string, admin bool) (string, error) {
	key := generateAPIKey()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, name, address, admin)
		VALUES (?, ?, ?, ?, ?)
	`, generateID(), hashAPIKey(key), name, address, admin)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates a key and updates its last-used timestamp.
func (s *SQLiteStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	var lastUsed, revoked sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, name, address, admin, created_at, last_used_at, revoked_at
		FROM api_keys WHERE key_hash = ?
	`, hashAPIKey(key)).Scan(&k.ID, &k.KeyHash, &k.Name, &k.Address, &k.Admin, &k.CreatedAt, &lastUsed, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revoked.Valid {
		return nil, ErrNotFound
	}
	k.LastUsedAt = lastUsed.String
	_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = datetime('now') WHERE id = ?`, k.ID)
	return &k, nil
}

// ListAPIKeys lists all API keys.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, admin, created_at, COALESCE(last_used_at, ''), COALESCE(revoked_at, '')
		FROM api_keys ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.Address, &k.Admin, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey revokes an API key.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string) error {
	return execAffectingOne(ctx, s.db, `UPDATE api_keys SET revoked_at = datetime('now') WHERE id = ?`, id)
}

// execAffectingOne runs a statement expected to touch an existing row.
func execAffectingOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

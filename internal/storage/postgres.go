package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new Postgres store
func NewPostgresStore(url string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	-- Token accounts
	CREATE TABLE IF NOT EXISTS accounts (
		address TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)
	);

	-- Total supply (single row)
	CREATE TABLE IF NOT EXISTS supply (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total BIGINT NOT NULL DEFAULT 0
	);

	-- Collateral deposits backing minted tokens
	CREATE TABLE IF NOT EXISTS collateral (
		address TEXT PRIMARY KEY,
		amount BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0)
	);

	-- Spending allowances
	CREATE TABLE IF NOT EXISTS allowances (
		owner TEXT NOT NULL,
		spender TEXT NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0),
		PRIMARY KEY (owner, spender)
	);

	-- Providers
	CREATE TABLE IF NOT EXISTS providers (
		address TEXT PRIMARY KEY,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		stake BIGINT NOT NULL DEFAULT 0 CHECK (stake >= 0),
		total_datasets BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	-- Datasets
	CREATE TABLE IF NOT EXISTS datasets (
		id BIGSERIAL PRIMARY KEY,
		provider TEXT NOT NULL REFERENCES providers(address),
		name TEXT NOT NULL,
		description TEXT,
		category TEXT,
		size BIGINT NOT NULL DEFAULT 0,
		format TEXT,
		price BIGINT NOT NULL,
		quality_score BIGINT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	-- Purchases (one per buyer per dataset)
	CREATE TABLE IF NOT EXISTS purchases (
		dataset_id BIGINT NOT NULL REFERENCES datasets(id),
		buyer TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (dataset_id, buyer)
	);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		buyer TEXT NOT NULL,
		seller TEXT NOT NULL,
		amount BIGINT NOT NULL,
		dataset_id BIGINT NOT NULL DEFAULT 0,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		refunded BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	-- Escrows
	CREATE TABLE IF NOT EXISTS escrows (
		id BIGSERIAL PRIMARY KEY,
		buyer TEXT NOT NULL,
		seller TEXT NOT NULL,
		amount BIGINT NOT NULL,
		dataset_id BIGINT NOT NULL DEFAULT 0,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	-- Quality verifications (latest submission per dataset)
	CREATE TABLE IF NOT EXISTS quality_verifications (
		dataset_id BIGINT PRIMARY KEY,
		verifier TEXT NOT NULL,
		score BIGINT NOT NULL,
		data_hash TEXT NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT NOW()
	);

	-- Training verifications (one per dataset/trainer pair)
	CREATE TABLE IF NOT EXISTS training_verifications (
		dataset_id BIGINT NOT NULL,
		trainer TEXT NOT NULL,
		model_hash TEXT NOT NULL,
		metrics TEXT NOT NULL,
		proof_hash TEXT,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (dataset_id, trainer)
	);

	-- Oracle requests
	CREATE TABLE IF NOT EXISTS oracle_requests (
		id BIGSERIAL PRIMARY KEY,
		requester TEXT NOT NULL,
		dataset_id BIGINT NOT NULL,
		query TEXT,
		paid BOOLEAN NOT NULL DEFAULT TRUE,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		response BYTEA,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	-- Verifier reputation
	CREATE TABLE IF NOT EXISTS reputation (
		verifier TEXT PRIMARY KEY,
		score BIGINT NOT NULL DEFAULT 0 CHECK (score >= 0)
	);

	-- Mutable parameters
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	);

	-- Append-only event feed
	CREATE TABLE IF NOT EXISTS events (
		seq BIGSERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	-- API keys
	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
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

	seed := `
	INSERT INTO supply (id, total) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
	INSERT INTO settings (key, value) VALUES
		('marketplace.minimum_stake', 100),
		('marketplace.fee_bps', 500),
		('marketplace.paused', 0),
		('payments.fee_bps', 500),
		('verification.fee', 10)
	ON CONFLICT (key) DO NOTHING;
	`
	if _, err := s.db.ExecContext(ctx, seed); err != nil {
		return fmt.Errorf("seeding defaults: %w", err)
	}

	s.logger.Info("database migrations complete")
	return nil
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func creditPG(tx *sql.Tx, addr string, amount int64) error {
	_, err := tx.Exec(`
		INSERT INTO accounts (address, balance) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
	`, addr, amount)
	return err
}

func debitPG(tx *sql.Tx, addr string, amount int64) error {
	res, err := tx.Exec(`
		UPDATE accounts SET balance = balance - $1 WHERE address = $2 AND balance >= $1
	`, amount, addr)
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

func spendAllowancePG(tx *sql.Tx, owner, spender string, amount int64) error {
	res, err := tx.Exec(`
		UPDATE allowances SET amount = amount - $1
		WHERE owner = $2 AND spender = $3 AND amount >= $1
	`, amount, owner, spender)
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
func (s *PostgresStore) Balance(ctx context.Context, addr string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE address = $1`, addr).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// TotalSupply returns the total token supply.
func (s *PostgresStore) TotalSupply(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT total FROM supply WHERE id = 1`).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return total, err
}

// CollateralOf returns the recorded collateral deposit of an account.
func (s *PostgresStore) CollateralOf(ctx context.Context, addr string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM collateral WHERE address = $1`, addr).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

// Allowance returns the spender's remaining allowance over owner.
func (s *PostgresStore) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `
		SELECT amount FROM allowances WHERE owner = $1 AND spender = $2
	`, owner, spender).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

// Approve sets the spender's allowance over owner.
func (s *PostgresStore) Approve(ctx context.Context, owner, spender string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allowances (owner, spender, amount) VALUES ($1, $2, $3)
		ON CONFLICT (owner, spender) DO UPDATE SET amount = EXCLUDED.amount
	`, owner, spender, amount)
	return err
}

// MintWithCollateral credits tokens against a recorded collateral deposit.
func (s *PostgresStore) MintWithCollateral(ctx context.Context, addr string, collateral, tokens int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := creditPG(tx, addr, tokens); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO collateral (address, amount) VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE SET amount = collateral.amount + EXCLUDED.amount
		`, addr, collateral); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE supply SET total = total + $1 WHERE id = 1`, tokens)
		return err
	})
}

// Redeem burns tokens and releases the backing collateral.
func (s *PostgresStore) Redeem(ctx context.Context, addr string, tokens, collateral int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := debitPG(tx, addr, tokens); err != nil {
			return err
		}
		res, err := tx.Exec(`
			UPDATE collateral SET amount = amount - $1 WHERE address = $2 AND amount >= $1
		`, collateral, addr)
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
		_, err = tx.Exec(`UPDATE supply SET total = total - $1 WHERE id = 1`, tokens)
		return err
	})
}

// Mint credits tokens without a collateral deposit.
func (s *PostgresStore) Mint(ctx context.Context, to string, amount int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := creditPG(tx, to, amount); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE supply SET total = total + $1 WHERE id = 1`, amount)
		return err
	})
}

// Transfer moves tokens between two accounts.
func (s *PostgresStore) Transfer(ctx context.Context, from, to string, amount int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := debitPG(tx, from, amount); err != nil {
			return err
		}
		return creditPG(tx, to, amount)
	})
}

// Collect spends the spender's allowance over owner and credits the legs.
func (s *PostgresStore) Collect(ctx context.Context, owner, spender string, legs []Leg) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		total := legsTotal(legs)
		if owner != spender {
			if err := spendAllowancePG(tx, owner, spender, total); err != nil {
				return err
			}
		}
		if err := debitPG(tx, owner, total); err != nil {
			return err
		}
		for _, leg := range legs {
			if leg.Amount == 0 {
				continue
			}
			if err := creditPG(tx, leg.To, leg.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

// Payout debits from and credits the legs.
func (s *PostgresStore) Payout(ctx context.Context, from string, legs []Leg) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := debitPG(tx, from, legsTotal(legs)); err != nil {
			return err
		}
		for _, leg := range legs {
			if leg.Amount == 0 {
				continue
			}
			if err := creditPG(tx, leg.To, leg.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetProvider retrieves a provider by address.
func (s *PostgresStore) GetProvider(ctx context.Context, addr string) (*Provider, error) {
	var p Provider
	err := s.db.QueryRowContext(ctx, `
		SELECT address, active, stake, total_datasets, created_at::TEXT
		FROM providers WHERE address = $1
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
func (s *PostgresStore) AddStake(ctx context.Context, addr string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (address, active, stake) VALUES ($1, TRUE, $2)
		ON CONFLICT (address) DO UPDATE SET stake = providers.stake + EXCLUDED.stake, active = TRUE
	`, addr, amount)
	return err
}

// ReduceStake decrements stake, deactivating the provider on a full exit.
// The guarded UPDATE enforces both the stake floor and the minimum-remainder
// rule, so concurrent exits cannot leave a live provider under the minimum.
func (s *PostgresStore) ReduceStake(ctx context.Context, addr string, amount, minRemaining int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE providers SET stake = stake - $1
			WHERE address = $2 AND stake >= $1
			  AND (stake - $1 = 0 OR stake - $1 >= $3)
		`, amount, addr, minRemaining)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var stake int64
			err := tx.QueryRow(`SELECT stake FROM providers WHERE address = $1`, addr).Scan(&stake)
			if err == nil && stake >= amount {
				return ErrRemainderBelowMinimum
			}
			return ErrInsufficientStake
		}
		_, err = tx.Exec(`UPDATE providers SET active = FALSE WHERE address = $1 AND stake = 0`, addr)
		return err
	})
}

// CreateDataset inserts a dataset and bumps the provider's dataset count.
func (s *PostgresStore) CreateDataset(ctx context.Context, d *Dataset) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRow(`
			INSERT INTO datasets (provider, name, description, category, size, format, price, quality_score, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
			RETURNING id
		`, d.Provider, d.Name, d.Description, d.Category, d.Size, d.Format, d.Price, d.QualityScore).Scan(&id); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE providers SET total_datasets = total_datasets + 1 WHERE address = $1`, d.Provider)
		return err
	})
	return id, err
}

// GetDataset retrieves a dataset by id.
func (s *PostgresStore) GetDataset(ctx context.Context, id int64) (*Dataset, error) {
	var d Dataset
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, name, COALESCE(description, ''), COALESCE(category, ''), size,
		       COALESCE(format, ''), price, quality_score, active, created_at::TEXT
		FROM datasets WHERE id = $1
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
func (s *PostgresStore) ListDatasets(ctx context.Context, filter DatasetFilter, p PaginationParams) (*PaginatedResult[Dataset], error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Provider != "" {
		conds = append(conds, "provider = "+arg(filter.Provider))
	}
	if filter.Category != "" {
		conds = append(conds, "category = "+arg(filter.Category))
	}
	if filter.ActiveOnly {
		conds = append(conds, "active = TRUE")
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
		SELECT id, provider, name, COALESCE(description, ''), COALESCE(category, ''), size,
		       COALESCE(format, ''), price, quality_score, active, created_at::TEXT
		FROM datasets` + where + ` ORDER BY id LIMIT ` + arg(limit) + ` OFFSET ` + arg(p.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *PostgresStore) ListProviderDatasets(ctx context.Context, provider string) ([]Dataset, error) {
	result, err := s.ListDatasets(ctx, DatasetFilter{Provider: provider}, PaginationParams{Limit: 1000})
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// UpdateDatasetPrice updates a dataset's price.
func (s *PostgresStore) UpdateDatasetPrice(ctx context.Context, id, price int64) error {
	return execAffectingOne(ctx, s.db, `UPDATE datasets SET price = $1 WHERE id = $2`, price, id)
}

// DeactivateDataset marks a dataset inactive.
func (s *PostgresStore) DeactivateDataset(ctx context.Context, id int64) error {
	return execAffectingOne(ctx, s.db, `UPDATE datasets SET active = FALSE WHERE id = $1`, id)
}

// CountDatasets returns the total number of datasets ever listed.
func (s *PostgresStore) CountDatasets(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets`).Scan(&n)
	return n, err
}

// RecordPurchase claims the (dataset, buyer) purchase slot.
func (s *PostgresStore) RecordPurchase(ctx context.Context, datasetID int64, buyer string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (dataset_id, buyer) VALUES ($1, $2)
		ON CONFLICT (dataset_id, buyer) DO NOTHING
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
func (s *PostgresStore) DeletePurchase(ctx context.Context, datasetID int64, buyer string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM purchases WHERE dataset_id = $1 AND buyer = $2`, datasetID, buyer)
	return err
}

// HasPurchased reports whether the buyer purchased the dataset.
func (s *PostgresStore) HasPurchased(ctx context.Context, datasetID int64, buyer string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM purchases WHERE dataset_id = $1 AND buyer = $2)
	`, datasetID, buyer).Scan(&exists)
	return exists, err
}

// CreatePayment inserts a payment record.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO payments (buyer, seller, amount, dataset_id, completed)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, p.Buyer, p.Seller, p.Amount, p.DatasetID, p.Completed).Scan(&id)
	return id, err
}

// GetPayment retrieves a payment by id.
func (s *PostgresStore) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	var p Payment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer, seller, amount, dataset_id, completed, refunded, created_at::TEXT
		FROM payments WHERE id = $1
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
func (s *PostgresStore) MarkPaymentRefunded(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET refunded = TRUE WHERE id = $1 AND refunded = FALSE
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
func (s *PostgresStore) ListPaymentsByBuyer(ctx context.Context, buyer string) ([]Payment, error) {
	return s.listPayments(ctx, `buyer = $1`, buyer)
}

// ListPaymentsBySeller lists payments received by a seller.
func (s *PostgresStore) ListPaymentsBySeller(ctx context.Context, seller string) ([]Payment, error) {
	return s.listPayments(ctx, `seller = $1`, seller)
}

func (s *PostgresStore) listPayments(ctx context.Context, cond string, arg any) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer, seller, amount, dataset_id, completed, refunded, created_at::TEXT
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
func (s *PostgresStore) CountPayments(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`).Scan(&n)
	return n, err
}

// CreateEscrow inserts an escrow record in the active state.
func (s *PostgresStore) CreateEscrow(ctx context.Context, e *Escrow) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO escrows (buyer, seller, amount, dataset_id, completed)
		VALUES ($1, $2, $3, $4, FALSE)
		RETURNING id
	`, e.Buyer, e.Seller, e.Amount, e.DatasetID).Scan(&id)
	return id, err
}

// GetEscrow retrieves an escrow by id.
func (s *PostgresStore) GetEscrow(ctx context.Context, id int64) (*Escrow, error) {
	var e Escrow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer, seller, amount, dataset_id, completed, created_at::TEXT
		FROM escrows WHERE id = $1
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
func (s *PostgresStore) CompleteEscrow(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrows SET completed = TRUE WHERE id = $1 AND completed = FALSE
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
func (s *PostgresStore) CountEscrows(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows`).Scan(&n)
	return n, err
}

// UpsertQualityVerification stores the latest quality attestation for a dataset.
func (s *PostgresStore) UpsertQualityVerification(ctx context.Context, v *QualityVerification) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRow(`
			SELECT EXISTS (SELECT 1 FROM quality_verifications WHERE dataset_id = $1)
		`, v.DatasetID).Scan(&exists); err != nil {
			return err
		}
		created = !exists
		_, err := tx.Exec(`
			INSERT INTO quality_verifications (dataset_id, verifier, score, data_hash, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (dataset_id) DO UPDATE SET
				verifier = EXCLUDED.verifier,
				score = EXCLUDED.score,
				data_hash = EXCLUDED.data_hash,
				updated_at = EXCLUDED.updated_at
		`, v.DatasetID, v.Verifier, v.Score, v.DataHash)
		return err
	})
	return created, err
}

// GetQualityVerification retrieves the quality attestation for a dataset.
func (s *PostgresStore) GetQualityVerification(ctx context.Context, datasetID int64) (*QualityVerification, error) {
	var v QualityVerification
	err := s.db.QueryRowContext(ctx, `
		SELECT dataset_id, verifier, score, data_hash, updated_at::TEXT
		FROM quality_verifications WHERE dataset_id = $1
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
func (s *PostgresStore) CountQualityVerifications(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quality_verifications`).Scan(&n)
	return n, err
}

// CreateTrainingVerification inserts a training attestation.
func (s *PostgresStore) CreateTrainingVerification(ctx context.Context, v *TrainingVerification) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO training_verifications (dataset_id, trainer, model_hash, metrics, proof_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset_id, trainer) DO NOTHING
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
func (s *PostgresStore) GetTrainingVerification(ctx context.Context, datasetID int64, trainer string) (*TrainingVerification, error) {
	var v TrainingVerification
	err := s.db.QueryRowContext(ctx, `
		SELECT dataset_id, trainer, model_hash, metrics, COALESCE(proof_hash, ''), created_at::TEXT
		FROM training_verifications WHERE dataset_id = $1 AND trainer = $2
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
func (s *PostgresStore) CountTrainingVerifications(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM training_verifications`).Scan(&n)
	return n, err
}

// CreateOracleRequest inserts a pending oracle request.
func (s *PostgresStore) CreateOracleRequest(ctx context.Context, r *OracleRequest) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO oracle_requests (requester, dataset_id, query, paid, completed)
		VALUES ($1, $2, $3, $4, FALSE)
		RETURNING id
	`, r.Requester, r.DatasetID, r.Query, r.Paid).Scan(&id)
	return id, err
}

// GetOracleRequest retrieves an oracle request by id.
func (s *PostgresStore) GetOracleRequest(ctx context.Context, id int64) (*OracleRequest, error) {
	var r OracleRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requester, dataset_id, COALESCE(query, ''), paid, completed, response, created_at::TEXT
		FROM oracle_requests WHERE id = $1
	`, id).Scan(&r.ID, &r.Requester, &r.DatasetID, &r.Query, &r.Paid, &r.Completed, &r.Response, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CompleteOracleRequest stores the response and completes the request exactly once.
func (s *PostgresStore) CompleteOracleRequest(ctx context.Context, id int64, response []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE oracle_requests SET completed = TRUE, response = $1 WHERE id = $2 AND completed = FALSE
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
func (s *PostgresStore) Reputation(ctx context.Context, verifier string) (int64, error) {
	var score int64
	err := s.db.QueryRowContext(ctx, `SELECT score FROM reputation WHERE verifier = $1`, verifier).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return score, err
}

// AddReputation increments a verifier's reputation score.
func (s *PostgresStore) AddReputation(ctx context.Context, verifier string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation (verifier, score) VALUES ($1, $2)
		ON CONFLICT (verifier) DO UPDATE SET score = reputation.score + EXCLUDED.score
	`, verifier, amount)
	return err
}

// ReduceReputation decrements a verifier's reputation score, never below zero.
func (s *PostgresStore) ReduceReputation(ctx context.Context, verifier string, amount int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reputation SET score = score - $1 WHERE verifier = $2 AND score >= $1
	`, amount, verifier)
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
func (s *PostgresStore) GetSetting(ctx context.Context, key string, fallback int64) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	return value, err
}

// SetSetting stores a parameter value.
func (s *PostgresStore) SetSetting(ctx context.Context, key string, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

// AppendEvent appends an entry to the event feed.
func (s *PostgresStore) AppendEvent(ctx context.Context, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (type, payload) VALUES ($1, $2)`, eventType, string(data))
	return err
}

// ListEvents lists feed entries after a sequence number.
func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT seq, type, payload::TEXT, created_at::TEXT FROM events WHERE seq > $1`
	args := []any{filter.After}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args))

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
func (s *PostgresStore) CreateAPIKey(ctx context.Context, name, address string, admin bool) (string, error) {
	key := generateAPIKey()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, name, address, admin)
		VALUES ($1, $2, $3, $4, $5)
	`, generateID(), hashAPIKey(key), name, address, admin)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ValidateAPIKey validates a key and updates its last-used timestamp.
func (s *PostgresStore) ValidateAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	var lastUsed, revoked sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, name, address, admin, created_at::TEXT, last_used_at::TEXT, revoked_at::TEXT
		FROM api_keys WHERE key_hash = $1
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
	_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, k.ID)
	return &k, nil
}

// ListAPIKeys lists all API keys.
func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, admin, created_at::TEXT,
		       COALESCE(last_used_at::TEXT, ''), COALESCE(revoked_at::TEXT, '')
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
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id string) error {
	return execAffectingOne(ctx, s.db, `UPDATE api_keys SET revoked_at = NOW() WHERE id = $1`, id)
}

package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
)

const pgUniqueViolation = "23505"

const selectPoolPG = `SELECT id, status, priority_target, priority_funded, priority_rate, catalyst_target, catalyst_funded, catalyst_rate, updated_at FROM pools WHERE id = $1`

const selectCommitmentPG = `SELECT id, pool_id, tranche, amount, tx_hash, investor_address, catalyst_consents, block, tranche_funded, pool_status, created_at FROM commitments WHERE tx_hash = $1`

// PostgresStore implements Store using PostgreSQL. Commit serializes on the pool row
// with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pools (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			priority_target NUMERIC NOT NULL CHECK (priority_target >= 0),
			priority_funded NUMERIC NOT NULL DEFAULT 0 CHECK (priority_funded >= 0),
			priority_rate NUMERIC NOT NULL DEFAULT 0,
			catalyst_target NUMERIC NOT NULL CHECK (catalyst_target >= 0),
			catalyst_funded NUMERIC NOT NULL DEFAULT 0 CHECK (catalyst_funded >= 0),
			catalyst_rate NUMERIC NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			CHECK (priority_funded <= priority_target),
			CHECK (catalyst_funded <= catalyst_target)
		)`,
		`CREATE TABLE IF NOT EXISTS commitments (
			id TEXT PRIMARY KEY,
			pool_id TEXT NOT NULL REFERENCES pools(id),
			tranche TEXT NOT NULL,
			amount NUMERIC NOT NULL CHECK (amount > 0),
			tx_hash TEXT NOT NULL UNIQUE,
			investor_address TEXT NOT NULL,
			catalyst_consents JSONB,
			block BIGINT NOT NULL,
			tranche_funded NUMERIC NOT NULL,
			pool_status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS commitments_pool_id_idx ON commitments (pool_id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate settlement schema: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*pool.Pool, error) {
	var p pool.Pool
	var status string
	err := row.Scan(&p.ID, &status,
		&p.Priority.Target, &p.Priority.Funded, &p.Priority.Rate,
		&p.Catalyst.Target, &p.Catalyst.Funded, &p.Catalyst.Rate,
		&p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = pool.Status(status)
	return &p, nil
}

func scanCommitment(row rowScanner) (*Commitment, error) {
	var (
		c        Commitment
		tranche  string
		tx       string
		investor string
		consents sql.NullString
		block    int64
		status   string
	)
	err := row.Scan(&c.ID, &c.PoolID, &tranche, &c.Amount, &tx, &investor, &consents, &block, &c.TrancheFunded, &status, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Tranche = pool.Tranche(tranche)
	c.TxHash = ledger.TxRef(tx)
	c.InvestorAddress = ledger.Address(investor)
	c.Block = uint64(block)
	c.PoolStatus = pool.Status(status)
	if consents.Valid && consents.String != "" {
		decoded, err := decodeConsents(consents.String)
		if err != nil {
			return nil, err
		}
		c.CatalystConsents = decoded
	}
	return &c, nil
}

func decodeConsents(raw string) (*consent.Consents, error) {
	var cs consent.Consents
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return nil, fmt.Errorf("decode consents: %w", err)
	}
	return &cs, nil
}

func encodeConsents(c *consent.Consents) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*pool.Pool, error) {
	p, err := scanPool(s.db.QueryRowContext(ctx, selectPoolPG, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pool.ErrPoolNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) PutPool(ctx context.Context, p *pool.Pool) error {
	if err := p.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO pools (id, status, priority_target, priority_funded, priority_rate, catalyst_target, catalyst_funded, catalyst_rate, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority_target = EXCLUDED.priority_target,
			priority_funded = EXCLUDED.priority_funded,
			priority_rate = EXCLUDED.priority_rate,
			catalyst_target = EXCLUDED.catalyst_target,
			catalyst_funded = EXCLUDED.catalyst_funded,
			catalyst_rate = EXCLUDED.catalyst_rate,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, p.ID, string(p.Status),
		p.Priority.Target, p.Priority.Funded, p.Priority.Rate,
		p.Catalyst.Target, p.Catalyst.Funded, p.Catalyst.Rate,
		p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to persist pool: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByTx(ctx context.Context, tx ledger.TxRef) (*Commitment, error) {
	c, err := scanCommitment(s.db.QueryRowContext(ctx, selectCommitmentPG, tx.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommitmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	return c, nil
}

// Commit locks the pool row, re-validates and applies the credit, then records c.
func (s *PostgresStore) Commit(ctx context.Context, c *Commitment, check CheckFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	locked, err := scanPool(tx.QueryRowContext(ctx, selectPoolPG+` FOR UPDATE`, c.PoolID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", pool.ErrPoolNotFound, c.PoolID)
	}
	if err != nil {
		return fmt.Errorf("pool lock failed: %w", err)
	}

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM commitments WHERE tx_hash = $1`, c.TxHash.Key()).Scan(&existing)
	switch {
	case err == nil:
		return ErrDuplicateTx
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("duplicate check failed: %w", err)
	}

	updated, err := check(*locked)
	if err != nil {
		return err
	}
	ts, err := updated.Tranche(c.Tranche)
	if err != nil {
		return err
	}
	c.TrancheFunded = ts.Funded
	c.PoolStatus = updated.Status

	_, err = tx.ExecContext(ctx,
		`UPDATE pools SET status = $1, priority_funded = $2, catalyst_funded = $3, updated_at = $4 WHERE id = $5`,
		string(updated.Status), updated.Priority.Funded, updated.Catalyst.Funded, updated.UpdatedAt.UTC(), updated.ID)
	if err != nil {
		return fmt.Errorf("pool update failed: %w", err)
	}

	consents, err := encodeConsents(c.CatalystConsents)
	if err != nil {
		return fmt.Errorf("encode consents: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO commitments (id, pool_id, tranche, amount, tx_hash, investor_address, catalyst_consents, block, tranche_funded, pool_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.PoolID, string(c.Tranche), c.Amount, c.TxHash.Key(), c.InvestorAddress.Key(), consents,
		int64(c.Block), c.TrancheFunded, string(c.PoolStatus), c.CreatedAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrDuplicateTx
		}
		return fmt.Errorf("commitment insert failed: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

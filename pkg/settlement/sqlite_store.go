package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
)

// ErrConcurrentUpdate is returned when the pool kept changing under a commit.
var ErrConcurrentUpdate = errors.New("pool changed concurrently, retries exhausted")

const sqliteCommitAttempts = 5

const selectPoolSQLite = `SELECT id, status, priority_target, priority_funded, priority_rate, catalyst_target, catalyst_funded, catalyst_rate, updated_at FROM pools WHERE id = ?`

const selectCommitmentSQLite = `SELECT id, pool_id, tranche, amount, tx_hash, investor_address, catalyst_consents, block, tranche_funded, pool_status, created_at FROM commitments WHERE tx_hash = ?`

// SQLiteStore implements Store on an embedded sqlite database for lite mode. Amounts are
// stored as canonical decimal text and pool updates are compare-and-swap on the funded
// values read.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pools (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		priority_target TEXT NOT NULL,
		priority_funded TEXT NOT NULL,
		priority_rate TEXT NOT NULL,
		catalyst_target TEXT NOT NULL,
		catalyst_funded TEXT NOT NULL,
		catalyst_rate TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS commitments (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		tranche TEXT NOT NULL,
		amount TEXT NOT NULL,
		tx_hash TEXT NOT NULL UNIQUE,
		investor_address TEXT NOT NULL,
		catalyst_consents TEXT,
		block INTEGER NOT NULL,
		tranche_funded TEXT NOT NULL,
		pool_status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("migrate sqlite settlement schema: %w", err)
	}
	return nil
}

func scanSQLitePool(row rowScanner) (*pool.Pool, error) {
	var (
		p                      pool.Pool
		status, updated        string
		pt, pf, pr, ct, cf, cr string
	)
	if err := row.Scan(&p.ID, &status, &pt, &pf, &pr, &ct, &cf, &cr, &updated); err != nil {
		return nil, err
	}
	p.Status = pool.Status(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.Priority.Target, pt}, {&p.Priority.Funded, pf}, {&p.Priority.Rate, pr},
		{&p.Catalyst.Target, ct}, {&p.Catalyst.Funded, cf}, {&p.Catalyst.Rate, cr},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("decode pool %s amount %q: %w", p.ID, f.src, err)
		}
		*f.dst = v
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("decode pool %s updated_at: %w", p.ID, err)
	}
	p.UpdatedAt = t
	return &p, nil
}

func (s *SQLiteStore) GetPool(ctx context.Context, id string) (*pool.Pool, error) {
	p, err := scanSQLitePool(s.db.QueryRowContext(ctx, selectPoolSQLite, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pool.ErrPoolNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) PutPool(ctx context.Context, p *pool.Pool) error {
	if err := p.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO pools (id, status, priority_target, priority_funded, priority_rate, catalyst_target, catalyst_funded, catalyst_rate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			priority_target = excluded.priority_target,
			priority_funded = excluded.priority_funded,
			priority_rate = excluded.priority_rate,
			catalyst_target = excluded.catalyst_target,
			catalyst_funded = excluded.catalyst_funded,
			catalyst_rate = excluded.catalyst_rate,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, p.ID, string(p.Status),
		p.Priority.Target.String(), p.Priority.Funded.String(), p.Priority.Rate.String(),
		p.Catalyst.Target.String(), p.Catalyst.Funded.String(), p.Catalyst.Rate.String(),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to persist pool: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByTx(ctx context.Context, tx ledger.TxRef) (*Commitment, error) {
	c, err := scanSQLiteCommitment(s.db.QueryRowContext(ctx, selectCommitmentSQLite, tx.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommitmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	return c, nil
}

func scanSQLiteCommitment(row rowScanner) (*Commitment, error) {
	var (
		amount, funded, created string
		c                       Commitment
		tranche, tx, investor   string
		consents                sql.NullString
		block                   int64
		status                  string
	)
	if err := row.Scan(&c.ID, &c.PoolID, &tranche, &amount, &tx, &investor, &consents, &block, &funded, &status, &created); err != nil {
		return nil, err
	}
	var err error
	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	if c.TrancheFunded, err = decimal.NewFromString(funded); err != nil {
		return nil, fmt.Errorf("decode tranche_funded: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
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

// Commit retries the compare-and-swap a bounded number of times when another writer
// changed the pool between read and update.
func (s *SQLiteStore) Commit(ctx context.Context, c *Commitment, check CheckFunc) error {
	for attempt := 0; attempt < sqliteCommitAttempts; attempt++ {
		err := s.commitOnce(ctx, c, check)
		if !errors.Is(err, ErrConcurrentUpdate) {
			return err
		}
	}
	return ErrConcurrentUpdate
}

func (s *SQLiteStore) commitOnce(ctx context.Context, c *Commitment, check CheckFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanSQLitePool(tx.QueryRowContext(ctx, selectPoolSQLite, c.PoolID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", pool.ErrPoolNotFound, c.PoolID)
	}
	if err != nil {
		return fmt.Errorf("pool read failed: %w", err)
	}

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM commitments WHERE tx_hash = ?`, c.TxHash.Key()).Scan(&existing)
	switch {
	case err == nil:
		return ErrDuplicateTx
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("duplicate check failed: %w", err)
	}

	updated, err := check(*current)
	if err != nil {
		return err
	}
	ts, err := updated.Tranche(c.Tranche)
	if err != nil {
		return err
	}
	c.TrancheFunded = ts.Funded
	c.PoolStatus = updated.Status

	res, err := tx.ExecContext(ctx,
		`UPDATE pools SET status = ?, priority_funded = ?, catalyst_funded = ?, updated_at = ?
		WHERE id = ? AND status = ? AND priority_funded = ? AND catalyst_funded = ?`,
		string(updated.Status), updated.Priority.Funded.String(), updated.Catalyst.Funded.String(),
		updated.UpdatedAt.UTC().Format(time.RFC3339Nano),
		current.ID, string(current.Status), current.Priority.Funded.String(), current.Catalyst.Funded.String())
	if err != nil {
		return fmt.Errorf("pool update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pool update failed: %w", err)
	}
	if n == 0 {
		return ErrConcurrentUpdate
	}

	consents, err := encodeConsents(c.CatalystConsents)
	if err != nil {
		return fmt.Errorf("encode consents: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO commitments (id, pool_id, tranche, amount, tx_hash, investor_address, catalyst_consents, block, tranche_funded, pool_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PoolID, string(c.Tranche), c.Amount.String(), c.TxHash.Key(), c.InvestorAddress.Key(), consents,
		int64(c.Block), c.TrancheFunded.String(), string(c.PoolStatus), c.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		var se *sqlite.Error
		if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return ErrDuplicateTx
		}
		return fmt.Errorf("commitment insert failed: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

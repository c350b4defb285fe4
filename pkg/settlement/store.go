package settlement

import (
	"context"

	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
)

// CheckFunc re-validates a commitment against the locked pool and returns the pool to
// persist. Returning an error aborts the commit with no changes.
type CheckFunc func(p pool.Pool) (pool.Pool, error)

// Store persists pools and commitments. Commit is the single serialization point for
// tranche capacity.
type Store interface {
	GetPool(ctx context.Context, id string) (*pool.Pool, error)
	PutPool(ctx context.Context, p *pool.Pool) error
	FindByTx(ctx context.Context, tx ledger.TxRef) (*Commitment, error)
	// Commit locks the pool, runs check, then writes the updated pool and c in one
	// transaction. It returns ErrDuplicateTx if c.TxHash is already recorded.
	Commit(ctx context.Context, c *Commitment, check CheckFunc) error
	Ping(ctx context.Context) error
}

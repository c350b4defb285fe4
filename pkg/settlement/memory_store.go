package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
)

// MemoryStore is an in-process Store for tests and the demo.
type MemoryStore struct {
	mu          sync.Mutex
	pools       map[string]pool.Pool
	commitments map[string]Commitment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:       make(map[string]pool.Pool),
		commitments: make(map[string]Commitment),
	}
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pool.ErrPoolNotFound, id)
	}
	return &p, nil
}

func (s *MemoryStore) PutPool(_ context.Context, p *pool.Pool) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.ID] = *p
	return nil
}

func (s *MemoryStore) FindByTx(_ context.Context, tx ledger.TxRef) (*Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commitments[tx.Key()]
	if !ok {
		return nil, ErrCommitmentNotFound
	}
	return &c, nil
}

func (s *MemoryStore) Commit(_ context.Context, c *Commitment, check CheckFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[c.PoolID]
	if !ok {
		return fmt.Errorf("%w: %s", pool.ErrPoolNotFound, c.PoolID)
	}
	if _, dup := s.commitments[c.TxHash.Key()]; dup {
		return ErrDuplicateTx
	}
	updated, err := check(p)
	if err != nil {
		return err
	}
	ts, err := updated.Tranche(c.Tranche)
	if err != nil {
		return err
	}
	c.TrancheFunded = ts.Funded
	c.PoolStatus = updated.Status

	s.pools[c.PoolID] = updated
	s.commitments[c.TxHash.Key()] = *c
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

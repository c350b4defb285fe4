package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// State is an investor's position on the ledger relative to the collection address.
type State struct {
	Owner     Address         `json:"owner"`
	Spender   Address         `json:"spender"`
	Balance   decimal.Decimal `json:"balance"`
	Allowance decimal.Decimal `json:"allowance"`
	ReadAt    time.Time       `json:"read_at"`
	// Cached is set when the state was served from the cache rather than the ledger.
	Cached bool `json:"-"`
}

// Covers reports whether the allowance already permits spending amount.
func (s State) Covers(amount decimal.Decimal) bool {
	return s.Allowance.GreaterThanOrEqual(amount)
}

// Cache stores sampled ledger states for display.
type Cache interface {
	Get(ctx context.Context, key string) (State, bool, error)
	Set(ctx context.Context, key string, s State, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// StateReader reads balance and allowance for investors against a fixed collector.
// Snapshot may serve eventually consistent data; Refresh always asks the ledger.
type StateReader struct {
	reader    Reader
	collector Address
	cache     Cache
	ttl       time.Duration
	logger    *slog.Logger
}

// NewStateReader creates a reader. A nil cache disables caching.
func NewStateReader(r Reader, collector Address, cache Cache, ttl time.Duration) *StateReader {
	return &StateReader{
		reader:    r,
		collector: collector,
		cache:     cache,
		ttl:       ttl,
		logger:    slog.Default().With("component", "ledger_reader"),
	}
}

func (r *StateReader) Token() Token { return r.reader.Token() }

func (r *StateReader) Collector() Address { return r.collector }

func (r *StateReader) key(owner Address) string {
	return fmt.Sprintf("ledger:state:%s:%s:%s", r.reader.Token().Address.Key(), owner.Key(), r.collector.Key())
}

// Snapshot returns a possibly cached state. Cache failures fall through to the ledger.
func (r *StateReader) Snapshot(ctx context.Context, owner Address) (State, error) {
	if r.cache != nil {
		s, ok, err := r.cache.Get(ctx, r.key(owner))
		if err != nil {
			r.logger.WarnContext(ctx, "ledger cache read failed", "owner", owner, "error", err)
		} else if ok {
			s.Cached = true
			return s, nil
		}
	}
	return r.Refresh(ctx, owner)
}

// Refresh reads balance and allowance from the ledger and updates the cache.
func (r *StateReader) Refresh(ctx context.Context, owner Address) (State, error) {
	balance, err := r.reader.BalanceOf(ctx, owner)
	if err != nil {
		return State{}, err
	}
	allowance, err := r.reader.Allowance(ctx, owner, r.collector)
	if err != nil {
		return State{}, err
	}
	s := State{
		Owner:     owner,
		Spender:   r.collector,
		Balance:   balance,
		Allowance: allowance,
		ReadAt:    time.Now().UTC(),
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, r.key(owner), s, r.ttl); err != nil {
			r.logger.WarnContext(ctx, "ledger cache write failed", "owner", owner, "error", err)
		}
	}
	return s, nil
}

// Invalidate drops any cached state for owner, typically after a ledger write.
func (r *StateReader) Invalidate(ctx context.Context, owner Address) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, r.key(owner)); err != nil {
		r.logger.WarnContext(ctx, "ledger cache invalidation failed", "owner", owner, "error", err)
	}
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	state   State
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock overrides the time source for expiry.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (State, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return State{}, false, nil
	}
	return e.state, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, s State, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{state: s, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

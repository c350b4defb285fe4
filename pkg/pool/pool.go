// Package pool models a funding pool: one invoice's capital raise, split into two
// independently targeted tranches.
package pool

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tranche identifies one of the two risk/return sub-pools of a funding pool.
type Tranche string

const (
	TranchePriority Tranche = "priority"
	TrancheCatalyst Tranche = "catalyst"
)

var (
	ErrUnknownTranche   = errors.New("unknown tranche")
	ErrStatusRegression = errors.New("pool status cannot move backwards")
	ErrPoolNotFound     = errors.New("pool not found")
)

// ParseTranche normalizes and validates a tranche name.
func ParseTranche(s string) (Tranche, error) {
	switch Tranche(strings.ToLower(strings.TrimSpace(s))) {
	case TranchePriority:
		return TranchePriority, nil
	case TrancheCatalyst:
		return TrancheCatalyst, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTranche, s)
	}
}

func (t Tranche) Valid() bool {
	return t == TranchePriority || t == TrancheCatalyst
}

// Status is the pool lifecycle. It only ever advances in declaration order.
type Status string

const (
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusDisbursed Status = "disbursed"
	StatusClosed    Status = "closed"
	StatusRepaid    Status = "repaid"
)

var statusOrder = map[Status]int{
	StatusOpen:      0,
	StatusFilled:    1,
	StatusDisbursed: 2,
	StatusClosed:    3,
	StatusRepaid:    4,
}

// Advance returns next if it is a forward (or same) transition from s.
func (s Status) Advance(next Status) (Status, error) {
	from, ok := statusOrder[s]
	if !ok {
		return s, fmt.Errorf("unknown pool status %q", s)
	}
	to, ok := statusOrder[next]
	if !ok {
		return s, fmt.Errorf("unknown pool status %q", next)
	}
	if to < from {
		return s, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, s, next)
	}
	return next, nil
}

// TrancheState is the funding position of a single tranche.
type TrancheState struct {
	Target decimal.Decimal `json:"target"`
	Funded decimal.Decimal `json:"funded"`
	Rate   decimal.Decimal `json:"rate"` // annualized, e.g. 0.12
}

// Remaining is target minus funded. It may be zero or negative for a closed tranche.
func (s TrancheState) Remaining() decimal.Decimal {
	return s.Target.Sub(s.Funded)
}

// Full reports whether the tranche has no capacity left.
func (s TrancheState) Full() bool {
	return !s.Remaining().IsPositive()
}

// Pool is a funding pool as read from the settlement backend.
type Pool struct {
	ID        string       `json:"id"`
	Priority  TrancheState `json:"priority"`
	Catalyst  TrancheState `json:"catalyst"`
	Status    Status       `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Tranche returns the state of the selected tranche.
func (p Pool) Tranche(t Tranche) (TrancheState, error) {
	switch t {
	case TranchePriority:
		return p.Priority, nil
	case TrancheCatalyst:
		return p.Catalyst, nil
	default:
		return TrancheState{}, fmt.Errorf("%w: %q", ErrUnknownTranche, t)
	}
}

// Validate checks the non-negativity and funded <= target invariants.
func (p Pool) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("pool id is required")
	}
	if _, ok := statusOrder[p.Status]; !ok {
		return fmt.Errorf("unknown pool status %q", p.Status)
	}
	for _, t := range []Tranche{TranchePriority, TrancheCatalyst} {
		s, _ := p.Tranche(t)
		if s.Target.IsNegative() || s.Funded.IsNegative() {
			return fmt.Errorf("%s tranche amounts must be non-negative", t)
		}
		if s.Funded.GreaterThan(s.Target) {
			return fmt.Errorf("%s tranche funded %s exceeds target %s", t, s.Funded, s.Target)
		}
	}
	return nil
}

// Credit returns a copy of p with amount added to the tranche's funded total.
// An open pool whose tranches are both full advances to filled.
func (p Pool) Credit(t Tranche, amount decimal.Decimal, at time.Time) (Pool, error) {
	if !amount.IsPositive() {
		return p, fmt.Errorf("credit amount must be positive, got %s", amount)
	}
	switch t {
	case TranchePriority:
		p.Priority.Funded = p.Priority.Funded.Add(amount)
	case TrancheCatalyst:
		p.Catalyst.Funded = p.Catalyst.Funded.Add(amount)
	default:
		return p, fmt.Errorf("%w: %q", ErrUnknownTranche, t)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	if p.Status == StatusOpen && p.Priority.Full() && p.Catalyst.Full() {
		p.Status = StatusFilled
	}
	p.UpdatedAt = at
	return p, nil
}

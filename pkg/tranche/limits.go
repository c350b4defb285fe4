// Package tranche computes the investable band for a tranche and validates a requested
// amount against it.
//
// For a tranche with remaining = target - funded:
//
//	remaining <= 0       closed, no amount is valid
//	remaining <  floor   min = max = remaining (the last slice must be taken whole)
//	otherwise            min = floor, max = min(ceiling, remaining)
//
// where floor and ceiling are fixed fractions of the target.
package tranche

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrTrancheClosed is returned when a tranche has no remaining capacity.
var ErrTrancheClosed = errors.New("tranche closed")

// Policy holds the banding ratios, as fractions of the tranche target.
type Policy struct {
	FloorRatio   decimal.Decimal `json:"floor_ratio"`
	CeilingRatio decimal.Decimal `json:"ceiling_ratio"`
}

// DefaultPolicy is 10% floor, 90% ceiling.
func DefaultPolicy() Policy {
	return Policy{
		FloorRatio:   decimal.New(10, -2),
		CeilingRatio: decimal.New(90, -2),
	}
}

// Validate rejects ratios outside (0, 1] or a floor above the ceiling.
func (p Policy) Validate() error {
	one := decimal.NewFromInt(1)
	if !p.FloorRatio.IsPositive() || p.FloorRatio.GreaterThan(one) {
		return fmt.Errorf("floor ratio must be in (0, 1], got %s", p.FloorRatio)
	}
	if !p.CeilingRatio.IsPositive() || p.CeilingRatio.GreaterThan(one) {
		return fmt.Errorf("ceiling ratio must be in (0, 1], got %s", p.CeilingRatio)
	}
	if p.FloorRatio.GreaterThan(p.CeilingRatio) {
		return fmt.Errorf("floor ratio %s exceeds ceiling ratio %s", p.FloorRatio, p.CeilingRatio)
	}
	return nil
}

// Limits is the closed interval [Min, Max] of acceptable amounts.
type Limits struct {
	Min       decimal.Decimal `json:"min"`
	Max       decimal.Decimal `json:"max"`
	Remaining decimal.Decimal `json:"remaining"`
	// Exact is set when only the full remaining amount is acceptable.
	Exact bool `json:"exact"`
}

// Contains reports whether amount lies inside the band.
func (l Limits) Contains(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(l.Min) && amount.LessThanOrEqual(l.Max)
}

// Calculator applies a Policy. The zero value is not usable; use NewCalculator.
type Calculator struct {
	policy Policy
}

func NewCalculator(p Policy) (*Calculator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{policy: p}, nil
}

// MustCalculator is NewCalculator for policies known to be valid.
func MustCalculator(p Policy) *Calculator {
	c, err := NewCalculator(p)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Calculator) Policy() Policy { return c.policy }

// Limits computes the band for a tranche with the given target and funded amounts.
func (c *Calculator) Limits(target, funded decimal.Decimal) (Limits, error) {
	remaining := target.Sub(funded)
	if !remaining.IsPositive() {
		return Limits{Remaining: remaining}, ErrTrancheClosed
	}

	floor := target.Mul(c.policy.FloorRatio)
	ceiling := target.Mul(c.policy.CeilingRatio)

	if remaining.LessThan(floor) {
		return Limits{Min: remaining, Max: remaining, Remaining: remaining, Exact: true}, nil
	}
	return Limits{
		Min:       floor,
		Max:       decimal.Min(ceiling, remaining),
		Remaining: remaining,
	}, nil
}

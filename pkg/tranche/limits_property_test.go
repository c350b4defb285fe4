//go:build property
// +build property

package tranche_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/MaulRai/vessel/pkg/tranche"
)

// TestLimitsBandProperties checks the banding rules over random pool states.
func TestLimitsBandProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	calc := tranche.MustCalculator(tranche.DefaultPolicy())
	floorRatio := tranche.DefaultPolicy().FloorRatio
	ceilingRatio := tranche.DefaultPolicy().CeilingRatio

	properties.Property("remaining >= floor gives [floor, min(ceiling, remaining)]", prop.ForAll(
		func(targetCents, fundedPct int64) bool {
			target := decimal.New(targetCents, -2)
			funded := target.Mul(decimal.New(fundedPct, -2))
			remaining := target.Sub(funded)
			floor := target.Mul(floorRatio)
			if remaining.LessThan(floor) || !remaining.IsPositive() {
				return true
			}
			l, err := calc.Limits(target, funded)
			if err != nil {
				return false
			}
			return l.Min.Equal(floor) &&
				l.Max.Equal(decimal.Min(target.Mul(ceilingRatio), remaining)) &&
				l.Min.LessThanOrEqual(l.Max)
		},
		gen.Int64Range(1, 1_000_000_000),
		gen.Int64Range(0, 100),
	))

	properties.Property("0 < remaining < floor gives min = max = remaining", prop.ForAll(
		func(targetCents, sliverBasisPoints int64) bool {
			target := decimal.New(targetCents, -2)
			remaining := target.Mul(decimal.New(sliverBasisPoints, -4))
			if !remaining.IsPositive() || !remaining.LessThan(target.Mul(floorRatio)) {
				return true
			}
			l, err := calc.Limits(target, target.Sub(remaining))
			if err != nil {
				return false
			}
			return l.Exact && l.Min.Equal(remaining) && l.Max.Equal(remaining)
		},
		gen.Int64Range(100, 1_000_000_000),
		gen.Int64Range(1, 999),
	))

	properties.Property("remaining <= 0 is always reported as closed", prop.ForAll(
		func(targetCents, overCents int64) bool {
			target := decimal.New(targetCents, -2)
			funded := target.Add(decimal.New(overCents, -2))
			_, err := calc.Limits(target, funded)
			return errors.Is(err, tranche.ErrTrancheClosed)
		},
		gen.Int64Range(0, 1_000_000_000),
		gen.Int64Range(0, 1_000_000),
	))

	properties.TestingRun(t)
}

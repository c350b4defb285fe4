package tranche

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Bound names the constraint a requested amount violated.
type Bound string

const (
	BoundNotPositive         Bound = "amount_not_positive"
	BoundBelowMinimum        Bound = "below_minimum"
	BoundAboveMaximum        Bound = "above_maximum"
	BoundExceedsRemaining    Bound = "exceeds_remaining"
	BoundInsufficientBalance Bound = "insufficient_balance"
	BoundTrancheClosed       Bound = "tranche_closed"
	BoundConsentRequired     Bound = "consent_required"
)

// ValidationError reports a locally detected violation. It never reaches an external system.
type ValidationError struct {
	Bound  Bound
	Amount decimal.Decimal
	// Limit is the value the amount was compared against, when there is one.
	Limit  decimal.Decimal
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Bound, e.Detail)
	}
	switch e.Bound {
	case BoundNotPositive, BoundTrancheClosed, BoundConsentRequired:
		return fmt.Sprintf("validation failed: %s (amount %s)", e.Bound, e.Amount)
	default:
		return fmt.Sprintf("validation failed: %s (amount %s, limit %s)", e.Bound, e.Amount, e.Limit)
	}
}

// AsValidationError unwraps err into a *ValidationError if possible.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Request is what an investor is asking to commit, with the context needed to check it.
type Request struct {
	Amount decimal.Decimal
	Target decimal.Decimal
	Funded decimal.Decimal
	// Balance is the investor's ledger balance. Nil skips the balance check, which the
	// settlement backend does because it verifies the executed transfer instead.
	Balance *decimal.Decimal
}

// Validate checks a request and returns the computed limits alongside any violation.
// Checks run in a fixed order so the reported bound is deterministic.
func (c *Calculator) Validate(req Request) (Limits, error) {
	if !req.Amount.IsPositive() {
		return Limits{}, &ValidationError{Bound: BoundNotPositive, Amount: req.Amount}
	}

	limits, err := c.Limits(req.Target, req.Funded)
	if errors.Is(err, ErrTrancheClosed) {
		return limits, &ValidationError{Bound: BoundTrancheClosed, Amount: req.Amount, Limit: limits.Remaining}
	}
	if err != nil {
		return limits, err
	}

	if req.Balance != nil && req.Amount.GreaterThan(*req.Balance) {
		return limits, &ValidationError{Bound: BoundInsufficientBalance, Amount: req.Amount, Limit: *req.Balance}
	}
	if req.Amount.GreaterThan(limits.Remaining) {
		return limits, &ValidationError{Bound: BoundExceedsRemaining, Amount: req.Amount, Limit: limits.Remaining}
	}
	if req.Amount.LessThan(limits.Min) {
		return limits, &ValidationError{Bound: BoundBelowMinimum, Amount: req.Amount, Limit: limits.Min}
	}
	if req.Amount.GreaterThan(limits.Max) {
		return limits, &ValidationError{Bound: BoundAboveMaximum, Amount: req.Amount, Limit: limits.Max}
	}
	return limits, nil
}

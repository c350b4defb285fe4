package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrTxNotFound = errors.New("transaction not found")
	// ErrNotFinal is returned when a transfer has fewer confirmations than required.
	ErrNotFinal = errors.New("transaction not final")
)

// Unavailable means the ledger could not be reached. No state was changed.
type Unavailable struct {
	Op  string
	Err error
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("ledger unavailable during %s: %v", e.Op, e.Err)
}

func (e *Unavailable) Unwrap() error { return e.Err }

// Rejection means the ledger or the holder refused a state-changing call.
type Rejection struct {
	Op string
	// Declined is set when the holder refused to sign, as opposed to an on-chain revert.
	Declined bool
	Err      error
}

func (e *Rejection) Error() string {
	if e.Declined {
		return fmt.Sprintf("ledger %s declined by holder: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s rejected: %v", e.Op, e.Err)
}

func (e *Rejection) Unwrap() error { return e.Err }

func IsUnavailable(err error) bool {
	var u *Unavailable
	return errors.As(err, &u)
}

func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

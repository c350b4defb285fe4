// Package commitment drives one investment attempt through allowance, transfer and
// backend confirmation.
//
//	Input -> Approving -> Transferring -> Confirming -> Success
//	           |              |              |
//	           +--------------+--------------+--> Failed(reason)
//
// Approving is skipped when the existing allowance already covers the amount. State is a
// pure value; Orchestrator performs the external calls and feeds their results back as
// events.
package commitment

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/settlement"
)

type Phase string

const (
	PhaseInput        Phase = "input"
	PhaseApproving    Phase = "approving"
	PhaseTransferring Phase = "transferring"
	PhaseConfirming   Phase = "confirming"
	PhaseSuccess      Phase = "success"
	PhaseFailed       Phase = "failed"
)

var ErrInvalidTransition = errors.New("invalid commitment transition")

// Draft is what the investor has entered.
type Draft struct {
	PoolID   string           `json:"pool_id"`
	Tranche  pool.Tranche     `json:"tranche"`
	Amount   decimal.Decimal  `json:"amount"`
	Consents consent.Consents `json:"consents"`
}

// State is a snapshot of one attempt.
type State struct {
	Phase      Phase
	Draft      Draft
	ApprovalTx ledger.TxRef
	TransferTx ledger.TxRef
	Record     *settlement.Commitment
	Failure    *Failure
}

// NewState starts an attempt in Input.
func NewState(d Draft) State {
	return State{Phase: PhaseInput, Draft: d}
}

// InProgress reports whether an external call is pending. Submission is disabled meanwhile.
func (s State) InProgress() bool {
	switch s.Phase {
	case PhaseApproving, PhaseTransferring, PhaseConfirming:
		return true
	}
	return false
}

// CanCancel is true only before anything has been sent to the ledger.
func (s State) CanCancel() bool { return s.Phase == PhaseInput }

func (s State) Terminal() bool { return s.Phase == PhaseSuccess || s.Phase == PhaseFailed }

// CanRetryConfirmation reports whether the attempt failed after the transfer in a way that
// resubmitting the same transaction may fix.
func (s State) CanRetryConfirmation() bool {
	return s.Phase == PhaseFailed && s.TransferTx != "" &&
		s.Failure != nil && s.Failure.Remedy == RemedyRetryConfirmation
}

// Event is an input to State.Apply.
type Event interface{ name() string }

type (
	Submit           struct{ SkipApproval bool }
	ApprovalGranted  struct{ Tx ledger.TxRef }
	ApprovalFailed   struct{ Failure *Failure }
	TransferAccepted struct{ Tx ledger.TxRef }
	TransferFailed   struct{ Failure *Failure }
	Confirmed        struct{ Record *settlement.Commitment }
	ConfirmFailed    struct{ Failure *Failure }
	// Reset starts a new attempt from a terminal state, keeping the entered draft.
	Reset             struct{}
	RetryConfirmation struct{}
	// Cancel discards the amount and consents entered so far.
	Cancel          struct{}
	AmountChanged   struct{ Amount decimal.Decimal }
	ConsentsChanged struct{ Consents consent.Consents }
)

func (Submit) name() string            { return "submit" }
func (ApprovalGranted) name() string   { return "approval_granted" }
func (ApprovalFailed) name() string    { return "approval_failed" }
func (TransferAccepted) name() string  { return "transfer_accepted" }
func (TransferFailed) name() string    { return "transfer_failed" }
func (Confirmed) name() string         { return "confirmed" }
func (ConfirmFailed) name() string     { return "confirm_failed" }
func (Reset) name() string             { return "reset" }
func (RetryConfirmation) name() string { return "retry_confirmation" }
func (Cancel) name() string            { return "cancel" }
func (AmountChanged) name() string     { return "amount_changed" }
func (ConsentsChanged) name() string   { return "consents_changed" }

// Apply returns the state after e. s is not modified.
func (s State) Apply(e Event) (State, error) {
	next := s
	switch ev := e.(type) {
	case AmountChanged:
		if s.Phase != PhaseInput {
			break
		}
		next.Draft.Amount = ev.Amount
		return next, nil

	case ConsentsChanged:
		if s.Phase != PhaseInput {
			break
		}
		next.Draft.Consents = ev.Consents
		return next, nil

	case Cancel:
		if !s.CanCancel() {
			break
		}
		next.Draft.Amount = decimal.Zero
		next.Draft.Consents = consent.Consents{}
		return next, nil

	case Submit:
		if s.Phase != PhaseInput {
			break
		}
		next.Phase = PhaseApproving
		if ev.SkipApproval {
			next.Phase = PhaseTransferring
		}
		return next, nil

	case ApprovalGranted:
		if s.Phase != PhaseApproving {
			break
		}
		next.Phase = PhaseTransferring
		next.ApprovalTx = ev.Tx
		return next, nil

	case TransferAccepted:
		if s.Phase != PhaseTransferring {
			break
		}
		next.Phase = PhaseConfirming
		next.TransferTx = ev.Tx
		return next, nil

	case Confirmed:
		if s.Phase != PhaseConfirming || ev.Record == nil {
			break
		}
		next.Phase = PhaseSuccess
		next.Record = ev.Record
		next.Failure = nil
		return next, nil

	case ApprovalFailed:
		if s.Phase != PhaseApproving || ev.Failure == nil {
			break
		}
		return s.fail(ev.Failure), nil

	case TransferFailed:
		if s.Phase != PhaseTransferring || ev.Failure == nil {
			break
		}
		return s.fail(ev.Failure), nil

	case ConfirmFailed:
		if s.Phase != PhaseConfirming || ev.Failure == nil {
			break
		}
		f := *ev.Failure
		f.TxRef = s.TransferTx
		f.FundsMoved = true
		return s.fail(&f), nil

	case RetryConfirmation:
		if !s.CanRetryConfirmation() {
			break
		}
		next.Phase = PhaseConfirming
		next.Failure = nil
		return next, nil

	case Reset:
		if !s.Terminal() {
			break
		}
		return NewState(s.Draft), nil

	default:
		return s, fmt.Errorf("%w: unknown event %T", ErrInvalidTransition, e)
	}
	return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, e.name(), s.Phase)
}

func (s State) fail(f *Failure) State {
	s.Phase = PhaseFailed
	s.Failure = f
	return s
}

package commitment

import (
	"context"
	"errors"
	"fmt"

	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/settlement"
	"github.com/MaulRai/vessel/pkg/tranche"
)

// Kind classifies where an attempt failed.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindLedgerRejection    Kind = "ledger_rejection"
	KindLedgerUnavailable  Kind = "ledger_unavailable"
	KindBackendRejection   Kind = "backend_rejection"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindAbandoned          Kind = "abandoned"
)

// Remedy tells the investor what can be done next.
type Remedy string

const (
	RemedyFixInput          Remedy = "fix_input"
	RemedyRetryFromInput    Remedy = "retry_from_input"
	RemedyRetryConfirmation Remedy = "retry_confirmation"
	RemedyContactSupport    Remedy = "contact_support"
)

// Reason codes produced on the client side. Backend rejections carry the backend's code.
const (
	ReasonApprovalRejected   = "approval_rejected"
	ReasonApprovalFailed     = "approval_failed"
	ReasonTransferRejected   = "transfer_rejected"
	ReasonTransferFailed     = "transfer_failed"
	ReasonTransferUnknown    = "transfer_unknown"
	ReasonLedgerUnavailable  = "ledger_unavailable"
	ReasonBackendUnavailable = "backend_unavailable"
	ReasonAbandoned          = "abandoned"
)

// Failure is the error a commitment attempt ends with. Once FundsMoved is set the failure
// is never presented as a plain retry: TxRef identifies the transfer to reconcile.
type Failure struct {
	Kind       Kind
	Reason     string
	Remedy     Remedy
	TxRef      ledger.TxRef
	FundsMoved bool
	Err        error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("commitment failed (%s): %s", f.Kind, f.Reason)
	if f.FundsMoved {
		msg += fmt.Sprintf(" after transfer %s", f.TxRef)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func validationFailure(err error) *Failure {
	reason := "invalid_input"
	if ve, ok := tranche.AsValidationError(err); ok {
		reason = string(ve.Bound)
	}
	return &Failure{Kind: KindValidation, Reason: reason, Remedy: RemedyFixInput, Err: err}
}

func abandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ledgerFailure classifies an error from a ledger read or approval made during phase.
// Nothing has been transferred yet when this is called.
func ledgerFailure(phase Phase, err error) *Failure {
	if abandoned(err) {
		return &Failure{Kind: KindAbandoned, Reason: ReasonAbandoned, Remedy: RemedyRetryFromInput, Err: err}
	}
	if r, ok := ledger.AsRejection(err); ok {
		f := &Failure{Kind: KindLedgerRejection, Remedy: RemedyRetryFromInput, Err: err}
		switch {
		case phase == PhaseApproving && r.Declined:
			f.Reason = ReasonApprovalRejected
		case phase == PhaseApproving:
			f.Reason = ReasonApprovalFailed
		case r.Declined:
			f.Reason = ReasonTransferRejected
		default:
			f.Reason = ReasonTransferFailed
		}
		return f
	}
	return &Failure{Kind: KindLedgerUnavailable, Reason: ReasonLedgerUnavailable, Remedy: RemedyRetryFromInput, Err: err}
}

// transferFailure classifies an error from the transfer call. Only a rejection proves the
// transfer did not happen. Anything else may have reached the ledger, so the investor is
// sent to support with tx, the hash of the signed transaction when the writer knows it.
func transferFailure(tx ledger.TxRef, err error) *Failure {
	if _, ok := ledger.AsRejection(err); ok && !abandoned(err) {
		return ledgerFailure(PhaseTransferring, err)
	}
	f := &Failure{
		Kind:   KindLedgerUnavailable,
		Reason: ReasonTransferUnknown,
		Remedy: RemedyContactSupport,
		TxRef:  tx,
		Err:    err,
	}
	if abandoned(err) {
		f.Kind = KindAbandoned
		f.Reason = ReasonAbandoned
	}
	return f
}

// backendFailure classifies an error from the confirm call. The transfer tx has executed.
func backendFailure(tx ledger.TxRef, err error) *Failure {
	f := &Failure{TxRef: tx, FundsMoved: true, Err: err}
	if r, ok := settlement.AsRejection(err); ok {
		f.Kind = KindBackendRejection
		f.Reason = string(r.Code)
		f.Remedy = RemedyContactSupport
		if r.Code.Resubmittable() {
			f.Remedy = RemedyRetryConfirmation
		}
		return f
	}
	f.Remedy = RemedyRetryConfirmation
	if abandoned(err) {
		f.Kind = KindAbandoned
		f.Reason = ReasonAbandoned
		return f
	}
	f.Kind = KindBackendUnavailable
	f.Reason = ReasonBackendUnavailable
	return f
}

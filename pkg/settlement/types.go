// Package settlement is the authoritative recorder of commitments. It verifies a ledger
// transfer, re-validates tranche capacity against the latest pool state and credits the
// pool atomically, at most once per transaction hash.
package settlement

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
)

// Code is a machine-readable rejection reason.
type Code string

const (
	CodeCapacityExceeded     Code = "capacity_exceeded"
	CodeLimitsChanged        Code = "limits_changed"
	CodeVerificationMismatch Code = "verification_mismatch"
	CodeTxNotFinal           Code = "tx_not_final"
	CodeTxNotFound           Code = "tx_not_found"
	CodeInvalidConsents      Code = "invalid_consents"
	CodePoolNotOpen          Code = "pool_not_open"
	CodePoolNotFound         Code = "pool_not_found"
	CodeTxAlreadyUsed        Code = "tx_already_used"
	CodeInvalidRequest       Code = "invalid_request"
)

// HTTPStatus is the response status a rejection is served with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodePoolNotFound, CodeTxNotFound:
		return http.StatusNotFound
	case CodeTxNotFinal:
		return http.StatusTooEarly
	case CodeVerificationMismatch, CodeInvalidConsents:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}

// Resubmittable reports whether confirming the same transaction again later can succeed.
func (c Code) Resubmittable() bool {
	return c == CodeTxNotFinal || c == CodeTxNotFound
}

// Rejection is a definitive refusal to record a commitment.
type Rejection struct {
	Code   Code
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("settlement rejected: %s", r.Code)
	}
	return fmt.Sprintf("settlement rejected: %s: %s", r.Code, r.Detail)
}

func reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

var (
	// ErrUnavailable wraps failures that say nothing about the commitment itself: the
	// backend, its store or the ledger could not be reached.
	ErrUnavailable = errors.New("settlement unavailable")

	ErrCommitmentNotFound = errors.New("commitment not found")
	// ErrDuplicateTx is returned by Store.Commit when tx_hash is already recorded.
	ErrDuplicateTx = errors.New("transaction already recorded")
)

// ConfirmRequest asks the backend to record a commitment backed by a ledger transfer.
type ConfirmRequest struct {
	PoolID           string            `json:"pool_id"`
	Tranche          pool.Tranche      `json:"tranche"`
	Amount           decimal.Decimal   `json:"amount"`
	TxHash           ledger.TxRef      `json:"tx_hash"`
	TnCAccepted      bool              `json:"tnc_accepted"`
	CatalystConsents *consent.Consents `json:"catalyst_consents,omitempty"`
	InvestorAddress  ledger.Address    `json:"investor_address"`
}

// Consents returns the submitted acknowledgements, all false when absent.
func (r ConfirmRequest) Consents() consent.Consents {
	if r.CatalystConsents == nil {
		return consent.Consents{}
	}
	return *r.CatalystConsents
}

// Commitment is a recorded, verified investment.
type Commitment struct {
	ID               string            `json:"id"`
	PoolID           string            `json:"pool_id"`
	Tranche          pool.Tranche      `json:"tranche"`
	Amount           decimal.Decimal   `json:"amount"`
	TxHash           ledger.TxRef      `json:"tx_hash"`
	InvestorAddress  ledger.Address    `json:"investor_address"`
	CatalystConsents *consent.Consents `json:"catalyst_consents,omitempty"`
	Block            uint64            `json:"block"`
	// TrancheFunded and PoolStatus describe the pool right after this commitment.
	TrancheFunded decimal.Decimal `json:"tranche_funded"`
	PoolStatus    pool.Status     `json:"pool_status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// sameIntent reports whether a request describes the already recorded commitment c.
func (c *Commitment) sameIntent(r ConfirmRequest) bool {
	return c.PoolID == r.PoolID &&
		c.Tranche == r.Tranche &&
		c.Amount.Equal(r.Amount) &&
		c.InvestorAddress.Equal(r.InvestorAddress)
}

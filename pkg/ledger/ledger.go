// Package ledger is the port to the external token ledger: an ERC-20 style contract that
// holds investor balances, spending allowances and the transfers the settlement backend
// verifies.
//
// Amounts cross this port as decimals in display units. Adapters convert to integer base
// units with ToBaseUnits, which truncates and never rounds up.
package ledger

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Address is a ledger account identity. Comparison is case-insensitive.
type Address string

func (a Address) Equal(b Address) bool {
	return strings.EqualFold(string(a), string(b))
}

// Key is the canonical lowercase form used for map and cache keys.
func (a Address) Key() string { return strings.ToLower(string(a)) }

func (a Address) String() string { return string(a) }

// TxRef is a ledger transaction reference (a transaction hash on EVM chains).
type TxRef string

func (r TxRef) Key() string { return strings.ToLower(string(r)) }

func (r TxRef) String() string { return string(r) }

// Token describes the contract a Ledger is bound to.
type Token struct {
	Address  Address `json:"address"`
	Symbol   string  `json:"symbol"`
	Decimals int32   `json:"decimals"`
}

// Reader is the read side of the ledger. Reads have no side effects.
type Reader interface {
	Token() Token
	BalanceOf(ctx context.Context, owner Address) (decimal.Decimal, error)
	Allowance(ctx context.Context, owner, spender Address) (decimal.Decimal, error)
}

// Writer is a signer-bound handle that mutates ledger state on behalf of one holder.
type Writer interface {
	// Holder is the account the writer signs for.
	Holder() Address
	// Approve grants spender an allowance of amount and blocks until the approval is
	// included in a block.
	Approve(ctx context.Context, spender Address, amount decimal.Decimal) (TxRef, error)
	// Transfer sends amount to recipient and returns once the ledger has accepted the
	// transaction. Acceptance is not finality. When a signed transaction was handed to
	// the ledger but the outcome is unknown, its ref is returned along with the error.
	Transfer(ctx context.Context, to Address, amount decimal.Decimal) (TxRef, error)
}

// TransferRecord is what the ledger reports for an executed token transfer.
type TransferRecord struct {
	Tx            TxRef           `json:"tx"`
	From          Address         `json:"from"`
	To            Address         `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Block         uint64          `json:"block"`
	Confirmations uint64          `json:"confirmations"`
	Succeeded     bool            `json:"succeeded"`
}

// TransferVerifier looks up executed transfers of the bound token.
type TransferVerifier interface {
	// LookupTransfer returns ErrTxNotFound when the ledger does not know tx yet.
	LookupTransfer(ctx context.Context, tx TxRef) (*TransferRecord, error)
}

// Ledger is the token contract as seen by readers and verifiers. Writers are obtained
// per signer from the adapter.
type Ledger interface {
	Reader
	TransferVerifier
}

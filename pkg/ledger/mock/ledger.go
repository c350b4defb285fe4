// Package mock is an in-memory token ledger for tests and demos. It implements
// ledger.Ledger and hands out signer-bound writers, with controllable block production
// and failure injection.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/MaulRai/vessel/pkg/ledger"
)

// Op names a ledger operation for failure injection.
type Op string

const (
	OpBalanceOf Op = "balanceOf"
	OpAllowance Op = "allowance"
	OpApprove   Op = "approve"
	OpTransfer  Op = "transfer"
	OpLookup    Op = "lookup"
)

var (
	// ErrDeclined simulates the holder refusing to sign.
	ErrDeclined = errors.New("user rejected the request")
	// ErrReverted simulates an on-chain revert.
	ErrReverted = errors.New("execution reverted")
	// ErrOffline simulates an unreachable node.
	ErrOffline = errors.New("connection refused")
)

type allowanceKey struct{ owner, spender string }

type transfer struct {
	rec   ledger.TransferRecord
	block uint64
}

// Ledger is an in-memory ERC-20. Every write is mined in its own block.
type Ledger struct {
	mu         sync.RWMutex
	token      ledger.Token
	balances   map[string]decimal.Decimal
	allowances map[allowanceKey]decimal.Decimal
	transfers  map[string]transfer
	head       uint64
	nonce      uint64
	offline    bool
	failures   map[Op][]error
	// approveShortfall is subtracted from the next approved amount.
	approveShortfall decimal.Decimal
	// loseTransferAck makes the next transfer execute but report the node as unreachable.
	loseTransferAck bool
	logger          *slog.Logger
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates an empty ledger for token.
func New(token ledger.Token) *Ledger {
	return &Ledger{
		token:      token,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[allowanceKey]decimal.Decimal),
		transfers:  make(map[string]transfer),
		failures:   make(map[Op][]error),
		logger:     slog.Default().With("component", "mock_ledger"),
	}
}

func (l *Ledger) Token() ledger.Token { return l.token }

// Mint credits owner with amount.
func (l *Ledger) Mint(owner ledger.Address, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := owner.Key()
	l.balances[k] = l.balances[k].Add(ledger.Truncate(amount, l.token.Decimals))
}

// SetAllowance sets an allowance directly, as if approved earlier.
func (l *Ledger) SetAllowance(owner, spender ledger.Address, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{owner.Key(), spender.Key()}] = amount
}

// Mine produces n empty blocks, deepening every existing transfer.
func (l *Ledger) Mine(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head += uint64(n)
}

// SetOffline makes every call fail as unavailable until reset.
func (l *Ledger) SetOffline(offline bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = offline
}

// FailNext queues err for the next call of op.
func (l *Ledger) FailNext(op Op, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], err)
}

// ShortApproveNext makes the next approval grant amount minus shortfall, which a caller
// only notices by re-reading the allowance.
func (l *Ledger) ShortApproveNext(shortfall decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approveShortfall = shortfall
}

// LoseTransferAckNext makes the next transfer execute while the caller sees an
// unavailable error, as when the connection drops after the node accepted the transaction.
func (l *Ledger) LoseTransferAckNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loseTransferAck = true
}

// injected returns the queued failure for op, classified. Caller holds mu.
func (l *Ledger) injected(op Op) error {
	if l.offline {
		return &ledger.Unavailable{Op: string(op), Err: ErrOffline}
	}
	queue := l.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	l.failures[op] = queue[1:]
	switch {
	case errors.Is(err, ErrOffline):
		return &ledger.Unavailable{Op: string(op), Err: err}
	case errors.Is(err, ErrDeclined):
		return &ledger.Rejection{Op: string(op), Declined: true, Err: err}
	case errors.Is(err, ErrReverted):
		return &ledger.Rejection{Op: string(op), Err: err}
	default:
		return err
	}
}

func (l *Ledger) BalanceOf(_ context.Context, owner ledger.Address) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpBalanceOf); err != nil {
		return decimal.Zero, err
	}
	return l.balances[owner.Key()], nil
}

func (l *Ledger) Allowance(_ context.Context, owner, spender ledger.Address) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpAllowance); err != nil {
		return decimal.Zero, err
	}
	return l.allowances[allowanceKey{owner.Key(), spender.Key()}], nil
}

func (l *Ledger) LookupTransfer(_ context.Context, tx ledger.TxRef) (*ledger.TransferRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpLookup); err != nil {
		return nil, err
	}
	t, ok := l.transfers[tx.Key()]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	rec := t.rec
	rec.Confirmations = l.head - t.block + 1
	return &rec, nil
}

// nextTx mints a deterministic transaction hash. Caller holds mu.
func (l *Ledger) nextTx(op Op, from ledger.Address) ledger.TxRef {
	l.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", l.token.Address.Key(), op, from.Key(), l.nonce)))
	return ledger.TxRef("0x" + hex.EncodeToString(sum[:]))
}

// Signer returns a writer that acts for holder.
func (l *Ledger) Signer(holder ledger.Address) *Signer {
	return &Signer{ledger: l, holder: holder}
}

// Signer is a ledger.Writer bound to one holder.
type Signer struct {
	ledger *Ledger
	holder ledger.Address
}

var _ ledger.Writer = (*Signer)(nil)

func (s *Signer) Holder() ledger.Address { return s.holder }

func (s *Signer) Approve(ctx context.Context, spender ledger.Address, amount decimal.Decimal) (ledger.TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", &ledger.Unavailable{Op: string(OpApprove), Err: err}
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpApprove); err != nil {
		return "", err
	}
	granted := ledger.Truncate(amount, l.token.Decimals).Sub(l.approveShortfall)
	l.approveShortfall = decimal.Zero
	l.allowances[allowanceKey{s.holder.Key(), spender.Key()}] = granted

	l.head++
	tx := l.nextTx(OpApprove, s.holder)
	l.logger.InfoContext(ctx, "approval mined", "tx", tx, "owner", s.holder, "spender", spender, "amount", granted)
	return tx, nil
}

func (s *Signer) Transfer(ctx context.Context, to ledger.Address, amount decimal.Decimal) (ledger.TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", &ledger.Unavailable{Op: string(OpTransfer), Err: err}
	}
	l := s.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.injected(OpTransfer); err != nil {
		return "", err
	}
	amount = ledger.Truncate(amount, l.token.Decimals)
	from := s.holder.Key()
	if !amount.IsPositive() {
		return "", &ledger.Rejection{Op: string(OpTransfer), Err: fmt.Errorf("%w: zero amount", ErrReverted)}
	}
	if l.balances[from].LessThan(amount) {
		return "", &ledger.Rejection{Op: string(OpTransfer), Err: fmt.Errorf("%w: transfer amount exceeds balance", ErrReverted)}
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to.Key()] = l.balances[to.Key()].Add(amount)

	l.head++
	tx := l.nextTx(OpTransfer, s.holder)
	l.transfers[tx.Key()] = transfer{
		rec: ledger.TransferRecord{
			Tx:        tx,
			From:      s.holder,
			To:        to,
			Amount:    amount,
			Block:     l.head,
			Succeeded: true,
		},
		block: l.head,
	}
	if l.loseTransferAck {
		l.loseTransferAck = false
		l.logger.InfoContext(ctx, "transfer accepted, acknowledgement lost", "tx", tx)
		return tx, &ledger.Unavailable{Op: string(OpTransfer), Err: ErrOffline}
	}
	l.logger.InfoContext(ctx, "transfer accepted", "tx", tx, "from", s.holder, "to", to, "amount", amount)
	return tx, nil
}

// RecordTransfer inserts a transfer record directly, for verification tests that need a
// transfer whose fields disagree with a confirmation request.
func (l *Ledger) RecordTransfer(rec ledger.TransferRecord) ledger.TxRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head++
	if rec.Tx == "" {
		rec.Tx = l.nextTx(OpTransfer, rec.From)
	}
	rec.Block = l.head
	l.transfers[rec.Tx.Key()] = transfer{rec: rec, block: l.head}
	return rec.Tx
}

package mock

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaulRai/vessel/pkg/ledger"
)

const (
	investor  ledger.Address = "0x1111111111111111111111111111111111111111"
	collector ledger.Address = "0x2222222222222222222222222222222222222222"
)

func newLedger() *Ledger {
	return New(ledger.Token{Address: "0xToken", Symbol: "IDRX", Decimals: 6})
}

func TestLedger_TransferMovesFundsAndIsVerifiable(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.Mint(investor, decimal.NewFromInt(1000))

	tx, err := l.Signer(investor).Transfer(ctx, collector, decimal.RequireFromString("250.1234567"))
	require.NoError(t, err)

	bal, err := l.BalanceOf(ctx, investor)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("749.876544")), "balance=%s", bal)

	rec, err := l.LookupTransfer(ctx, tx)
	require.NoError(t, err)
	assert.True(t, rec.Succeeded)
	assert.True(t, rec.From.Equal(investor))
	assert.True(t, rec.To.Equal(collector))
	assert.True(t, rec.Amount.Equal(decimal.RequireFromString("250.123456")))
	assert.Equal(t, uint64(1), rec.Confirmations)

	l.Mine(4)
	rec, err = l.LookupTransfer(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Confirmations)
}

func TestLedger_TransferOverBalanceReverts(t *testing.T) {
	l := newLedger()
	l.Mint(investor, decimal.NewFromInt(10))

	_, err := l.Signer(investor).Transfer(context.Background(), collector, decimal.NewFromInt(11))
	r, ok := ledger.AsRejection(err)
	require.True(t, ok)
	assert.False(t, r.Declined)
}

func TestLedger_ApproveSetsAllowance(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	_, err := l.Signer(investor).Approve(ctx, collector, decimal.NewFromInt(500))
	require.NoError(t, err)

	a, err := l.Allowance(ctx, investor, collector)
	require.NoError(t, err)
	assert.True(t, a.Equal(decimal.NewFromInt(500)))
}

func TestLedger_FailureInjection(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	l.FailNext(OpApprove, ErrDeclined)
	_, err := l.Signer(investor).Approve(ctx, collector, decimal.NewFromInt(1))
	r, ok := ledger.AsRejection(err)
	require.True(t, ok)
	assert.True(t, r.Declined)

	// One-shot: the next approval succeeds.
	_, err = l.Signer(investor).Approve(ctx, collector, decimal.NewFromInt(1))
	require.NoError(t, err)

	l.SetOffline(true)
	_, err = l.BalanceOf(ctx, investor)
	assert.True(t, ledger.IsUnavailable(err))
	l.SetOffline(false)

	_, err = l.LookupTransfer(ctx, "0xdeadbeef")
	assert.ErrorIs(t, err, ledger.ErrTxNotFound)
}

func TestConfirmationWaiter_ReachesDepth(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.Mint(investor, decimal.NewFromInt(100))
	tx, err := l.Signer(investor).Transfer(ctx, collector, decimal.NewFromInt(100))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			time.Sleep(5 * time.Millisecond)
			l.Mine(1)
		}
	}()

	w := ledger.ConfirmationWaiter{Verifier: l, MinConfs: 3, PollInterval: time.Millisecond, Timeout: 2 * time.Second}
	rec, err := w.Wait(ctx, tx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Confirmations, uint64(3))
	<-done
}

func TestConfirmationWaiter_TimesOut(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	l.Mint(investor, decimal.NewFromInt(100))
	tx, err := l.Signer(investor).Transfer(ctx, collector, decimal.NewFromInt(100))
	require.NoError(t, err)

	w := ledger.ConfirmationWaiter{Verifier: l, MinConfs: 12, PollInterval: time.Millisecond, Timeout: 20 * time.Millisecond}
	rec, err := w.Wait(ctx, tx)
	assert.ErrorIs(t, err, ledger.ErrNotFinal)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(1), rec.Confirmations)

	_, err = w.Wait(ctx, "0xunknown")
	assert.ErrorIs(t, err, ledger.ErrTxNotFound)
}

func TestConfirmationWaiter_CallerGivesUp(t *testing.T) {
	l := newLedger()
	w := ledger.ConfirmationWaiter{Verifier: l, MinConfs: 1, PollInterval: time.Millisecond, Timeout: time.Minute}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := w.Wait(ctx, "0xunknown")
	assert.True(t, ledger.IsUnavailable(err), "got %v", err)
	assert.NotErrorIs(t, err, ledger.ErrTxNotFound)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

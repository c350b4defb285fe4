package commitment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/tranche"
)

func openPool() pool.Pool {
	return pool.Pool{
		ID:       "pool-ex",
		Status:   pool.StatusOpen,
		Priority: pool.TrancheState{Target: d("1000000"), Funded: d("850000")},
		Catalyst: pool.TrancheState{Target: d("1000000"), Funded: d("1000000")},
	}
}

func newForm(p pool.Pool, view ledger.State, ledgerErr error, t pool.Tranche) *Form {
	return NewForm(tranche.MustCalculator(tranche.DefaultPolicy()), consent.MustGate(consent.DefaultPolicy()),
		p, view, ledgerErr, Draft{Tranche: t})
}

func reasons(bs []Blocker) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Reason
	}
	return out
}

func TestForm_ReevaluatesOnEveryChange(t *testing.T) {
	f := newForm(openPool(), ledger.State{Balance: d("500000")}, nil, pool.TranchePriority)
	assert.True(t, f.Limits().Min.Equal(d("100000")))
	assert.True(t, f.Limits().Max.Equal(d("150000")))
	assert.Equal(t, []string{string(tranche.BoundNotPositive)}, reasons(f.Blockers()))

	f.SetAmount(d("60000"))
	assert.Equal(t, []string{string(tranche.BoundBelowMinimum)}, reasons(f.Blockers()))

	f.SetAmount(d("120000"))
	assert.True(t, f.CanSubmit())
	assert.Equal(t, "pool-ex", f.Draft().PoolID)

	f.Cancel()
	assert.False(t, f.CanSubmit())
	assert.True(t, f.Draft().Amount.IsZero())
}

func TestForm_BalanceBlocksOnlyWhenKnown(t *testing.T) {
	f := newForm(openPool(), ledger.State{Balance: d("110000")}, nil, pool.TranchePriority)
	f.SetAmount(d("120000"))
	assert.Equal(t, []string{string(tranche.BoundInsufficientBalance)}, reasons(f.Blockers()))

	offline := newForm(openPool(), ledger.State{}, errors.New("node down"), pool.TranchePriority)
	offline.SetAmount(d("120000"))
	assert.Equal(t, []string{ReasonLedgerUnavailable}, reasons(offline.Blockers()))
	_, err := offline.Ledger()
	assert.Error(t, err)
}

func TestForm_ClosedTranche(t *testing.T) {
	f := newForm(openPool(), ledger.State{Balance: d("500000")}, nil, pool.TrancheCatalyst)
	f.SetConsents(consent.All())
	f.SetAmount(d("1"))
	assert.Equal(t, []string{string(tranche.BoundTrancheClosed)}, reasons(f.Blockers()))
	assert.True(t, f.Limits().Max.IsZero())
}

func TestForm_CatalystNeedsConsents(t *testing.T) {
	p := openPool()
	p.Catalyst.Funded = d("0")
	f := newForm(p, ledger.State{Balance: d("500000")}, nil, pool.TrancheCatalyst)
	f.SetAmount(d("200000"))
	assert.Equal(t, []string{string(tranche.BoundConsentRequired)}, reasons(f.Blockers()))
	assert.Len(t, f.MissingConsents(), 3)

	f.SetConsents(consent.Consents{LossPriority: true, NonDeposit: true})
	assert.Equal(t, []consent.Acknowledgement{consent.AckFullCapitalLoss}, f.MissingConsents())
	assert.Contains(t, f.Blockers()[0].Detail, "full_capital_loss")

	f.SetConsents(consent.All())
	assert.True(t, f.CanSubmit())
}

func TestForm_PoolNotOpen(t *testing.T) {
	p := openPool()
	p.Status = pool.StatusFilled
	f := newForm(p, ledger.State{Balance: d("500000")}, nil, pool.TranchePriority)
	f.SetAmount(d("120000"))
	assert.Equal(t, []string{"pool_not_open"}, reasons(f.Blockers()))
}

func TestOrchestrator_NewFormUsesCachedView(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	f, err := o.NewForm(context.Background(), "pool-1", pool.TranchePriority)
	require.NoError(t, err)
	view, err := f.Ledger()
	require.NoError(t, err)
	assert.True(t, view.Balance.Equal(d("1000000")))

	f.SetAmount(d("200"))
	assert.True(t, f.CanSubmit())

	st, err := o.Commit(context.Background(), f.Draft())
	require.NoError(t, err)
	assert.Equal(t, PhaseSuccess, st.Phase)
}

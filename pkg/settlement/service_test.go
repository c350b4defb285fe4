package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/ledger/mock"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/tranche"
)

const (
	investor  ledger.Address = "0x1111111111111111111111111111111111111111"
	investor2 ledger.Address = "0x3333333333333333333333333333333333333333"
	collector ledger.Address = "0x2222222222222222222222222222222222222222"
	stranger  ledger.Address = "0x4444444444444444444444444444444444444444"
)

var testToken = ledger.Token{Address: "0x5555555555555555555555555555555555555555", Symbol: "IDRX", Decimals: 6}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc    *Service
	store  *MemoryStore
	ledger *mock.Ledger
}

func newFixture(t *testing.T, minConfs uint64) *fixture {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.PutPool(context.Background(), &pool.Pool{
		ID:       "pool-1",
		Status:   pool.StatusOpen,
		Priority: pool.TrancheState{Target: d("1000"), Rate: d("0.10")},
		Catalyst: pool.TrancheState{Target: d("1000"), Rate: d("0.18")},
	}))
	l := mock.New(testToken)
	l.Mint(investor, d("5000"))
	l.Mint(investor2, d("5000"))

	svc, err := NewService(ServiceConfig{
		Store:            store,
		Calculator:       tranche.MustCalculator(tranche.DefaultPolicy()),
		Gate:             consent.MustGate(consent.DefaultPolicy()),
		Verifier:         l,
		Token:            testToken,
		Collector:        collector,
		MinConfirmations: minConfs,
		ConfirmTimeout:   30 * time.Millisecond,
		PollInterval:     time.Millisecond,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, ledger: l}
}

func (f *fixture) pay(t *testing.T, from, to ledger.Address, amount string) ledger.TxRef {
	t.Helper()
	tx, err := f.ledger.Signer(from).Transfer(context.Background(), to, d(amount))
	require.NoError(t, err)
	return tx
}

func request(tx ledger.TxRef, from ledger.Address, tr pool.Tranche, amount string) ConfirmRequest {
	req := ConfirmRequest{
		PoolID:          "pool-1",
		Tranche:         tr,
		Amount:          d(amount),
		TxHash:          tx,
		TnCAccepted:     true,
		InvestorAddress: from,
	}
	if tr == pool.TrancheCatalyst {
		all := consent.All()
		req.CatalystConsents = &all
	}
	return req
}

func requireCode(t *testing.T, err error, code Code) {
	t.Helper()
	r, ok := AsRejection(err)
	require.True(t, ok, "expected rejection %s, got %v", code, err)
	assert.Equal(t, code, r.Code)
}

func TestConfirm_RecordsAndCredits(t *testing.T) {
	f := newFixture(t, 1)
	tx := f.pay(t, investor, collector, "200")

	c, replayed, err := f.svc.Confirm(context.Background(), request(tx, investor, pool.TranchePriority, "200"))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEmpty(t, c.ID)
	assert.True(t, c.TrancheFunded.Equal(d("200")))
	assert.Equal(t, pool.StatusOpen, c.PoolStatus)
	assert.Nil(t, c.CatalystConsents)

	p, err := f.store.GetPool(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.True(t, p.Priority.Funded.Equal(d("200")))
	assert.True(t, p.Catalyst.Funded.IsZero())
}

func TestConfirm_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	tx := f.pay(t, investor, collector, "200")
	req := request(tx, investor, pool.TranchePriority, "200")

	first, _, err := f.svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	second, replayed, err := f.svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	p, err := f.store.GetPool(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.True(t, p.Priority.Funded.Equal(d("200")), "funded=%s", p.Priority.Funded)
}

func TestConfirm_ConcurrentSameTxCreditsOnce(t *testing.T) {
	f := newFixture(t, 1)
	tx := f.pay(t, investor, collector, "300")
	req := request(tx, investor, pool.TranchePriority, "300")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, replayed, err := f.svc.Confirm(context.Background(), req)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[c.ID] = true
			if !replayed {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	p, err := f.store.GetPool(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.True(t, p.Priority.Funded.Equal(d("300")), "funded=%s", p.Priority.Funded)
}

// confirmConcurrently has n distinct investors each transfer amount, then confirms all n
// transfers at once. It returns how many were recorded and the rejection codes of the rest.
func confirmConcurrently(t *testing.T, f *fixture, n int, amount string) (int, map[Code]int) {
	t.Helper()
	reqs := make([]ConfirmRequest, n)
	for i := range reqs {
		from := ledger.Address(fmt.Sprintf("0x%040x", 0x1000+i))
		f.ledger.Mint(from, d(amount))
		reqs[i] = request(f.pay(t, from, collector, amount), from, pool.TranchePriority, amount)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		won   int
		codes = map[Code]int{}
	)
	for _, req := range reqs {
		wg.Add(1)
		go func(req ConfirmRequest) {
			defer wg.Done()
			_, _, err := f.svc.Confirm(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
				return
			}
			r, ok := AsRejection(err)
			if assert.True(t, ok, "unexpected error: %v", err) {
				codes[r.Code]++
			}
		}(req)
	}
	wg.Wait()
	return won, codes
}

func TestConfirm_ConcurrentCommitmentsNeverOvercommit(t *testing.T) {
	f := newFixture(t, 1)

	// 8 x 300 against a 1000 target: only three fit.
	won, codes := confirmConcurrently(t, f, 8, "300")
	assert.Equal(t, 3, won)
	assert.Equal(t, map[Code]int{CodeCapacityExceeded: 5}, codes)

	p, err := f.store.GetPool(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.True(t, p.Priority.Funded.Equal(d("900")), "funded=%s", p.Priority.Funded)
	assert.True(t, p.Priority.Funded.LessThanOrEqual(p.Priority.Target))
}

func TestConfirm_TxReusedForDifferentCommitment(t *testing.T) {
	f := newFixture(t, 1)
	tx := f.pay(t, investor, collector, "200")
	_, _, err := f.svc.Confirm(context.Background(), request(tx, investor, pool.TranchePriority, "200"))
	require.NoError(t, err)

	_, _, err = f.svc.Confirm(context.Background(), request(tx, investor, pool.TrancheCatalyst, "200"))
	requireCode(t, err, CodeTxAlreadyUsed)
}

func TestConfirm_CapacityRaceRejectsLoser(t *testing.T) {
	f := newFixture(t, 1)
	// Both transfers were valid against the empty tranche (max 900).
	tx1 := f.pay(t, investor, collector, "600")
	tx2 := f.pay(t, investor2, collector, "600")

	_, _, err := f.svc.Confirm(context.Background(), request(tx1, investor, pool.TranchePriority, "600"))
	require.NoError(t, err)

	_, _, err = f.svc.Confirm(context.Background(), request(tx2, investor2, pool.TranchePriority, "600"))
	requireCode(t, err, CodeCapacityExceeded)

	p, err := f.store.GetPool(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.True(t, p.Priority.Funded.Equal(d("600")))
}

func TestConfirm_BandMovedIsLimitsChanged(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	// Remaining 150 is under the 200 floor, so only the whole 150 is acceptable now.
	p, err := f.store.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	p.Priority.Target = d("2000")
	p.Priority.Funded = d("1850")
	require.NoError(t, f.store.PutPool(ctx, p))

	tx := f.pay(t, investor, collector, "50")
	_, _, err = f.svc.Confirm(ctx, request(tx, investor, pool.TranchePriority, "50"))
	requireCode(t, err, CodeLimitsChanged)
}

func TestConfirm_LastSliceFillsPool(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	p, err := f.store.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	p.Priority.Funded = d("1000")
	p.Catalyst.Funded = d("950")
	require.NoError(t, f.store.PutPool(ctx, p))

	tx := f.pay(t, investor, collector, "50")
	c, _, err := f.svc.Confirm(ctx, request(tx, investor, pool.TrancheCatalyst, "50"))
	require.NoError(t, err)
	assert.Equal(t, pool.StatusFilled, c.PoolStatus)
	require.NotNil(t, c.CatalystConsents)
	assert.Equal(t, consent.All(), *c.CatalystConsents)
}

func TestConfirm_VerificationMismatch(t *testing.T) {
	f := newFixture(t, 1)

	wrongRecipient := f.pay(t, investor, stranger, "200")
	_, _, err := f.svc.Confirm(context.Background(), request(wrongRecipient, investor, pool.TranchePriority, "200"))
	requireCode(t, err, CodeVerificationMismatch)

	wrongAmount := f.pay(t, investor, collector, "150")
	_, _, err = f.svc.Confirm(context.Background(), request(wrongAmount, investor, pool.TranchePriority, "200"))
	requireCode(t, err, CodeVerificationMismatch)

	wrongSender := f.pay(t, investor2, collector, "200")
	_, _, err = f.svc.Confirm(context.Background(), request(wrongSender, investor, pool.TranchePriority, "200"))
	requireCode(t, err, CodeVerificationMismatch)

	p, err := f.store.GetPool(context.Background(), "pool-1")
	require.NoError(t, err)
	assert.True(t, p.Priority.Funded.IsZero())
}

func TestConfirm_NotFinalAndNotFound(t *testing.T) {
	f := newFixture(t, 5)
	tx := f.pay(t, investor, collector, "200")

	_, _, err := f.svc.Confirm(context.Background(), request(tx, investor, pool.TranchePriority, "200"))
	requireCode(t, err, CodeTxNotFinal)
	r, _ := AsRejection(err)
	assert.True(t, r.Code.Resubmittable())

	// Once deep enough the same request goes through.
	f.ledger.Mine(4)
	_, _, err = f.svc.Confirm(context.Background(), request(tx, investor, pool.TranchePriority, "200"))
	require.NoError(t, err)

	missing := ledger.TxRef("0x" + strings.Repeat("ab", 32))
	_, _, err = f.svc.Confirm(context.Background(), request(missing, investor, pool.TranchePriority, "200"))
	requireCode(t, err, CodeTxNotFound)
}

func TestConfirm_ConsentsRequiredForCatalyst(t *testing.T) {
	f := newFixture(t, 1)
	tx := f.pay(t, investor, collector, "200")

	req := request(tx, investor, pool.TrancheCatalyst, "200")
	req.CatalystConsents = &consent.Consents{LossPriority: true, NonDeposit: true}
	_, _, err := f.svc.Confirm(context.Background(), req)
	requireCode(t, err, CodeInvalidConsents)
	r, _ := AsRejection(err)
	assert.Contains(t, r.Detail, "full_capital_loss")

	req = request(tx, investor, pool.TranchePriority, "200")
	req.TnCAccepted = false
	_, _, err = f.svc.Confirm(context.Background(), req)
	requireCode(t, err, CodeInvalidConsents)

	// Priority ignores catalyst flags entirely.
	req = request(tx, investor, pool.TranchePriority, "200")
	req.CatalystConsents = &consent.Consents{}
	_, _, err = f.svc.Confirm(context.Background(), req)
	require.NoError(t, err)
}

func TestConfirm_PoolState(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	tx := f.pay(t, investor, collector, "200")

	req := request(tx, investor, pool.TranchePriority, "200")
	req.PoolID = "pool-404"
	_, _, err := f.svc.Confirm(ctx, req)
	requireCode(t, err, CodePoolNotFound)

	p, err := f.store.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	p.Status = pool.StatusDisbursed
	require.NoError(t, f.store.PutPool(ctx, p))
	_, _, err = f.svc.Confirm(ctx, request(tx, investor, pool.TranchePriority, "200"))
	requireCode(t, err, CodePoolNotOpen)
}

func TestConfirm_LedgerUnavailable(t *testing.T) {
	f := newFixture(t, 1)
	tx := f.pay(t, investor, collector, "200")
	f.ledger.SetOffline(true)

	_, _, err := f.svc.Confirm(context.Background(), request(tx, investor, pool.TranchePriority, "200"))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, isRejection := AsRejection(err)
	assert.False(t, isRejection)
}

func TestConfirm_CallerGivingUpIsNotTxNotFound(t *testing.T) {
	f := newFixture(t, 1)
	missing := ledger.TxRef("0x" + strings.Repeat("cd", 32))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, _, err := f.svc.Confirm(ctx, request(missing, investor, pool.TranchePriority, "200"))
	assert.ErrorIs(t, err, ErrUnavailable)
	_, isRejection := AsRejection(err)
	assert.False(t, isRejection)
}

func TestConfirm_RejectsMalformed(t *testing.T) {
	f := newFixture(t, 1)
	tx := f.pay(t, investor, collector, "200")

	cases := map[string]func(*ConfirmRequest){
		"zero amount":     func(r *ConfirmRequest) { r.Amount = decimal.Zero },
		"bad tranche":     func(r *ConfirmRequest) { r.Tranche = "mezzanine" },
		"no investor":     func(r *ConfirmRequest) { r.InvestorAddress = "" },
		"too many places": func(r *ConfirmRequest) { r.Amount = d("200.0000001") },
		"missing tx":      func(r *ConfirmRequest) { r.TxHash = "" },
		"missing pool id": func(r *ConfirmRequest) { r.PoolID = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := request(tx, investor, pool.TranchePriority, "200")
			mutate(&req)
			_, _, err := f.svc.Confirm(context.Background(), req)
			requireCode(t, err, CodeInvalidRequest)
		})
	}
}

func TestService_Limits(t *testing.T) {
	f := newFixture(t, 1)
	l, err := f.svc.Limits(context.Background(), "pool-1", pool.TrancheCatalyst)
	require.NoError(t, err)
	assert.True(t, l.Min.Equal(d("100")))
	assert.True(t, l.Max.Equal(d("900")))

	_, err = f.svc.Limits(context.Background(), "nope", pool.TrancheCatalyst)
	assert.ErrorIs(t, err, pool.ErrPoolNotFound)
}

package commitment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/observability"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/settlement"
	"github.com/MaulRai/vessel/pkg/tranche"
)

// Wallet is the investor's session: the address funds leave from and a signer for it.
type Wallet struct {
	Investor ledger.Address
	Signer   ledger.Writer
}

// Backend records verified commitments. settlement.Client and settlement.Local implement it.
type Backend interface {
	Confirm(ctx context.Context, req settlement.ConfirmRequest) (*settlement.Commitment, error)
}

type Config struct {
	Wallet     Wallet
	Ledger     *ledger.StateReader
	Pools      pool.Source
	Backend    Backend
	Gate       *consent.Gate
	Calculator *tranche.Calculator
	// Observability may be nil.
	Observability *observability.Provider
}

// Orchestrator runs commitment attempts for one wallet. It holds no per-attempt state;
// every Commit starts from a fresh State.
type Orchestrator struct {
	wallet    Wallet
	ledger    *ledger.StateReader
	pools     pool.Source
	backend   Backend
	gate      *consent.Gate
	calc      *tranche.Calculator
	obs       *observability.Provider
	observers []func(State)
	logger    *slog.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Wallet.Signer == nil || cfg.Ledger == nil || cfg.Pools == nil || cfg.Backend == nil ||
		cfg.Gate == nil || cfg.Calculator == nil {
		return nil, errors.New("commitment: signer, ledger, pools, backend, gate and calculator are required")
	}
	if !cfg.Wallet.Signer.Holder().Equal(cfg.Wallet.Investor) {
		return nil, fmt.Errorf("commitment: signer holds %s, not investor %s", cfg.Wallet.Signer.Holder(), cfg.Wallet.Investor)
	}
	return &Orchestrator{
		wallet:  cfg.Wallet,
		ledger:  cfg.Ledger,
		pools:   cfg.Pools,
		backend: cfg.Backend,
		gate:    cfg.Gate,
		calc:    cfg.Calculator,
		obs:     cfg.Observability,
		logger:  slog.Default().With("component", "commitment", "investor", cfg.Wallet.Investor),
	}, nil
}

// WithObserver registers fn to receive every state the attempt passes through.
func (o *Orchestrator) WithObserver(fn func(State)) *Orchestrator {
	o.observers = append(o.observers, fn)
	return o
}

func (o *Orchestrator) emit(s State) {
	for _, fn := range o.observers {
		fn(s)
	}
}

// Limits reads the pool and returns the band for a tranche.
func (o *Orchestrator) Limits(ctx context.Context, poolID string, t pool.Tranche) (tranche.Limits, error) {
	p, err := o.pools.Get(ctx, poolID)
	if err != nil {
		return tranche.Limits{}, err
	}
	ts, err := p.Tranche(t)
	if err != nil {
		return tranche.Limits{}, err
	}
	return o.calc.Limits(ts.Target, ts.Funded)
}

// NewForm opens the Input phase for a tranche using the cached ledger view.
func (o *Orchestrator) NewForm(ctx context.Context, poolID string, t pool.Tranche) (*Form, error) {
	p, err := o.pools.Get(ctx, poolID)
	if err != nil {
		return nil, err
	}
	view, ledgerErr := o.ledger.Snapshot(ctx, o.wallet.Investor)
	return NewForm(o.calc, o.gate, *p, view, ledgerErr, Draft{PoolID: poolID, Tranche: t}), nil
}

// Validate checks d against the freshest pool state and an authoritative ledger read.
// It returns the ledger state it validated against. Failures are *Failure of kind
// validation or ledger_unavailable and nothing external has been changed.
func (o *Orchestrator) Validate(ctx context.Context, d Draft) (ledger.State, error) {
	if !d.Tranche.Valid() {
		return ledger.State{}, validationFailure(fmt.Errorf("%w: %q", pool.ErrUnknownTranche, d.Tranche))
	}
	if err := o.gate.Check(d.Tranche, d.Consents); err != nil {
		return ledger.State{}, validationFailure(err)
	}

	p, err := o.pools.Get(ctx, d.PoolID)
	if err != nil {
		return ledger.State{}, &Failure{Kind: KindBackendUnavailable, Reason: "pool_unavailable", Remedy: RemedyRetryFromInput, Err: err}
	}
	if p.Status != pool.StatusOpen {
		return ledger.State{}, &Failure{Kind: KindValidation, Reason: string(settlement.CodePoolNotOpen), Remedy: RemedyFixInput,
			Err: fmt.Errorf("pool %s is %s", p.ID, p.Status)}
	}
	ts, err := p.Tranche(d.Tranche)
	if err != nil {
		return ledger.State{}, validationFailure(err)
	}

	state, err := o.ledger.Refresh(ctx, o.wallet.Investor)
	if err != nil {
		return ledger.State{}, ledgerFailure(PhaseInput, err)
	}
	_, err = o.calc.Validate(tranche.Request{
		Amount:  d.Amount,
		Target:  ts.Target,
		Funded:  ts.Funded,
		Balance: &state.Balance,
	})
	if err != nil {
		return state, validationFailure(err)
	}
	return state, nil
}

// Commit runs one attempt to completion. The returned State is always meaningful; the
// error is the attempt's *Failure, if any. Input validation failures leave the state in
// Input. Nothing is retried automatically once Approving has started.
func (o *Orchestrator) Commit(ctx context.Context, d Draft) (State, error) {
	d.Amount = ledger.Truncate(d.Amount, o.ledger.Token().Decimals)
	st := NewState(d)
	logger := o.logger.With("pool_id", d.PoolID, "tranche", d.Tranche, "amount", d.Amount)

	view, err := o.Validate(ctx, d)
	if err != nil {
		f, _ := AsFailure(err)
		st.Failure = f
		logger.InfoContext(ctx, "commitment blocked before submission", "reason", f.Reason)
		o.obs.RecordOutcome(ctx, f.Reason, observability.CommitmentAttrs(d.PoolID, string(d.Tranche))...)
		return st, err
	}

	skip := view.Covers(d.Amount)
	st = o.step(st, Submit{SkipApproval: skip})
	if skip {
		logger.InfoContext(ctx, "existing allowance covers amount, skipping approval", "allowance", view.Allowance)
	} else {
		st = o.approve(ctx, st)
	}
	if st.Phase == PhaseTransferring {
		st = o.transfer(ctx, st)
	}
	if st.Phase == PhaseConfirming {
		st = o.confirm(ctx, st)
	}
	return o.finish(ctx, st)
}

// RetryConfirmation resubmits the confirmation of a failed attempt with the same transfer.
// It never transfers again.
func (o *Orchestrator) RetryConfirmation(ctx context.Context, st State) (State, error) {
	next, err := st.Apply(RetryConfirmation{})
	if err != nil {
		return st, err
	}
	o.emit(next)
	return o.finish(ctx, o.confirm(ctx, next))
}

func (o *Orchestrator) finish(ctx context.Context, st State) (State, error) {
	attrs := observability.CommitmentAttrs(st.Draft.PoolID, string(st.Draft.Tranche))
	if st.Phase == PhaseSuccess {
		o.obs.RecordOutcome(ctx, "success", attrs...)
		return st, nil
	}
	o.obs.RecordOutcome(ctx, st.Failure.Reason, attrs...)
	return st, st.Failure
}

func (o *Orchestrator) step(st State, e Event) State {
	next, err := st.Apply(e)
	if err != nil {
		panic(err)
	}
	o.emit(next)
	return next
}

func (o *Orchestrator) approve(ctx context.Context, st State) State {
	ctx, done := o.obs.TrackOperation(ctx, "commitment.approve", o.attrs(st)...)
	amount := st.Draft.Amount
	collector := o.ledger.Collector()

	tx, err := o.wallet.Signer.Approve(ctx, collector, amount)
	if err != nil {
		done(err)
		return o.step(st, ApprovalFailed{Failure: ledgerFailure(PhaseApproving, err)})
	}

	// Approve returns once mined; re-read the allowance actually granted.
	o.ledger.Invalidate(ctx, o.wallet.Investor)
	view, err := o.ledger.Refresh(ctx, o.wallet.Investor)
	if err != nil {
		done(err)
		return o.step(st, ApprovalFailed{Failure: ledgerFailure(PhaseApproving, err)})
	}
	if !view.Covers(amount) {
		err := fmt.Errorf("allowance %s after approval %s is below %s", view.Allowance, tx, amount)
		done(err)
		return o.step(st, ApprovalFailed{Failure: &Failure{
			Kind: KindLedgerRejection, Reason: ReasonApprovalFailed, Remedy: RemedyRetryFromInput, Err: err,
		}})
	}
	done(nil)
	o.logger.InfoContext(ctx, "allowance granted", "tx_hash", tx, "allowance", view.Allowance)
	return o.step(st, ApprovalGranted{Tx: tx})
}

func (o *Orchestrator) transfer(ctx context.Context, st State) State {
	ctx, done := o.obs.TrackOperation(ctx, "commitment.transfer", o.attrs(st)...)
	tx, err := o.wallet.Signer.Transfer(ctx, o.ledger.Collector(), st.Draft.Amount)
	done(err)
	if err != nil {
		f := transferFailure(tx, err)
		if f.Remedy == RemedyContactSupport {
			o.logger.WarnContext(ctx, "transfer outcome unknown", "tx_hash", tx, "error", err)
		}
		return o.step(st, TransferFailed{Failure: f})
	}
	o.ledger.Invalidate(ctx, o.wallet.Investor)
	o.logger.InfoContext(ctx, "transfer accepted", "tx_hash", tx)
	return o.step(st, TransferAccepted{Tx: tx})
}

func (o *Orchestrator) confirm(ctx context.Context, st State) State {
	ctx, done := o.obs.TrackOperation(ctx, "commitment.confirm", o.attrs(st)...)
	req := settlement.ConfirmRequest{
		PoolID:          st.Draft.PoolID,
		Tranche:         st.Draft.Tranche,
		Amount:          st.Draft.Amount,
		TxHash:          st.TransferTx,
		TnCAccepted:     true,
		InvestorAddress: o.wallet.Investor,
	}
	if st.Draft.Tranche == pool.TrancheCatalyst {
		c := st.Draft.Consents
		req.CatalystConsents = &c
	}

	record, err := o.backend.Confirm(ctx, req)
	if err == nil && record == nil {
		err = fmt.Errorf("%w: empty confirmation", settlement.ErrUnavailable)
	}
	done(err)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = errors.Join(cerr, err)
		}
		f := backendFailure(st.TransferTx, err)
		o.logger.WarnContext(ctx, "confirmation failed after transfer",
			"tx_hash", st.TransferTx, "reason", f.Reason, "remedy", f.Remedy, "error", err)
		return o.step(st, ConfirmFailed{Failure: f})
	}
	o.logger.InfoContext(ctx, "commitment recorded", "tx_hash", st.TransferTx, "commitment_id", record.ID)
	return o.step(st, Confirmed{Record: record})
}

func (o *Orchestrator) attrs(st State) []attribute.KeyValue {
	attrs := append(observability.CommitmentAttrs(st.Draft.PoolID, string(st.Draft.Tranche)),
		observability.AttrPhase.String(string(st.Phase)))
	if st.TransferTx != "" {
		attrs = append(attrs, observability.AttrTxHash.String(st.TransferTx.String()))
	}
	return attrs
}

package commitment

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/tranche"
)

// Blocker is one reason the commit action is disabled.
type Blocker struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Form is the Input phase: it holds the pool and ledger view the investor sees and
// re-evaluates submittability on every change. The view may be stale; the orchestrator
// re-reads both before moving funds.
type Form struct {
	calc *tranche.Calculator
	gate *consent.Gate

	pool      pool.Pool
	ledger    ledger.State
	ledgerErr error

	state    State
	limits   tranche.Limits
	blockers []Blocker
}

// NewForm builds a form for d over a pool and ledger view. ledgerErr records a failed
// ledger read: entry stays possible but submission is blocked.
func NewForm(calc *tranche.Calculator, gate *consent.Gate, p pool.Pool, view ledger.State, ledgerErr error, d Draft) *Form {
	d.PoolID = p.ID
	f := &Form{calc: calc, gate: gate, pool: p, ledger: view, ledgerErr: ledgerErr, state: NewState(d)}
	f.evaluate()
	return f
}

func (f *Form) SetAmount(amount decimal.Decimal) {
	f.state, _ = f.state.Apply(AmountChanged{Amount: amount})
	f.evaluate()
}

func (f *Form) SetConsents(c consent.Consents) {
	f.state, _ = f.state.Apply(ConsentsChanged{Consents: c})
	f.evaluate()
}

// Cancel clears the entered amount and consents.
func (f *Form) Cancel() {
	f.state, _ = f.state.Apply(Cancel{})
	f.evaluate()
}

func (f *Form) Draft() Draft { return f.state.Draft }

// Limits is the band computed from the form's pool view. It is zero for a closed tranche.
func (f *Form) Limits() tranche.Limits { return f.limits }

func (f *Form) Ledger() (ledger.State, error) { return f.ledger, f.ledgerErr }

// MissingConsents lists the acknowledgements the tranche still needs.
func (f *Form) MissingConsents() []consent.Acknowledgement {
	return f.gate.Missing(f.state.Draft.Tranche, f.state.Draft.Consents)
}

func (f *Form) Blockers() []Blocker { return f.blockers }

func (f *Form) CanSubmit() bool { return len(f.blockers) == 0 }

func (f *Form) evaluate() {
	d := f.state.Draft
	f.blockers = nil

	if f.pool.Status != pool.StatusOpen {
		f.block("pool_not_open", "pool is "+string(f.pool.Status))
	}

	ts, err := f.pool.Tranche(d.Tranche)
	if err != nil {
		f.limits = tranche.Limits{}
		f.block("invalid_tranche", err.Error())
		return
	}

	req := tranche.Request{Amount: d.Amount, Target: ts.Target, Funded: ts.Funded}
	if f.ledgerErr == nil {
		req.Balance = &f.ledger.Balance
	}
	f.limits, _ = f.calc.Limits(ts.Target, ts.Funded)
	if _, err := f.calc.Validate(req); err != nil {
		f.blockValidation(err)
	}

	if missing := f.MissingConsents(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = string(m)
		}
		f.block(string(tranche.BoundConsentRequired), strings.Join(names, ", "))
	}

	if f.ledgerErr != nil {
		f.block(ReasonLedgerUnavailable, f.ledgerErr.Error())
	}
}

func (f *Form) blockValidation(err error) {
	if ve, ok := tranche.AsValidationError(err); ok {
		f.block(string(ve.Bound), ve.Error())
		return
	}
	f.block("invalid_input", err.Error())
}

func (f *Form) block(reason, detail string) {
	f.blockers = append(f.blockers, Blocker{Reason: reason, Detail: detail})
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MaulRai/vessel/pkg/commitment"
	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/ledger/mock"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/settlement"
	"github.com/MaulRai/vessel/pkg/tranche"
)

const (
	demoInvestor  ledger.Address = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	demoCollector ledger.Address = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	demoPoolID                   = "demo-pool"
)

var demoToken = ledger.Token{Address: "0x5FbDB2315678afecb367f032d93F642f64180aa3", Symbol: "IDRX", Decimals: 6}

// backendFunc adapts a function to commitment.Backend.
type backendFunc func(ctx context.Context, req settlement.ConfirmRequest) (*settlement.Commitment, error)

func (f backendFunc) Confirm(ctx context.Context, req settlement.ConfirmRequest) (*settlement.Commitment, error) {
	return f(ctx, req)
}

// runDemoCmd runs one commitment against an in-memory ledger and backend.
func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		f       commitFlags
		race    bool
		verbose bool
	)
	f.register(cmd)
	cmd.BoolVar(&race, "race", false, "Fill the tranche from another investor while the transfer is in flight")
	cmd.BoolVar(&verbose, "v", false, "Log ledger and backend activity")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if f.poolID == "" {
		f.poolID = demoPoolID
	}
	if f.tranche == "" {
		f.tranche = string(pool.TranchePriority)
	}
	if f.amount == "" {
		f.amount = "120000"
	}
	d, err := f.draft()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	ctx := context.Background()
	o, store, err := demoOrchestrator(ctx, race)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	code := commitWithForm(ctx, o, d, demoToken.Symbol, demoToken.Decimals, stdout)

	if p, err := store.GetPool(ctx, demoPoolID); err == nil {
		ts, _ := p.Tranche(d.Tranche)
		_, _ = fmt.Fprintf(stdout, "%sPool %s %s tranche: %s of %s funded%s\n", ColorGray, p.ID, d.Tranche,
			formatAmount(ts.Funded, demoToken.Decimals), formatAmount(ts.Target, demoToken.Decimals), ColorReset)
	}
	return code
}

func demoOrchestrator(ctx context.Context, race bool) (*commitment.Orchestrator, settlement.Store, error) {
	l := mock.New(demoToken)
	l.Mint(demoInvestor, decimal.NewFromInt(1_000_000))

	store := settlement.NewMemoryStore()
	err := store.PutPool(ctx, &pool.Pool{
		ID:     demoPoolID,
		Status: pool.StatusOpen,
		Priority: pool.TrancheState{
			Target: decimal.NewFromInt(1_000_000), Funded: decimal.NewFromInt(850_000), Rate: decimal.RequireFromString("0.12"),
		},
		Catalyst: pool.TrancheState{
			Target: decimal.NewFromInt(500_000), Rate: decimal.RequireFromString("0.20"),
		},
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, nil, err
	}

	calc := tranche.MustCalculator(tranche.DefaultPolicy())
	gate := consent.MustGate(consent.DefaultPolicy())
	svc, err := settlement.NewService(settlement.ServiceConfig{
		Store:            store,
		Calculator:       calc,
		Gate:             gate,
		Verifier:         l,
		Token:            demoToken,
		Collector:        demoCollector,
		MinConfirmations: 1,
		ConfirmTimeout:   5 * time.Second,
		PollInterval:     10 * time.Millisecond,
	})
	if err != nil {
		return nil, nil, err
	}
	local := settlement.Local{Service: svc}

	var backend commitment.Backend = local
	if race {
		backend = backendFunc(func(ctx context.Context, req settlement.ConfirmRequest) (*settlement.Commitment, error) {
			p, err := store.GetPool(ctx, req.PoolID)
			if err != nil {
				return nil, err
			}
			if err := fillTranche(ctx, store, p, req.Tranche); err != nil {
				return nil, err
			}
			return local.Confirm(ctx, req)
		})
	}

	o, err := commitment.New(commitment.Config{
		Wallet:     commitment.Wallet{Investor: demoInvestor, Signer: l.Signer(demoInvestor)},
		Ledger:     ledger.NewStateReader(l, demoCollector, ledger.NewMemoryCache(), time.Minute),
		Pools:      local,
		Backend:    backend,
		Gate:       gate,
		Calculator: calc,
	})
	if err != nil {
		return nil, nil, err
	}
	return o, store, nil
}

// fillTranche leaves a single unit of capacity in t, as if another investor committed first.
func fillTranche(ctx context.Context, store settlement.Store, p *pool.Pool, t pool.Tranche) error {
	ts, err := p.Tranche(t)
	if err != nil {
		return err
	}
	funded := ts.Target.Sub(decimal.NewFromInt(1))
	switch t {
	case pool.TranchePriority:
		p.Priority.Funded = funded
	case pool.TrancheCatalyst:
		p.Catalyst.Funded = funded
	}
	return store.PutPool(ctx, p)
}

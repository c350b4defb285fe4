package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/big"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/MaulRai/vessel/pkg/commitment"
	"github.com/MaulRai/vessel/pkg/config"
	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/ledger/evm"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/settlement"
)

// commitFlags are shared by commit and confirm.
type commitFlags struct {
	backendURL string
	poolID     string
	tranche    string
	amount     string
	consents   string
}

func (f *commitFlags) register(cmd *flag.FlagSet) {
	cmd.StringVar(&f.backendURL, "backend", "", "Settlement backend URL (default $BACKEND_URL)")
	cmd.StringVar(&f.poolID, "pool", "", "Pool ID")
	cmd.StringVar(&f.tranche, "tranche", "", "priority or catalyst")
	cmd.StringVar(&f.amount, "amount", "", "Amount in token units, e.g. 150000.50")
	cmd.StringVar(&f.consents, "consent", "", "Comma-separated acknowledgements, or \"all\"")
}

func (f *commitFlags) draft() (commitment.Draft, error) {
	if f.poolID == "" || f.tranche == "" || f.amount == "" {
		return commitment.Draft{}, errors.New("--pool, --tranche and --amount are required")
	}
	t, err := pool.ParseTranche(f.tranche)
	if err != nil {
		return commitment.Draft{}, err
	}
	amount, err := decimal.NewFromString(f.amount)
	if err != nil {
		return commitment.Draft{}, fmt.Errorf("invalid amount %q: %w", f.amount, err)
	}
	c, err := parseConsents(f.consents)
	if err != nil {
		return commitment.Draft{}, err
	}
	return commitment.Draft{PoolID: f.poolID, Tranche: t, Amount: amount, Consents: c}, nil
}

// parseConsents reads "all" or a comma-separated list of acknowledgement names.
func parseConsents(s string) (consent.Consents, error) {
	var c consent.Consents
	s = strings.TrimSpace(s)
	if s == "" {
		return c, nil
	}
	if strings.EqualFold(s, "all") {
		return consent.All(), nil
	}
	for _, name := range strings.Split(s, ",") {
		switch consent.Acknowledgement(strings.TrimSpace(name)) {
		case consent.AckLossPriority:
			c.LossPriority = true
		case consent.AckFullCapitalLoss:
			c.FullCapitalLoss = true
		case consent.AckNonDeposit:
			c.NonDeposit = true
		default:
			return c, fmt.Errorf("unknown acknowledgement %q", name)
		}
	}
	return c, nil
}

func runCommitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("commit", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var f commitFlags
	f.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	d, err := f.draft()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		cmd.Usage()
		return 2
	}

	cfg, err := loadConfig(stderr, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if f.backendURL == "" {
		f.backendURL = cfg.BackendURL
	}
	if cfg.InvestorKey == "" || cfg.TokenAddress == "" || cfg.CollectorAddress == "" {
		_, _ = fmt.Fprintln(stderr, "Error: INVESTOR_PRIVATE_KEY, TOKEN_ADDRESS and COLLECTOR_ADDRESS are required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, symbol, places, err := evmOrchestrator(ctx, cfg, f.backendURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return commitWithForm(ctx, o, d, symbol, places, stdout)
}

func evmOrchestrator(ctx context.Context, cfg *config.Config, backendURL string) (*commitment.Orchestrator, string, int32, error) {
	token, err := evm.Dial(ctx, cfg.LedgerRPCURL, cfg.TokenAddress)
	if err != nil {
		return nil, "", 0, fmt.Errorf("ledger: %w", err)
	}
	signer, err := token.SignerFromHex(cfg.InvestorKey, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, "", 0, err
	}
	calc, gate, err := loadPolicy(cfg)
	if err != nil {
		return nil, "", 0, err
	}

	reader := ledger.NewStateReader(token, ledger.Address(cfg.CollectorAddress), ledgerCache(ctx, cfg), cfg.LedgerCacheTTL)
	obs, err := newObservability(ctx, cfg)
	if err != nil {
		return nil, "", 0, err
	}
	o, err := commitment.New(commitment.Config{
		Wallet:        commitment.Wallet{Investor: signer.Holder(), Signer: signer},
		Ledger:        reader,
		Pools:         pool.NewClient(backendURL),
		Backend:       settlement.NewClient(backendURL, settlement.WithMaxTries(cfg.ConfirmMaxRetries)),
		Gate:          gate,
		Calculator:    calc,
		Observability: obs,
	})
	if err != nil {
		return nil, "", 0, err
	}
	return o, token.Token().Symbol, token.Token().Decimals, nil
}

// ledgerCache uses Redis when configured and reachable, memory otherwise.
func ledgerCache(ctx context.Context, cfg *config.Config) ledger.Cache {
	if cfg.RedisAddr == "" {
		return ledger.NewMemoryCache()
	}
	rc := ledger.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := rc.Ping(ctx); err != nil {
		log.Printf("[vessel] redis: %v, using in-memory ledger cache", err)
		_ = rc.Close()
		return ledger.NewMemoryCache()
	}
	log.Printf("[vessel] redis: connected to %s", cfg.RedisAddr)
	return rc
}

// commitWithForm shows the band and blockers for d, then runs the attempt if nothing
// blocks it.
func commitWithForm(ctx context.Context, o *commitment.Orchestrator, d commitment.Draft, symbol string, places int32, stdout io.Writer) int {
	form, err := o.NewForm(ctx, d.PoolID, d.Tranche)
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "%s✗ %v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	form.SetConsents(d.Consents)
	form.SetAmount(d.Amount)

	_, _ = fmt.Fprintf(stdout, "%s%s / %s%s\n", ColorBold, d.PoolID, d.Tranche, ColorReset)
	printLimits(stdout, form.Limits(), symbol, places)
	if view, err := form.Ledger(); err == nil {
		_, _ = fmt.Fprintf(stdout, "  Balance:   %s\n", money(view.Balance, places, symbol))
	}
	if !form.CanSubmit() {
		for _, b := range form.Blockers() {
			_, _ = fmt.Fprintf(stdout, "%s✗ %s%s: %s\n", ColorRed, b.Reason, ColorReset, b.Detail)
		}
		return 1
	}

	st, err := o.WithObserver(phasePrinter(stdout)).Commit(ctx, form.Draft())
	if err != nil {
		if f, ok := commitment.AsFailure(err); ok {
			printFailure(stdout, f)
		} else {
			_, _ = fmt.Fprintf(stdout, "%s✗ %v%s\n", ColorRed, err, ColorReset)
		}
		return 1
	}
	printRecord(stdout, st.Record, symbol, places)
	return 0
}

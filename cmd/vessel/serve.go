package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MaulRai/vessel/pkg/api"
	"github.com/MaulRai/vessel/pkg/config"
	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/ledger/evm"
	"github.com/MaulRai/vessel/pkg/observability"
	"github.com/MaulRai/vessel/pkg/settlement"
	"github.com/MaulRai/vessel/pkg/tranche"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		seedPath string
		addr     string
	)
	cmd.StringVar(&seedPath, "seed", "", "YAML file of pools to create if missing")
	cmd.StringVar(&addr, "addr", "", "Listen address (default :$PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(stderr, true)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if addr == "" {
		addr = ":" + cfg.Port
	}
	if cfg.TokenAddress == "" || cfg.CollectorAddress == "" {
		_, _ = fmt.Fprintln(stderr, "Error: TOKEN_ADDRESS and COLLECTOR_ADDRESS are required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(stdout, "%sVessel backend starting...%s\n", ColorBold+ColorBlue, ColorReset)
	if err := serve(ctx, cfg, addr, seedPath); err != nil {
		log.Printf("[vessel] serve: %v", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, addr, seedPath string) error {
	obs, err := newObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if seedPath != "" {
		if err := seedPools(ctx, store, seedPath); err != nil {
			return err
		}
	}

	token, err := evm.Dial(ctx, cfg.LedgerRPCURL, cfg.TokenAddress)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	log.Printf("[vessel] ledger: %s (%d decimals) at %s", token.Token().Symbol, token.Token().Decimals, cfg.LedgerRPCURL)

	calc, gate, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	svc, err := settlement.NewService(settlement.ServiceConfig{
		Store:            store,
		Calculator:       calc,
		Gate:             gate,
		Verifier:         token,
		Token:            token.Token(),
		Collector:        ledger.Address(cfg.CollectorAddress),
		MinConfirmations: cfg.MinConfirmations,
		ConfirmTimeout:   cfg.ConfirmTimeout,
		PollInterval:     cfg.ConfirmPollInterval,
		Observability:    obs,
	})
	if err != nil {
		return err
	}
	handler, err := settlement.NewHandler(svc)
	if err != nil {
		return err
	}

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(limiter),
		ReadHeaderTimeout: 10 * time.Second,
		// Confirm may wait for confirmations.
		WriteTimeout: cfg.ConfirmTimeout + 30*time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[vessel] settlement api: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Println("[vessel] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func loadPolicy(cfg *config.Config) (*tranche.Calculator, *consent.Gate, error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, nil, err
	}
	calc, err := tranche.NewCalculator(policy.Limits)
	if err != nil {
		return nil, nil, err
	}
	gate, err := consent.NewGate(policy.Consent)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("[vessel] policy: %s (floor %s, ceiling %s)", policy.Name, policy.Limits.FloorRatio, policy.Limits.CeilingRatio)
	return calc, gate, nil
}

func newObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	oc := observability.DefaultConfig()
	oc.Enabled = cfg.OTelEnabled
	oc.OTLPEndpoint = cfg.OTelEndpoint
	oc.Insecure = cfg.OTelInsecure
	oc.Environment = cfg.Environment
	obs, err := observability.New(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	return obs, nil
}

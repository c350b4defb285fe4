package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/MaulRai/vessel/pkg/ledger"
	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/settlement"
)

// runConfirmCmd reconciles a transfer whose confirmation did not complete. It never
// moves funds: it looks the transaction up and resubmits the confirmation if needed.
func runConfirmCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("confirm", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		f        commitFlags
		tx       string
		investor string
		decimals int
	)
	f.register(cmd)
	cmd.StringVar(&tx, "tx", "", "Transfer transaction hash (REQUIRED)")
	cmd.StringVar(&investor, "investor", "", "Investor address the transfer was sent from")
	cmd.IntVar(&decimals, "decimals", 6, "Token decimals for display")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tx == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --tx is required")
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
	client := settlement.NewClient(f.backendURL, settlement.WithMaxTries(cfg.ConfirmMaxRetries))
	places := int32(decimals)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+time.Minute)
	defer cancel()

	existing, err := client.Lookup(ctx, ledger.TxRef(tx))
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(stdout, "%sAlready recorded.%s\n", ColorGray, ColorReset)
		printRecord(stdout, existing, "", places)
		return 0
	case !errors.Is(err, settlement.ErrCommitmentNotFound):
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	d, err := f.draft()
	if err != nil || investor == "" {
		_, _ = fmt.Fprintln(stderr, "Error: transaction not recorded; --pool, --tranche, --amount and --investor are required to confirm it")
		return 2
	}
	req := settlement.ConfirmRequest{
		PoolID:          d.PoolID,
		Tranche:         d.Tranche,
		Amount:          d.Amount,
		TxHash:          ledger.TxRef(tx),
		TnCAccepted:     true,
		InvestorAddress: ledger.Address(investor),
	}
	if d.Tranche == pool.TrancheCatalyst {
		c := d.Consents
		req.CatalystConsents = &c
	}

	record, err := client.Confirm(ctx, req)
	if err != nil {
		if r, ok := settlement.AsRejection(err); ok {
			_, _ = fmt.Fprintf(stdout, "%s✗ %s%s: %s\n", ColorBold+ColorRed, r.Code, ColorReset, r.Detail)
			if r.Code.Resubmittable() {
				_, _ = fmt.Fprintf(stdout, "  %sThe transfer may still be settling. Run this command again later.%s\n", ColorYellow, ColorReset)
			}
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printRecord(stdout, record, "", places)
	return 0
}

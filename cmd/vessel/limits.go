package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/MaulRai/vessel/pkg/pool"
	"github.com/MaulRai/vessel/pkg/tranche"
)

func runLimitsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("limits", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		backendURL  string
		poolID      string
		trancheName string
		decimals    int
		jsonOutput  bool
	)
	cmd.StringVar(&backendURL, "backend", "", "Settlement backend URL (default $BACKEND_URL)")
	cmd.StringVar(&poolID, "pool", "", "Pool ID (REQUIRED)")
	cmd.StringVar(&trancheName, "tranche", "", "priority or catalyst (REQUIRED)")
	cmd.IntVar(&decimals, "decimals", 6, "Token decimals for display")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if poolID == "" || trancheName == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --pool and --tranche are required")
		cmd.Usage()
		return 2
	}
	t, err := pool.ParseTranche(trancheName)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(stderr, false)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if backendURL == "" {
		backendURL = cfg.BackendURL
	}
	calc, _, err := loadPolicy(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	p, err := pool.NewClient(backendURL).Get(ctx, poolID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ts, err := p.Tranche(t)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	limits, err := calc.Limits(ts.Target, ts.Funded)
	closed := errors.Is(err, tranche.ErrTrancheClosed)
	if err != nil && !closed {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		result := map[string]any{
			"pool_id": poolID,
			"tranche": t,
			"status":  p.Status,
			"closed":  closed,
			"limits":  limits,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	places := int32(decimals)
	_, _ = fmt.Fprintf(stdout, "%s%s / %s%s (%s)\n", ColorBold, p.ID, t, ColorReset, p.Status)
	_, _ = fmt.Fprintf(stdout, "  Target:    %s\n", formatAmount(ts.Target, places))
	_, _ = fmt.Fprintf(stdout, "  Funded:    %s\n", formatAmount(ts.Funded, places))
	if closed {
		_, _ = fmt.Fprintf(stdout, "  %sTranche is fully funded.%s\n", ColorYellow, ColorReset)
		return 0
	}
	printLimits(stdout, limits, "", places)
	return 0
}

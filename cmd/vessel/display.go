package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/MaulRai/vessel/pkg/commitment"
	"github.com/MaulRai/vessel/pkg/settlement"
	"github.com/MaulRai/vessel/pkg/tranche"
)

var printer = message.NewPrinter(language.English)

// formatAmount groups the integer part and drops trailing fractional zeros.
func formatAmount(d decimal.Decimal, places int32) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	d = d.Truncate(places)
	out := sign + printer.Sprintf("%d", d.Truncate(0).IntPart())
	if places > 0 {
		fixed := d.StringFixed(places)
		if i := strings.IndexByte(fixed, '.'); i >= 0 {
			if frac := strings.TrimRight(fixed[i+1:], "0"); frac != "" {
				out += "." + frac
			}
		}
	}
	return out
}

func money(d decimal.Decimal, places int32, symbol string) string {
	if symbol == "" {
		return formatAmount(d, places)
	}
	return formatAmount(d, places) + " " + symbol
}

func printLimits(w io.Writer, l tranche.Limits, symbol string, places int32) {
	if l.Exact {
		fmt.Fprintf(w, "  Exactly:   %s (closes the tranche)\n", money(l.Min, places, symbol))
	} else {
		fmt.Fprintf(w, "  Minimum:   %s\n", money(l.Min, places, symbol))
		fmt.Fprintf(w, "  Maximum:   %s\n", money(l.Max, places, symbol))
	}
	fmt.Fprintf(w, "  Remaining: %s\n", money(l.Remaining, places, symbol))
}

var phaseLabels = map[commitment.Phase]string{
	commitment.PhaseApproving:    "Approving allowance",
	commitment.PhaseTransferring: "Transferring funds",
	commitment.PhaseConfirming:   "Confirming with backend",
	commitment.PhaseSuccess:      "Committed",
	commitment.PhaseFailed:       "Failed",
}

// phasePrinter renders each state an attempt passes through.
func phasePrinter(w io.Writer) func(commitment.State) {
	return func(s commitment.State) {
		label, ok := phaseLabels[s.Phase]
		if !ok {
			return
		}
		color := ColorCyan
		switch s.Phase {
		case commitment.PhaseSuccess:
			color = ColorGreen
		case commitment.PhaseFailed:
			color = ColorRed
		}
		fmt.Fprintf(w, "%s▸ %s%s\n", color, label, ColorReset)
	}
}

func printRecord(w io.Writer, c *settlement.Commitment, symbol string, places int32) {
	fmt.Fprintf(w, "%s✓ Commitment %s%s\n", ColorBold+ColorGreen, c.ID, ColorReset)
	fmt.Fprintf(w, "  Pool:      %s (%s)\n", c.PoolID, c.Tranche)
	fmt.Fprintf(w, "  Amount:    %s\n", money(c.Amount, places, symbol))
	fmt.Fprintf(w, "  Tx:        %s\n", c.TxHash)
	fmt.Fprintf(w, "  Funded:    %s\n", money(c.TrancheFunded, places, symbol))
	fmt.Fprintf(w, "  Status:    %s\n", c.PoolStatus)
}

var remedyHints = map[commitment.Remedy]string{
	commitment.RemedyFixInput:          "Adjust the amount or consents and try again.",
	commitment.RemedyRetryFromInput:    "No funds moved. You can try again.",
	commitment.RemedyRetryConfirmation: "Funds moved. Resubmit with: vessel confirm --tx ",
	commitment.RemedyContactSupport:    "Funds may have moved without being recorded. Contact support with the transaction hash.",
}

func printFailure(w io.Writer, f *commitment.Failure) {
	fmt.Fprintf(w, "%s✗ %s%s: %v\n", ColorBold+ColorRed, f.Reason, ColorReset, f.Err)
	if f.TxRef != "" {
		fmt.Fprintf(w, "  Tx:        %s\n", f.TxRef)
	}
	hint := remedyHints[f.Remedy]
	if f.Remedy == commitment.RemedyRetryConfirmation {
		hint += f.TxRef.String()
	}
	if hint != "" {
		fmt.Fprintf(w, "  %s%s%s\n", ColorYellow, hint, ColorReset)
	}
}

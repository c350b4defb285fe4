package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MaulRai/vessel/pkg/config"
)

const version = "v0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "limits":
		return runLimitsCmd(args[2:], stdout, stderr)
	case "commit":
		return runCommitCmd(args[2:], stdout, stderr)
	case "confirm":
		return runConfirmCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "vessel %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sVessel %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sTranche commitments, verified on the ledger.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  vessel <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "BACKEND")
	printCommand(w, "serve", "Run the settlement backend (--seed pools.yaml)")
	printCommand(w, "health", "Check backend health (HTTP)")

	printSection(w, "INVESTOR")
	printCommand(w, "limits", "Show a tranche's commitment band (--pool, --tranche)")
	printCommand(w, "commit", "Approve, transfer and confirm a commitment")
	printCommand(w, "confirm", "Resubmit the confirmation for a transfer (--tx)")

	printSection(w, "UTILITIES")
	printCommand(w, "demo", "Run a full commitment against an in-memory ledger")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// loadConfig reads the environment and installs the process logger.
func loadConfig(stderr io.Writer, jsonLogs bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if jsonLogs {
		slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(stderr, opts)))
	}
	return cfg, nil
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command routing for taskrun.
package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdRun Command = iota
	CmdReport
	CmdConfig
	CmdStatus
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Quiet bool
	JSON  bool

	// Routing overrides (run command)
	Model     string // --model: forced model ID
	Tier      string // --tier: forced tier name
	NoConfirm bool   // --no-confirm: bypass the confirmation gate
	TrackCost bool   // --track-cost: verbose cost display
	Attempts  int    // --attempts: override max attempts (0 = config)

	// Run inputs
	OperationType string
	Input         string // inline input text
	File          string // --file: read input from a file
	Batch         string // --batch: run operations from a manifest file

	// Remaining raw args for the command's own parser
	Raw []string
}

const usageText = `taskrun - cost-aware AI operation runner

Taskrun routes each operation to the cheapest capable model, estimates
the cost up front, asks before spending real money, and falls back to
cheaper tiers when a model is unavailable.

USAGE:
  taskrun run <operation> [input] [flags]   Run an AI-backed operation
  taskrun report [flags]                    Show cost report from the ledger
  taskrun config [show|init|path]           Manage configuration
  taskrun status                            Show routing table and backend status
  taskrun version                           Show version information
  taskrun help                              Show this help

RUN FLAGS:
  --model ID        Force a specific model (skips tier routing)
  --tier NAME       Force a tier (simple, medium, complex, research)
  --no-confirm      Skip the cost confirmation prompt
  --track-cost      Print token and cost details after the run
  --attempts N      Override the retry/fallback attempt budget
  --file PATH       Read the operation input from a file
  --batch PATH      Run operations listed in a JSON-lines manifest

REPORT FLAGS:
  --since DATE      Start of the date range (YYYY-MM-DD)
  --until DATE      End of the date range (YYYY-MM-DD)
  --group-by KEY    day, tier, operation, or model (default: day)
  --json            Emit the report as JSON

EXAMPLES:
  taskrun run summarize "$(cat notes.txt)"
  taskrun run generate-plan --file brief.md --tier complex
  taskrun run parse-document --file scan.txt --no-confirm --track-cost
  taskrun report --since 2025-06-01 --group-by tier

EXIT CODES:
  0  success
  1  operation failed (permanent error or attempts exhausted)
  2  aborted at the confirmation prompt

Configuration lives in ~/.taskrun/config.toml; the cost ledger in
~/.taskrun/costs.db. TASKRUN_API_KEY supplies the backend key.`

// Usage prints the help text.
func Usage() {
	fmt.Println(usageText)
}

// Parse reads os.Args and returns the command and its arguments.
func Parse() (Command, Args) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses an explicit argument list.
func ParseArgs(argv []string) (Command, Args) {
	var args Args
	if len(argv) == 0 {
		return CmdHelp, args
	}

	cmd := strings.ToLower(argv[0])
	rest := argv[1:]
	args.Raw = rest

	parser := NewArgParser(rest)
	args.Quiet = parser.BoolFlag("quiet") || parser.BoolFlag("q")
	args.JSON = parser.BoolFlag("json")

	switch cmd {
	case "run", "r":
		args.Model = parser.Flag("model")
		args.Tier = parser.Flag("tier")
		args.NoConfirm = parser.BoolFlag("no-confirm")
		args.TrackCost = parser.BoolFlag("track-cost")
		args.Attempts = parser.FlagIntOrDefault("attempts", 0)
		args.File = parser.Flag("file")
		args.Batch = parser.Flag("batch")
		args.OperationType = parser.Positional(0)
		if parser.PositionalCount() > 1 {
			args.Input = strings.Join(parser.PositionalFrom(1), " ")
		}
		return CmdRun, args

	case "report", "costs":
		return CmdReport, args

	case "config":
		return CmdConfig, args

	case "status", "s":
		return CmdStatus, args

	case "version", "--version", "-v":
		return CmdVersion, args

	case "help", "--help", "-h":
		return CmdHelp, args

	default:
		// Unknown commands fall through to help with a notice.
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		return CmdHelp, args
	}
}

// HandleVersion prints version information.
func HandleVersion(_ Args) int {
	fmt.Printf("taskrun %s\n", Version)
	fmt.Printf("  commit:  %s\n", GitCommit)
	fmt.Printf("  built:   %s\n", BuildDate)
	fmt.Printf("  runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return ExitSuccess
}

// HandleHelp prints usage.
func HandleHelp(_ Args) int {
	Usage()
	return ExitSuccess
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// run_cmd.go - The run command: execute one AI-backed operation, or a
// batch of them from a manifest.

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jeranaias/taskrun/internal/backend"
	"github.com/jeranaias/taskrun/internal/config"
	"github.com/jeranaias/taskrun/internal/engine"
	"github.com/jeranaias/taskrun/internal/ledger"
	"github.com/jeranaias/taskrun/internal/router"
)

// HandleRun executes the run command.
func HandleRun(args Args) int {
	cfg, err := config.Load()
	if err != nil {
		PrintError(err)
		return ExitError
	}
	reg, err := router.NewRegistry(cfg.RegistryConfig())
	if err != nil {
		PrintError(err)
		return ExitError
	}

	var store *ledger.Store
	if path, perr := cfg.LedgerPath(); perr == nil {
		store, err = ledger.Open(path)
		if err != nil {
			PrintWarning("cost ledger unavailable (%v); running without cost logging", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	client := backend.NewClient(cfg.Backend.APIKey,
		backend.WithBaseURL(cfg.Backend.BaseURL),
		backend.WithRequestsPerMinute(cfg.Backend.RequestsPerMinute),
	)

	eng := engine.New(reg, &PromptConfirmer{Registry: reg, Timeout: cfg.ConfirmTimeout()}, ledgerOrNil(store), cfg.EngineConfig())
	if !args.Quiet {
		eng.Notify = PrintWarning
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args.Batch != "" {
		return runBatch(ctx, eng, client, args)
	}

	if args.OperationType == "" {
		return UsageError("run requires an operation type, e.g. 'taskrun run summarize ...'")
	}
	input, err := resolveInput(args)
	if err != nil {
		PrintError(err)
		return ExitError
	}
	return runOne(ctx, eng, client, args, args.OperationType, input)
}

// ledgerOrNil avoids handing the engine a typed nil interface value.
func ledgerOrNil(store *ledger.Store) engine.Ledger {
	if store == nil {
		return nil
	}
	return store
}

// resolveInput picks the operation input: inline argument, --file, or
// piped stdin, in that order.
func resolveInput(args Args) (string, error) {
	if args.Input != "" {
		return args.Input, nil
	}
	if args.File != "" {
		data, err := os.ReadFile(args.File)
		if err != nil {
			return "", fmt.Errorf("failed to read input file: %w", err)
		}
		return string(data), nil
	}
	if !IsTTY() {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("no input: pass it inline, via --file, or on stdin")
}

// runOne executes a single operation and prints its result.
func runOne(ctx context.Context, eng *engine.Engine, client *backend.Client, args Args, operationType, input string) int {
	selCtx := router.SelectionContext{
		Input:            input,
		SkipConfirmation: args.NoConfirm,
	}
	opts := engine.Options{
		ForcedModelID: args.Model,
		ForcedTier:    args.Tier,
		MaxAttempts:   args.Attempts,
	}
	fn := func(ctx context.Context, modelID string) (string, error) {
		return client.Complete(ctx, modelID, input)
	}

	res, err := eng.Execute(ctx, operationType, fn, selCtx, opts)
	if res == nil {
		// Selection failed before anything ran (bad override or config).
		PrintError(err)
		return ExitError
	}

	switch res.Outcome {
	case engine.OutcomeCancelled:
		if err != nil {
			PrintError(err)
		} else if !args.Quiet {
			fmt.Fprintln(os.Stderr, WarningStyle.Render("Aborted."))
		}
		return ExitAborted

	case engine.OutcomeExhausted:
		PrintError(err)
		return ExitError

	default:
		fmt.Println(res.Output)
		if args.TrackCost {
			printCostDetails(res)
		}
		return ExitSuccess
	}
}

// printCostDetails shows the routing decision after a successful run.
func printCostDetails(res *engine.Result) {
	sel := res.Selection
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, LabelStyle.Render("Model")+ValueStyle.Render(sel.ModelID))
	fmt.Fprintln(os.Stderr, LabelStyle.Render("Tier")+ValueStyle.Render(sel.Tier.String()))
	fmt.Fprintln(os.Stderr, LabelStyle.Render("Tokens")+ValueStyle.Render(fmt.Sprintf("~%d in / ~%d out", sel.EstimatedInputTokens, sel.EstimatedOutputTokens)))
	fmt.Fprintln(os.Stderr, LabelStyle.Render("Estimated cost")+CostStyle.Render(fmt.Sprintf("$%.4f", sel.EstimatedCost)))
	if sel.FallbackFrom != nil {
		fmt.Fprintln(os.Stderr, LabelStyle.Render("Fallback from")+WarningStyle.Render(sel.FallbackFrom.String()))
	}
	if res.Attempts > 1 {
		fmt.Fprintln(os.Stderr, LabelStyle.Render("Attempts")+ValueStyle.Render(fmt.Sprintf("%d (%s)", res.Attempts, strings.Join(res.ModelsAttempted, ", "))))
	}
	fmt.Fprintln(os.Stderr, DimStyle.Render(sel.Reason))
}

// batchItem is one line of a batch manifest.
type batchItem struct {
	Operation string `json:"operation"`
	Input     string `json:"input"`
	File      string `json:"file"`
}

// runBatch executes operations from a JSON-lines manifest. One failed
// operation does not stop the rest; the exit code reflects the worst
// individual outcome.
func runBatch(ctx context.Context, eng *engine.Engine, client *backend.Client, args Args) int {
	f, err := os.Open(args.Batch)
	if err != nil {
		PrintError(fmt.Errorf("failed to open batch manifest: %w", err))
		return ExitError
	}
	defer f.Close()

	var (
		lineNo  int
		failed  int
		aborted int
		ran     int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if ctx.Err() != nil {
			PrintWarning("batch interrupted after %d operation(s)", ran)
			return ExitAborted
		}

		var item batchItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			PrintWarning("line %d: skipping unparsable entry: %v", lineNo, err)
			failed++
			continue
		}
		if item.Operation == "" {
			PrintWarning("line %d: missing operation type", lineNo)
			failed++
			continue
		}

		input := item.Input
		if input == "" && item.File != "" {
			data, err := os.ReadFile(item.File)
			if err != nil {
				PrintWarning("line %d: %v", lineNo, err)
				failed++
				continue
			}
			input = string(data)
		}

		ran++
		if !args.Quiet {
			fmt.Fprintln(os.Stderr, DimStyle.Render(fmt.Sprintf("[%d] %s", lineNo, item.Operation)))
		}
		switch runOne(ctx, eng, client, args, item.Operation, input) {
		case ExitAborted:
			aborted++
		case ExitError:
			failed++
		}
	}
	if err := scanner.Err(); err != nil {
		PrintError(fmt.Errorf("failed to read batch manifest: %w", err))
		return ExitError
	}

	if !args.Quiet {
		fmt.Fprintln(os.Stderr, DimStyle.Render(fmt.Sprintf("batch: %d ran, %d failed, %d aborted", ran, failed, aborted)))
	}
	switch {
	case failed > 0:
		return ExitError
	case aborted > 0:
		return ExitAborted
	default:
		return ExitSuccess
	}
}

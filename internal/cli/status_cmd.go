// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status_cmd.go - The status command: routing table and backend health
// at a glance.

package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jeranaias/taskrun/internal/config"
	"github.com/jeranaias/taskrun/internal/ledger"
	"github.com/jeranaias/taskrun/internal/router"
)

// HandleStatus executes the status command.
func HandleStatus(args Args) int {
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

	fmt.Println(TitleStyle.Render("taskrun status"))

	backendState := ErrorStyle.Render("no API key (set TASKRUN_API_KEY)")
	if cfg.Backend.APIKey != "" {
		backendState = SuccessStyle.Render("configured")
	}
	fmt.Println(LabelStyle.Render("Backend") + ValueStyle.Render(cfg.Backend.BaseURL))
	fmt.Println(LabelStyle.Render("API key") + backendState)
	fmt.Println()

	fmt.Println(ValueStyle.Render("Tiers (cheapest first):"))
	for _, mt := range reg.Tiers() {
		marker := "  "
		if mt.Tier == reg.DefaultTier() {
			marker = "* "
		}
		fmt.Printf("%s%-10s %-32s $%.2f in / $%.2f out per MTok\n",
			marker, mt.Tier, mt.ModelID, mt.InputCostPerMTok, mt.OutputCostPerMTok)
	}
	fmt.Println(DimStyle.Render("  (* = default tier for unmapped operations)"))
	fmt.Println()

	ops := make([]string, 0, len(cfg.Routing.Operations))
	for op := range cfg.Routing.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	fmt.Println(ValueStyle.Render("Operations:"))
	for _, op := range ops {
		fmt.Printf("  %-20s -> %s\n", op, cfg.Routing.Operations[op])
	}
	fmt.Println()

	minCost, maxCheap := reg.Thresholds()
	fmt.Println(LabelStyle.Render("Confirm above") + CostStyle.Render(fmt.Sprintf("$%.2f", minCost)) +
		DimStyle.Render(fmt.Sprintf(" (or output cost >= $%.2f/MTok)", maxCheap)))
	fmt.Println(LabelStyle.Render("Retry policy") + ValueStyle.Render(fmt.Sprintf(
		"%d attempts, backoff %dms..%dms x%.1f",
		cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMS, cfg.Retry.MaxBackoffMS, cfg.Retry.Multiplier)))

	if path, perr := cfg.LedgerPath(); perr == nil {
		fmt.Println(LabelStyle.Render("Ledger") + ValueStyle.Render(path))
		if store, lerr := ledger.Open(path); lerr == nil {
			monthStart := time.Now().UTC().AddDate(0, 0, -30)
			if total, terr := store.Totals(context.Background(), monthStart, time.Time{}); terr == nil {
				fmt.Println(LabelStyle.Render("Last 30 days") + CostStyle.Render(fmt.Sprintf("$%.4f", total.TotalCost)) +
					DimStyle.Render(fmt.Sprintf(" across %d operation(s)", total.Operations)))
			}
			store.Close()
		}
	}
	return ExitSuccess
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// report_cmd.go - The report command: aggregate the cost ledger.
//
// The savings column compares actual spend against what the same token
// volume would have cost on the most expensive registered tier, the
// spend a router-less setup would incur.

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/taskrun/internal/config"
	"github.com/jeranaias/taskrun/internal/ledger"
	"github.com/jeranaias/taskrun/internal/router"
)

// HandleReport executes the report command.
func HandleReport(args Args) int {
	parser := NewArgParser(args.Raw)

	from, err := parseDateFlag(parser.Flag("since"), false)
	if err != nil {
		return UsageError("invalid --since: %v", err)
	}
	to, err := parseDateFlag(parser.Flag("until"), true)
	if err != nil {
		return UsageError("invalid --until: %v", err)
	}
	groupBy := ledger.Grouping(parser.FlagOrDefault("group-by", string(ledger.GroupByDay)))

	cfg, err := config.Load()
	if err != nil {
		PrintError(err)
		return ExitError
	}
	path, err := cfg.LedgerPath()
	if err != nil {
		PrintError(err)
		return ExitError
	}
	store, err := ledger.Open(path)
	if err != nil {
		PrintError(err)
		return ExitError
	}
	defer store.Close()

	ctx := context.Background()
	rows, err := store.Summarize(ctx, from, to, groupBy)
	if err != nil {
		PrintError(err)
		return ExitError
	}
	total, err := store.Totals(ctx, from, to)
	if err != nil {
		PrintError(err)
		return ExitError
	}

	topTier := mostExpensiveTier(cfg)

	if args.JSON {
		return printReportJSON(rows, total, topTier)
	}
	printReportTable(string(groupBy), rows, total, topTier)
	return ExitSuccess
}

// parseDateFlag parses YYYY-MM-DD. endOfDay shifts the time to the last
// instant of that day so --until is inclusive.
func parseDateFlag(value string, endOfDay bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}

// mostExpensiveTier returns the priciest registered tier, used as the
// savings baseline. Nil when the routing table is unusable.
func mostExpensiveTier(cfg *config.Config) *router.ModelTier {
	reg, err := router.NewRegistry(cfg.RegistryConfig())
	if err != nil {
		return nil
	}
	tiers := reg.Tiers()
	if len(tiers) == 0 {
		return nil
	}
	top := tiers[0]
	for _, mt := range tiers[1:] {
		if mt.OutputCostPerMTok > top.OutputCostPerMTok {
			top = mt
		}
	}
	return &top
}

// savings returns baseline cost minus actual for one aggregate row.
func savings(row ledger.SummaryRow, top *router.ModelTier) float64 {
	if top == nil {
		return 0
	}
	baseline := router.EstimateCost(*top, row.InputTokens, row.OutputTokens)
	if baseline <= row.TotalCost {
		return 0
	}
	return baseline - row.TotalCost
}

type reportJSON struct {
	Rows  []reportRowJSON `json:"rows"`
	Total reportRowJSON   `json:"total"`
}

type reportRowJSON struct {
	ledger.SummaryRow
	Savings float64 `json:"savings"`
}

func printReportJSON(rows []ledger.SummaryRow, total ledger.SummaryRow, top *router.ModelTier) int {
	out := reportJSON{Total: reportRowJSON{SummaryRow: total, Savings: savings(total, top)}}
	for _, r := range rows {
		out.Rows = append(out.Rows, reportRowJSON{SummaryRow: r, Savings: savings(r, top)})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		PrintError(err)
		return ExitError
	}
	return ExitSuccess
}

func printReportTable(groupBy string, rows []ledger.SummaryRow, total ledger.SummaryRow, top *router.ModelTier) {
	fmt.Println(TitleStyle.Render("Cost report by " + groupBy))

	if len(rows) == 0 {
		fmt.Println(DimStyle.Render("No ledger entries in range."))
		return
	}

	headers := []string{strings.ToUpper(groupBy), "OPS", "OK", "FALLBACK", "TOKENS IN", "TOKENS OUT", "COST", "SAVED"}
	table := make([][]string, 0, len(rows)+1)
	for _, r := range rows {
		table = append(table, summaryCells(r.Key, r, top))
	}
	table = append(table, summaryCells("total", total, top))

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range table {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	printRow := func(cells []string, style func(...string) string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if i == 0 {
				parts[i] = runewidth.FillRight(cell, widths[i])
			} else {
				parts[i] = runewidth.FillLeft(cell, widths[i])
			}
		}
		line := strings.Join(parts, "  ")
		if style != nil {
			line = style(line)
		}
		fmt.Println(line)
	}

	printRow(headers, DimStyle.Render)
	for i, row := range table {
		if i == len(table)-1 {
			printRow(row, SuccessStyle.Render)
		} else {
			printRow(row, nil)
		}
	}
}

func summaryCells(key string, r ledger.SummaryRow, top *router.ModelTier) []string {
	return []string{
		key,
		fmt.Sprintf("%d", r.Operations),
		fmt.Sprintf("%d", r.Succeeded),
		fmt.Sprintf("%d", r.Fallbacks),
		fmt.Sprintf("%d", r.InputTokens),
		fmt.Sprintf("%d", r.OutputTokens),
		fmt.Sprintf("$%.4f", r.TotalCost),
		fmt.Sprintf("$%.4f", savings(r, top)),
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/taskrun/internal/backend"
	"github.com/jeranaias/taskrun/internal/router"
)

// ============================================================================
// FIXTURES
// ============================================================================

func testRegistry(t *testing.T, minCost, maxCheap float64) *router.Registry {
	t.Helper()
	reg, err := router.NewRegistry(router.RegistryConfig{
		Tiers: []router.TierSpec{
			{Name: "simple", Model: "claude-3-haiku", InputCostPerMTok: 0.25, OutputCostPerMTok: 1.25},
			{Name: "medium", Model: "claude-3.5-sonnet", InputCostPerMTok: 3, OutputCostPerMTok: 15},
			{Name: "complex", Model: "claude-3-opus", InputCostPerMTok: 15, OutputCostPerMTok: 75},
		},
		Operations: map[string]string{
			"update":        "medium",
			"generate-plan": "complex",
		},
		DefaultTier:            "simple",
		MinEstimatedCost:       minCost,
		MaxCheapCostPerMillion: maxCheap,
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

// fastConfig keeps backoff waits negligible in tests.
func fastConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []CostLogEntry
}

func (l *fakeLedger) Append(_ context.Context, e CostLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *fakeLedger) all() []CostLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CostLogEntry(nil), l.entries...)
}

type fakeConfirmer struct {
	answer Confirmation
	err    error
	calls  int
}

func (c *fakeConfirmer) Confirm(_ context.Context, _ router.SelectionResult) (Confirmation, error) {
	c.calls++
	return c.answer, c.err
}

// countingFn invokes a script of errors, then succeeds.
type countingFn struct {
	mu      sync.Mutex
	script  []error
	byModel map[string]int
	total   int
}

func (f *countingFn) fn(_ context.Context, modelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byModel == nil {
		f.byModel = make(map[string]int)
	}
	f.byModel[modelID]++
	f.total++
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return "", err
		}
	}
	return "done", nil
}

var (
	errRateLimited = &backend.Error{Code: backend.CodeRateLimited, Message: "slow down", Status: 429}
	errNotFound    = &backend.Error{Code: backend.CodeModelNotFound, Message: "unknown model", Status: 404}
	errAuth        = &backend.Error{Code: backend.CodeAuthFailed, Message: "bad key", Status: 401}
)

// ============================================================================
// RETRY AND FALLBACK
// ============================================================================

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	led := &fakeLedger{}
	eng := New(testRegistry(t, 100, 100), nil, led, fastConfig())
	fn := &countingFn{}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "hello"}, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s, want success", res.Outcome)
	}
	if res.Output != "done" {
		t.Errorf("output = %q", res.Output)
	}
	if res.Attempts != 1 || fn.total != 1 {
		t.Errorf("attempts = %d, invocations = %d, want 1 each", res.Attempts, fn.total)
	}
	entries := led.all()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if !entries[0].Succeeded || entries[0].FallbackApplied {
		t.Errorf("entry = %+v, want succeeded and no fallback", entries[0])
	}
	if entries[0].ModelID != "claude-3.5-sonnet" || entries[0].OperationType != "update" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestExecuteTransientRetriesSameModel(t *testing.T) {
	led := &fakeLedger{}
	eng := New(testRegistry(t, 100, 100), nil, led, fastConfig())
	fn := &countingFn{script: []error{errRateLimited, errRateLimited, nil}}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s, want success", res.Outcome)
	}
	if fn.total != 3 {
		t.Errorf("invocations = %d, want 3", fn.total)
	}
	if fn.byModel["claude-3.5-sonnet"] != 3 {
		t.Errorf("per-model invocations = %v, want all on claude-3.5-sonnet", fn.byModel)
	}
	if len(res.ModelsAttempted) != 1 {
		t.Errorf("models attempted = %v, want one distinct model", res.ModelsAttempted)
	}
	if got := len(led.all()); got != 1 {
		t.Errorf("ledger entries = %d, want exactly 1", got)
	}
	if !led.all()[0].Succeeded {
		t.Error("entry should record success")
	}
}

func TestExecuteUnavailableFallsBack(t *testing.T) {
	led := &fakeLedger{}
	eng := New(testRegistry(t, 100, 100), nil, led, fastConfig())
	fn := &countingFn{script: []error{errNotFound, nil}}

	res, err := eng.Execute(context.Background(), "generate-plan", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Selection.Tier != router.TierMedium {
		t.Errorf("final tier = %s, want medium", res.Selection.Tier)
	}
	if res.Selection.FallbackFrom == nil || *res.Selection.FallbackFrom != router.TierComplex {
		t.Errorf("fallbackFrom = %v, want complex", res.Selection.FallbackFrom)
	}
	if fn.byModel["claude-3-opus"] != 1 || fn.byModel["claude-3.5-sonnet"] != 1 {
		t.Errorf("per-model invocations = %v", fn.byModel)
	}
	entries := led.all()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if !entries[0].FallbackApplied || !entries[0].Succeeded {
		t.Errorf("entry = %+v, want succeeded with fallback", entries[0])
	}
	if entries[0].ModelID != "claude-3.5-sonnet" {
		t.Errorf("entry model = %q, want the fallback model", entries[0].ModelID)
	}
}

func TestExecuteFallbackReestimatesCost(t *testing.T) {
	eng := New(testRegistry(t, 100, 100), nil, nil, fastConfig())
	fn := &countingFn{script: []error{errNotFound, nil}}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{InputTokens: 1000}, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// 1000 in + 1000 out on the simple tier.
	want := 1000.0/1e6*0.25 + 1000.0/1e6*1.25
	if res.Selection.EstimatedCost != want {
		t.Errorf("fallback cost = %v, want re-estimated %v", res.Selection.EstimatedCost, want)
	}
}

func TestExecutePermanentFailsImmediately(t *testing.T) {
	led := &fakeLedger{}
	eng := New(testRegistry(t, 100, 100), nil, led, fastConfig())
	fn := &countingFn{script: []error{errAuth, nil}}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	var be *backend.Error
	if !errors.As(err, &be) || be.Code != backend.CodeAuthFailed {
		t.Errorf("error should wrap the backend error, got %v", err)
	}
	if res.Outcome != OutcomeExhausted {
		t.Errorf("outcome = %s, want exhausted", res.Outcome)
	}
	if fn.total != 1 {
		t.Errorf("invocations = %d, want 1 (no retry on permanent)", fn.total)
	}
	entries := led.all()
	if len(entries) != 1 || entries[0].Succeeded {
		t.Errorf("want exactly one failed entry, got %+v", entries)
	}
}

func TestExecuteTransientExhaustsAttempts(t *testing.T) {
	led := &fakeLedger{}
	eng := New(testRegistry(t, 100, 100), nil, led, fastConfig())
	fn := &countingFn{script: []error{errRateLimited, errRateLimited, errRateLimited, nil}}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if res.Attempts != 3 || fn.total != 3 {
		t.Errorf("attempts = %d, invocations = %d, want 3 each", res.Attempts, fn.total)
	}
	if got := len(led.all()); got != 1 {
		t.Errorf("ledger entries = %d, want 1", got)
	}
}

func TestExecuteUnavailableAtCheapestTierExhausts(t *testing.T) {
	led := &fakeLedger{}
	eng := New(testRegistry(t, 100, 100), nil, led, fastConfig())
	fn := &countingFn{script: []error{errNotFound, errNotFound, errNotFound, nil}}

	// Starts at simple; no cheaper tier exists.
	res, err := eng.Execute(context.Background(), "unmapped-op", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Outcome != OutcomeExhausted {
		t.Errorf("outcome = %s, want exhausted", res.Outcome)
	}
	if fn.total != 1 {
		t.Errorf("invocations = %d, want 1 (singleton fallback sequence)", fn.total)
	}
}

func TestExecuteNoModelExceedsAttemptBudget(t *testing.T) {
	eng := New(testRegistry(t, 100, 100), nil, nil, fastConfig())
	fn := &countingFn{script: []error{errNotFound, errRateLimited, errRateLimited, errRateLimited}}

	_, err := eng.Execute(context.Background(), "generate-plan", fn.fn, router.SelectionContext{Input: "x"}, Options{MaxAttempts: 3})
	if err == nil {
		t.Fatal("expected error")
	}
	for model, n := range fn.byModel {
		if n > 3 {
			t.Errorf("model %s invoked %d times, exceeds attempt budget", model, n)
		}
	}
	if fn.total > 3 {
		t.Errorf("total invocations = %d, exceeds attempt budget", fn.total)
	}
}

func TestExecuteErrorListsModelsAttempted(t *testing.T) {
	eng := New(testRegistry(t, 100, 100), nil, nil, fastConfig())
	fn := &countingFn{script: []error{errNotFound, errAuth}}

	_, err := eng.Execute(context.Background(), "generate-plan", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, model := range []string{"claude-3-opus", "claude-3.5-sonnet"} {
		if !strings.Contains(msg, model) {
			t.Errorf("error %q should list attempted model %s", msg, model)
		}
	}
}

// ============================================================================
// CONFIRMATION GATE
// ============================================================================

func TestExecuteAbortSkipsInvocationAndLedger(t *testing.T) {
	led := &fakeLedger{}
	conf := &fakeConfirmer{answer: Confirmation{Decision: DecisionAbort}}
	// Zero thresholds make every selection require confirmation.
	eng := New(testRegistry(t, 0, 0), conf, led, fastConfig())
	fn := &countingFn{}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err != nil {
		t.Fatalf("abort is not an error, got %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", res.Outcome)
	}
	if fn.total != 0 {
		t.Errorf("fn invoked %d times after abort", fn.total)
	}
	if len(led.all()) != 0 {
		t.Errorf("ledger entries = %d, want none on abort", len(led.all()))
	}
	if conf.calls != 1 {
		t.Errorf("confirmer calls = %d, want 1", conf.calls)
	}
}

func TestExecuteProceedRunsOperation(t *testing.T) {
	conf := &fakeConfirmer{answer: Confirmation{Decision: DecisionProceed}}
	eng := New(testRegistry(t, 0, 0), conf, nil, fastConfig())
	fn := &countingFn{}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess || fn.total != 1 {
		t.Errorf("outcome = %s, invocations = %d", res.Outcome, fn.total)
	}
}

func TestExecuteSubstituteTierRunsCheaperModel(t *testing.T) {
	conf := &fakeConfirmer{answer: Confirmation{Decision: DecisionSubstitute, Tier: router.TierSimple}}
	eng := New(testRegistry(t, 0, 0), conf, nil, fastConfig())
	fn := &countingFn{}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Selection.Tier != router.TierSimple {
		t.Errorf("tier = %s, want substituted simple", res.Selection.Tier)
	}
	if fn.byModel["claude-3-haiku"] != 1 {
		t.Errorf("per-model invocations = %v, want the simple tier model", fn.byModel)
	}
	if conf.calls != 1 {
		t.Errorf("confirmer calls = %d, want 1 (no re-gating after substitute)", conf.calls)
	}
}

func TestExecuteSkipConfirmationBypassesPrompt(t *testing.T) {
	conf := &fakeConfirmer{answer: Confirmation{Decision: DecisionAbort}}
	eng := New(testRegistry(t, 0, 0), conf, nil, fastConfig())
	fn := &countingFn{}

	res, err := eng.Execute(context.Background(), "update", fn.fn,
		router.SelectionContext{Input: "x", SkipConfirmation: true}, Options{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s, want success", res.Outcome)
	}
	if conf.calls != 0 {
		t.Errorf("confirmer calls = %d, want 0 with SkipConfirmation", conf.calls)
	}
}

func TestExecuteNilConfirmerNeverSilentlyProceeds(t *testing.T) {
	eng := New(testRegistry(t, 0, 0), nil, nil, fastConfig())
	fn := &countingFn{}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeCancelled || fn.total != 0 {
		t.Errorf("outcome = %s, invocations = %d; want cancelled with no invocation", res.Outcome, fn.total)
	}
}

func TestExecuteConfirmerErrorCancels(t *testing.T) {
	conf := &fakeConfirmer{err: errors.New("prompt unavailable")}
	led := &fakeLedger{}
	eng := New(testRegistry(t, 0, 0), conf, led, fastConfig())
	fn := &countingFn{}

	res, err := eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	if err == nil {
		t.Fatal("expected confirmer error to propagate")
	}
	if res.Outcome != OutcomeCancelled || fn.total != 0 || len(led.all()) != 0 {
		t.Errorf("want cancelled with no invocation and no ledger entry")
	}
}

// ============================================================================
// CANCELLATION AND OVERRIDES
// ============================================================================

func TestExecuteContextCancelDuringBackoff(t *testing.T) {
	led := &fakeLedger{}
	cfg := fastConfig()
	cfg.InitialBackoff = 500 * time.Millisecond
	eng := New(testRegistry(t, 100, 100), nil, led, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(_ context.Context, _ string) (string, error) {
		cancel()
		return "", errRateLimited
	}

	res, err := eng.Execute(ctx, "update", fn, router.SelectionContext{Input: "x"}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", res.Outcome)
	}
	if len(led.all()) != 0 {
		t.Errorf("ledger entries = %d, want none on cancellation", len(led.all()))
	}
}

func TestExecuteForcedTierOverride(t *testing.T) {
	eng := New(testRegistry(t, 100, 100), nil, nil, fastConfig())
	fn := &countingFn{}

	res, err := eng.Execute(context.Background(), "update", fn.fn,
		router.SelectionContext{Input: "x"}, Options{ForcedTier: "simple"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Selection.Tier != router.TierSimple {
		t.Errorf("tier = %s, want forced simple", res.Selection.Tier)
	}
}

func TestExecuteUnknownForcedModel(t *testing.T) {
	eng := New(testRegistry(t, 100, 100), nil, nil, fastConfig())
	fn := &countingFn{}

	_, err := eng.Execute(context.Background(), "update", fn.fn,
		router.SelectionContext{Input: "x"}, Options{ForcedModelID: "nope"})
	var ume *router.UnknownModelError
	if !errors.As(err, &ume) {
		t.Errorf("err = %v, want UnknownModelError", err)
	}
	if fn.total != 0 {
		t.Errorf("fn invoked %d times after selection failure", fn.total)
	}
}

// ============================================================================
// LEDGER PROPERTIES
// ============================================================================

func TestLedgerOneEntryPerCompletedExecute(t *testing.T) {
	led := &fakeLedger{}
	eng := New(testRegistry(t, 100, 100), nil, led, fastConfig())

	scripts := [][]error{
		nil,                   // success
		{errAuth},             // permanent failure
		{errRateLimited, nil}, // retry then success
	}
	for _, script := range scripts {
		fn := &countingFn{script: script}
		eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
	}

	entries := led.all()
	if len(entries) != len(scripts) {
		t.Fatalf("ledger entries = %d, want %d", len(entries), len(scripts))
	}
	wantSucceeded := []bool{true, false, true}
	for i, e := range entries {
		if e.Succeeded != wantSucceeded[i] {
			t.Errorf("entry %d succeeded = %v, want %v", i, e.Succeeded, wantSucceeded[i])
		}
	}
}

func TestConcurrentExecutes(t *testing.T) {
	led := &fakeLedger{}
	eng := New(testRegistry(t, 100, 100), nil, led, fastConfig())

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn := &countingFn{}
			eng.Execute(context.Background(), "update", fn.fn, router.SelectionContext{Input: "x"}, Options{})
		}()
	}
	wg.Wait()

	if got := len(led.all()); got != n {
		t.Errorf("ledger entries = %d, want %d", got, n)
	}
}

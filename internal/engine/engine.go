// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jeranaias/taskrun/internal/router"
)

// ============================================================================
// COLLABORATOR INTERFACES
// ============================================================================

// OperationFunc is the caller-supplied work function. It receives the
// model the engine selected and returns the operation's output.
type OperationFunc func(ctx context.Context, modelID string) (string, error)

// Decision is the user's answer to a confirmation prompt.
type Decision int

const (
	// DecisionProceed runs the operation as selected.
	DecisionProceed Decision = iota
	// DecisionSubstitute runs the operation on a user-chosen tier instead.
	DecisionSubstitute
	// DecisionAbort cancels the operation without invoking it.
	DecisionAbort
)

// Confirmation is the outcome of a confirmation prompt. Tier is only
// meaningful for DecisionSubstitute.
type Confirmation struct {
	Decision Decision
	Tier     router.Tier
}

// Confirmer presents an estimated cost to the user and collects a
// decision. A prompt timeout must resolve to DecisionAbort, never to a
// silent proceed.
type Confirmer interface {
	Confirm(ctx context.Context, sel router.SelectionResult) (Confirmation, error)
}

// CostLogEntry is the append-only record emitted for every terminal
// outcome except a cancellation.
type CostLogEntry struct {
	Timestamp       time.Time
	OperationType   string
	ModelID         string
	Tier            router.Tier
	InputTokens     int
	OutputTokens    int
	Cost            float64
	Succeeded       bool
	FallbackApplied bool
}

// Ledger accepts cost log entries. Implementations must be safe for
// concurrent append; the engine never mutates or deletes entries.
type Ledger interface {
	Append(ctx context.Context, entry CostLogEntry) error
}

// ============================================================================
// ENGINE
// ============================================================================

// Retry policy defaults. Attempts count every invocation, retries and
// fallbacks included.
const (
	DefaultMaxAttempts       = 3
	DefaultInitialBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff        = 2 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Config tunes the engine's retry behavior.
type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultConfig returns the documented retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       DefaultMaxAttempts,
		InitialBackoff:    DefaultInitialBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// Engine runs AI-backed operations through selection, confirmation,
// invocation, and the retry/fallback sequence.
type Engine struct {
	registry  *router.Registry
	confirmer Confirmer
	ledger    Ledger
	cfg       Config

	// Notify receives user-visible progress lines (retry and fallback
	// notices) before the corresponding action. Nil silences them.
	Notify func(format string, args ...any)
}

// New creates an engine. confirmer may be nil; a selection that requires
// confirmation then resolves to abort rather than a silent proceed.
// ledger may be nil, in which case entries are discarded.
func New(registry *router.Registry, confirmer Confirmer, ledger Ledger, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return &Engine{
		registry:  registry,
		confirmer: confirmer,
		ledger:    ledger,
		cfg:       cfg,
	}
}

// Outcome is the terminal state of one Execute call.
type Outcome int

const (
	// OutcomeSuccess means the operation function returned a result.
	OutcomeSuccess Outcome = iota
	// OutcomeExhausted means the operation failed permanently or ran out
	// of attempts and fallback tiers.
	OutcomeExhausted
	// OutcomeCancelled means the user aborted or the context was
	// cancelled. No ledger entry is written.
	OutcomeCancelled
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "cancelled"
	}
}

// Options carries the per-call override surface.
type Options struct {
	// ForcedModelID pins the selection to a specific model (--model).
	ForcedModelID string
	// ForcedTier pins the selection to a specific tier (--tier).
	ForcedTier string
	// MaxAttempts overrides the engine's configured attempt bound for
	// this call. Zero means use the configured value.
	MaxAttempts int
}

// Result describes how one Execute call ended.
type Result struct {
	// Output is the operation function's return value on success.
	Output string
	// Outcome is the terminal state.
	Outcome Outcome
	// Selection is the final routing decision, including FallbackFrom
	// when a fallback was applied.
	Selection router.SelectionResult
	// ModelsAttempted lists every distinct model invoked, in order.
	ModelsAttempted []string
	// Attempts is the total number of operation function invocations.
	Attempts int
}

// Execute runs one operation through the full state machine.
//
// The returned error is nil on success and on a user abort (an abort is
// a deliberate decision, not a failure; check Result.Outcome). On
// exhaustion or a permanent failure the error is the last backend error
// wrapped with the attempt history. Context cancellation returns
// ctx.Err() with OutcomeCancelled and no ledger entry.
func (e *Engine) Execute(ctx context.Context, operationType string, fn OperationFunc, selCtx router.SelectionContext, opts Options) (*Result, error) {
	sel, err := e.registry.Select(operationType, selCtx, router.SelectOptions{
		ForcedModelID: opts.ForcedModelID,
		ForcedTier:    opts.ForcedTier,
	})
	if err != nil {
		return nil, err
	}

	sel, proceed, err := e.confirm(ctx, operationType, sel, selCtx)
	if err != nil {
		return &Result{Outcome: OutcomeCancelled, Selection: sel}, err
	}
	if !proceed {
		return &Result{Outcome: OutcomeCancelled, Selection: sel}, nil
	}

	return e.invoke(ctx, operationType, fn, selCtx, sel, opts)
}

// confirm runs the confirmation gate. It returns the (possibly
// substituted) selection and whether to proceed.
func (e *Engine) confirm(ctx context.Context, operationType string, sel router.SelectionResult, selCtx router.SelectionContext) (router.SelectionResult, bool, error) {
	if !sel.RequiresConfirmation {
		return sel, true, nil
	}
	if e.confirmer == nil {
		// No prompt available. Never silently proceed past the gate.
		return sel, false, nil
	}

	conf, err := e.confirmer.Confirm(ctx, sel)
	if err != nil {
		return sel, false, err
	}
	switch conf.Decision {
	case DecisionProceed:
		return sel, true, nil
	case DecisionSubstitute:
		// The user already saw and answered the prompt; do not re-gate
		// the substituted tier.
		sub := selCtx
		sub.SkipConfirmation = true
		resel, err := e.registry.Select(operationType, sub, router.SelectOptions{ForcedTier: conf.Tier.String()})
		if err != nil {
			return sel, false, err
		}
		resel.Reason = fmt.Sprintf("user substituted %s tier at confirmation", conf.Tier)
		return resel, true, nil
	default:
		return sel, false, nil
	}
}

// invoke drives the Invoking/Retrying/FallingBack loop.
func (e *Engine) invoke(ctx context.Context, operationType string, fn OperationFunc, selCtx router.SelectionContext, sel router.SelectionResult, opts Options) (*Result, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          e.cfg.BackoffMultiplier,
		MaxInterval:         e.cfg.MaxBackoff,
	}
	bo.Reset()

	res := &Result{Selection: sel}
	var lastErr error

	for res.Attempts < maxAttempts {
		res.Attempts++
		if n := len(res.ModelsAttempted); n == 0 || res.ModelsAttempted[n-1] != sel.ModelID {
			res.ModelsAttempted = append(res.ModelsAttempted, sel.ModelID)
		}

		out, err := fn(ctx, sel.ModelID)
		if err == nil {
			res.Output = out
			res.Outcome = OutcomeSuccess
			res.Selection = sel
			e.appendEntry(ctx, operationType, sel, true)
			return res, nil
		}
		if ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			res.Selection = sel
			return res, ctx.Err()
		}
		lastErr = err

		switch Classify(err) {
		case ClassTransient:
			if res.Attempts >= maxAttempts {
				break
			}
			delay := bo.NextBackOff()
			e.notifyf("transient error from %s, retrying in %s: %v", sel.ModelID, delay, err)
			if err := sleepCtx(ctx, delay); err != nil {
				res.Outcome = OutcomeCancelled
				res.Selection = sel
				return res, err
			}
			continue

		case ClassUnavailable:
			next, ok := e.nextFallback(sel.Tier)
			if !ok || res.Attempts >= maxAttempts {
				break
			}
			origin := sel.Tier
			if sel.FallbackFrom != nil {
				origin = *sel.FallbackFrom
			}
			resel, rerr := e.registry.Reselect(operationType, next, selCtx, origin)
			if rerr != nil {
				break
			}
			e.notifyf("%s is unavailable, falling back to %s (%s tier, est $%.4f)",
				sel.ModelID, resel.ModelID, resel.Tier, resel.EstimatedCost)
			sel = resel
			bo.Reset()
			continue

		case ClassPermanent:
			// Surfaced immediately, no retry or fallback.
		}
		break
	}

	res.Outcome = OutcomeExhausted
	res.Selection = sel
	e.appendEntry(ctx, operationType, sel, false)
	return res, fmt.Errorf("operation %q failed after %d attempt(s) (models tried: %s): %w",
		operationType, res.Attempts, strings.Join(res.ModelsAttempted, ", "), lastErr)
}

// nextFallback returns the registered tier after the given one in the
// fallback sequence.
func (e *Engine) nextFallback(from router.Tier) (router.Tier, bool) {
	seq := e.registry.FallbackSequence(from)
	for i, t := range seq {
		if t == from && i+1 < len(seq) {
			return seq[i+1], true
		}
	}
	return 0, false
}

// appendEntry writes the single terminal ledger entry for a completed
// operation.
func (e *Engine) appendEntry(ctx context.Context, operationType string, sel router.SelectionResult, succeeded bool) {
	if e.ledger == nil {
		return
	}
	entry := CostLogEntry{
		Timestamp:       time.Now().UTC(),
		OperationType:   operationType,
		ModelID:         sel.ModelID,
		Tier:            sel.Tier,
		InputTokens:     sel.EstimatedInputTokens,
		OutputTokens:    sel.EstimatedOutputTokens,
		Cost:            sel.EstimatedCost,
		Succeeded:       succeeded,
		FallbackApplied: sel.FallbackFrom != nil,
	}
	if err := e.ledger.Append(ctx, entry); err != nil {
		e.notifyf("warning: failed to record cost entry: %v", err)
	}
}

func (e *Engine) notifyf(format string, args ...any) {
	if e.Notify != nil {
		e.Notify(format, args...)
	}
}

// sleepCtx waits for the duration or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

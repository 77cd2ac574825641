// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import "fmt"

// ============================================================================
// SELECTION TYPES
// ============================================================================

// SelectionContext is the caller-supplied context for one operation: the
// input payload (or a pre-computed token count) and the confirmation
// bypass flag.
type SelectionContext struct {
	// Input is the literal input text. Ignored when InputTokens is set.
	Input string
	// InputTokens is an explicit input token count. When zero, tokens are
	// estimated from Input.
	InputTokens int
	// SkipConfirmation bypasses the confirmation gate entirely.
	SkipConfirmation bool
}

// SelectOptions carries the explicit user overrides from the CLI surface.
type SelectOptions struct {
	// ForcedModelID pins the selection to a specific model (--model).
	// Takes precedence over ForcedTier.
	ForcedModelID string
	// ForcedTier pins the selection to a specific tier (--tier).
	ForcedTier string
}

// SelectionResult is the routing decision for one operation.
type SelectionResult struct {
	ModelID               string  `json:"model_id"`
	Tier                  Tier    `json:"tier"`
	EstimatedInputTokens  int     `json:"estimated_input_tokens"`
	EstimatedOutputTokens int     `json:"estimated_output_tokens"`
	EstimatedCost         float64 `json:"estimated_cost"`
	RequiresConfirmation  bool    `json:"requires_confirmation"`
	// Reason explains why this model was selected.
	Reason string `json:"reason"`
	// FallbackFrom records the originally selected tier when the engine
	// had to fall back. Nil for a first-choice selection.
	FallbackFrom *Tier `json:"fallback_from,omitempty"`
}

// String returns a human-readable summary of the selection.
func (s SelectionResult) String() string {
	return fmt.Sprintf("%s (%s tier, ~%d in / ~%d out tokens, est $%.4f): %s",
		s.ModelID, s.Tier, s.EstimatedInputTokens, s.EstimatedOutputTokens, s.EstimatedCost, s.Reason)
}

// ============================================================================
// SELECTION ENGINE
// ============================================================================

// Select picks the model for an operation and estimates its cost.
//
// Resolution order: forced model ID (reverse lookup), forced tier, then
// the operation classifier. The confirmation gate trips when the
// estimated cost exceeds the minimum-cost threshold or the tier's
// per-million output cost exceeds the cheap-cost threshold, unless the
// caller set SkipConfirmation.
//
// Select performs no I/O; presenting the confirmation prompt is the
// engine's job.
func (r *Registry) Select(operationType string, selCtx SelectionContext, opts SelectOptions) (SelectionResult, error) {
	var (
		tier   Tier
		reason string
	)

	switch {
	case opts.ForcedModelID != "":
		t, err := r.TierForModel(opts.ForcedModelID)
		if err != nil {
			return SelectionResult{}, err
		}
		tier = t
		reason = fmt.Sprintf("explicit model override (--model=%s)", opts.ForcedModelID)

	case opts.ForcedTier != "":
		t, err := ParseTier(opts.ForcedTier)
		if err != nil {
			return SelectionResult{}, err
		}
		if _, err := r.GetTier(t); err != nil {
			return SelectionResult{}, err
		}
		tier = t
		reason = fmt.Sprintf("explicit tier override (--tier=%s)", opts.ForcedTier)

	default:
		tier = r.ResolveTier(operationType)
		if _, mapped := r.operations[operationType]; mapped {
			reason = fmt.Sprintf("operation %q maps to %s tier", operationType, tier)
		} else {
			reason = fmt.Sprintf("operation %q is unmapped, using default %s tier", operationType, tier)
		}
	}

	return r.selectionFor(operationType, tier, selCtx, reason, nil)
}

// Reselect re-runs estimation for a fallback tier, preserving the original
// tier in FallbackFrom. The engine calls this when walking the fallback
// sequence, since cost changes with the tier.
func (r *Registry) Reselect(operationType string, tier Tier, selCtx SelectionContext, from Tier) (SelectionResult, error) {
	reason := fmt.Sprintf("fallback from %s tier (model unavailable)", from)
	return r.selectionFor(operationType, tier, selCtx, reason, &from)
}

// selectionFor populates a SelectionResult for a resolved tier.
func (r *Registry) selectionFor(operationType string, tier Tier, selCtx SelectionContext, reason string, fallbackFrom *Tier) (SelectionResult, error) {
	mt, err := r.GetTier(tier)
	if err != nil {
		return SelectionResult{}, err
	}

	inputTokens := selCtx.InputTokens
	if inputTokens == 0 {
		inputTokens = EstimateTokens(selCtx.Input)
	}
	outputTokens := r.EstimateOutputTokens(operationType, inputTokens)
	cost := EstimateCost(mt, inputTokens, outputTokens)

	requiresConfirmation := false
	if !selCtx.SkipConfirmation {
		requiresConfirmation = cost >= r.minEstimatedCost || mt.OutputCostPerMTok >= r.maxCheapCostPerMillion
	}

	return SelectionResult{
		ModelID:               mt.ModelID,
		Tier:                  tier,
		EstimatedInputTokens:  inputTokens,
		EstimatedOutputTokens: outputTokens,
		EstimatedCost:         cost,
		RequiresConfirmation:  requiresConfirmation,
		Reason:                reason,
		FallbackFrom:          fallbackFrom,
	}, nil
}

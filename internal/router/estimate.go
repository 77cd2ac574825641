// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import "math"

// ============================================================================
// TOKEN ESTIMATION
// ============================================================================

// charsPerToken is the approximate characters-per-token ratio for the
// backends the tooling targets. Deliberately rough; real tokenizers vary.
const charsPerToken = 4

// EstimateTokens estimates the token count of a text using the ~4
// chars/token heuristic. The division rounds up, so the estimate is
// biased high on purpose: an over-estimate produces a conservative cost
// warning, an under-estimate would skip the confirmation gate.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateOutputTokens estimates how many output tokens an operation will
// produce from the given input, using the registry's per-operation output
// ratio. Unknown operation types use a neutral 1:1 ratio. Rounds up.
func (r *Registry) EstimateOutputTokens(operationType string, inputTokens int) int {
	if inputTokens <= 0 {
		return 0
	}
	return int(math.Ceil(float64(inputTokens) * r.OutputRatio(operationType)))
}

// ============================================================================
// COST ESTIMATION
// ============================================================================

// EstimateCost computes the estimated dollar cost of running the given
// token counts against a tier's model:
//
//	inputTokens/1e6 * inputCostPerMTok + outputTokens/1e6 * outputCostPerMTok
//
// Pure function: same inputs, same result, no I/O.
func EstimateCost(mt ModelTier, inputTokens, outputTokens int) float64 {
	inputCost := float64(inputTokens) / 1e6 * mt.InputCostPerMTok
	outputCost := float64(outputTokens) / 1e6 * mt.OutputCostPerMTok
	return inputCost + outputCost
}

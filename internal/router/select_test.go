// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"errors"
	"math"
	"strings"
	"testing"
)

// TestSelectClassifierScenario covers the baseline path: registry with
// simple ($0.25/$1.25) and medium ($3/$15), "update" mapped to medium,
// 1000 chars of input.
func TestSelectClassifierScenario(t *testing.T) {
	r := mustRegistry(t, RegistryConfig{
		Tiers: []TierSpec{
			{Name: "simple", Model: "haiku", InputCostPerMTok: 0.25, OutputCostPerMTok: 1.25},
			{Name: "medium", Model: "sonnet", InputCostPerMTok: 3, OutputCostPerMTok: 15},
		},
		Operations:             map[string]string{"update": "medium"},
		DefaultTier:            "simple",
		MinEstimatedCost:       1.00,
		MaxCheapCostPerMillion: 20.00,
	})

	sel, err := r.Select("update", SelectionContext{Input: strings.Repeat("x", 1000)}, SelectOptions{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	if sel.Tier != TierMedium {
		t.Errorf("Tier = %v, want TierMedium", sel.Tier)
	}
	if sel.ModelID != "sonnet" {
		t.Errorf("ModelID = %q, want sonnet", sel.ModelID)
	}
	if sel.EstimatedInputTokens != 250 {
		t.Errorf("EstimatedInputTokens = %d, want 250", sel.EstimatedInputTokens)
	}

	wantCost := float64(sel.EstimatedInputTokens)/1e6*3 + float64(sel.EstimatedOutputTokens)/1e6*15
	if math.Abs(sel.EstimatedCost-wantCost) > 1e-12 {
		t.Errorf("EstimatedCost = %v, want %v", sel.EstimatedCost, wantCost)
	}

	// Well below the $1.00 threshold and medium's output cost is under the
	// cheap-cost ceiling, so no confirmation.
	if sel.RequiresConfirmation {
		t.Error("RequiresConfirmation = true, want false (below both thresholds)")
	}
	if sel.FallbackFrom != nil {
		t.Errorf("FallbackFrom = %v, want nil", *sel.FallbackFrom)
	}
}

func TestSelectForcedTier(t *testing.T) {
	r := mustRegistry(t, testConfig())

	// "update" normally maps to medium; the override pins it to simple.
	sel, err := r.Select("update", SelectionContext{Input: "short text"}, SelectOptions{ForcedTier: "simple"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Tier != TierSimple {
		t.Errorf("Tier = %v, want TierSimple", sel.Tier)
	}
	if !strings.Contains(sel.Reason, "override") {
		t.Errorf("Reason = %q, want override mention", sel.Reason)
	}
}

func TestSelectForcedTierUnregistered(t *testing.T) {
	rc := testConfig()
	rc.Tiers = rc.Tiers[:2]
	delete(rc.Operations, "generate-plan")
	r := mustRegistry(t, rc)

	_, err := r.Select("update", SelectionContext{}, SelectOptions{ForcedTier: "research"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Select(forced unregistered tier) error = %v, want *ConfigError", err)
	}
}

func TestSelectForcedModel(t *testing.T) {
	r := mustRegistry(t, testConfig())

	sel, err := r.Select("summarize", SelectionContext{Input: "x"}, SelectOptions{ForcedModelID: "claude-3-opus"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Tier != TierComplex {
		t.Errorf("Tier = %v, want TierComplex (reverse lookup)", sel.Tier)
	}
	if sel.ModelID != "claude-3-opus" {
		t.Errorf("ModelID = %q, want claude-3-opus", sel.ModelID)
	}
}

func TestSelectForcedModelUnknown(t *testing.T) {
	r := mustRegistry(t, testConfig())

	_, err := r.Select("summarize", SelectionContext{}, SelectOptions{ForcedModelID: "mystery-model"})
	var unknownErr *UnknownModelError
	if !errors.As(err, &unknownErr) {
		t.Errorf("Select(unknown model) error = %v, want *UnknownModelError", err)
	}
}

// TestSelectForcedModelWinsOverTier verifies resolution order: model
// override beats tier override.
func TestSelectForcedModelWinsOverTier(t *testing.T) {
	r := mustRegistry(t, testConfig())

	sel, err := r.Select("summarize", SelectionContext{Input: "x"}, SelectOptions{
		ForcedModelID: "claude-3-haiku",
		ForcedTier:    "research",
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.Tier != TierSimple {
		t.Errorf("Tier = %v, want TierSimple (model override wins)", sel.Tier)
	}
}

// ============================================================================
// CONFIRMATION GATE
// ============================================================================

func TestConfirmationGate(t *testing.T) {
	tests := []struct {
		name             string
		tier             string
		inputChars       int
		skipConfirmation bool
		want             bool
	}{
		// simple: $1.25/M output, under the $2.00 cheap ceiling; tiny cost.
		{"cheap tier small input", "simple", 100, false, false},
		// research: $600/M output exceeds the cheap ceiling regardless of size.
		{"expensive tier small input", "research", 100, false, true},
		// simple tier but enough input to push estimated cost past $1.00:
		// 1.00 / (0.25+1.25 per M) = ~667k tokens = ~2.7M chars.
		{"cheap tier huge input", "simple", 3_000_000, false, true},
		// skipConfirmation always bypasses, even over both thresholds.
		{"skip bypasses gate", "research", 3_000_000, true, false},
	}

	r := mustRegistry(t, testConfig())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := r.Select("anything", SelectionContext{
				Input:            strings.Repeat("x", tt.inputChars),
				SkipConfirmation: tt.skipConfirmation,
			}, SelectOptions{ForcedTier: tt.tier})
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if sel.RequiresConfirmation != tt.want {
				t.Errorf("RequiresConfirmation = %v, want %v (cost=%v)", sel.RequiresConfirmation, tt.want, sel.EstimatedCost)
			}
		})
	}
}

// ============================================================================
// EXPLICIT TOKEN COUNTS AND RESELECTION
// ============================================================================

func TestSelectExplicitTokenCount(t *testing.T) {
	r := mustRegistry(t, testConfig())

	sel, err := r.Select("summarize", SelectionContext{Input: "ignored", InputTokens: 5000}, SelectOptions{})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if sel.EstimatedInputTokens != 5000 {
		t.Errorf("EstimatedInputTokens = %d, want 5000 (explicit count wins)", sel.EstimatedInputTokens)
	}
}

func TestReselectRecordsFallbackFrom(t *testing.T) {
	r := mustRegistry(t, testConfig())

	sel, err := r.Reselect("generate-plan", TierMedium, SelectionContext{InputTokens: 1000}, TierComplex)
	if err != nil {
		t.Fatalf("Reselect() error = %v", err)
	}
	if sel.Tier != TierMedium {
		t.Errorf("Tier = %v, want TierMedium", sel.Tier)
	}
	if sel.FallbackFrom == nil || *sel.FallbackFrom != TierComplex {
		t.Errorf("FallbackFrom = %v, want TierComplex", sel.FallbackFrom)
	}

	// Cost must be re-estimated for the fallback tier's pricing.
	mt, _ := r.GetTier(TierMedium)
	want := EstimateCost(mt, sel.EstimatedInputTokens, sel.EstimatedOutputTokens)
	if sel.EstimatedCost != want {
		t.Errorf("EstimatedCost = %v, want %v", sel.EstimatedCost, want)
	}
}

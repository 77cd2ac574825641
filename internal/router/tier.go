// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// TIER TYPE
// ============================================================================

// Tier represents a model cost/capability bucket.
// Ordered by cost/capability: Simple < Medium < Complex < Research.
type Tier int

const (
	// TierSimple is the cheapest tier: formatting, extraction, short answers.
	TierSimple Tier = iota
	// TierMedium is the mid-range tier: summarization, document parsing.
	TierMedium
	// TierComplex is the full-capability tier: plan generation, synthesis.
	TierComplex
	// TierResearch is the most capable (and most expensive) tier.
	TierResearch
)

// tierNames are the canonical lowercase names used in configuration files
// and on the command line.
var tierNames = [...]string{"simple", "medium", "complex", "research"}

// AllTiers returns every tier in ascending capability order.
func AllTiers() []Tier {
	return []Tier{TierSimple, TierMedium, TierComplex, TierResearch}
}

// String returns the canonical name of the tier.
func (t Tier) String() string {
	if t >= 0 && int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// Valid reports whether the tier is one of the known tiers.
func (t Tier) Valid() bool {
	return t >= TierSimple && t <= TierResearch
}

// Order returns the numeric capability rank. Lower is cheaper.
func (t Tier) Order() int {
	return int(t)
}

// ParseTier parses a tier name as it appears in configuration or flags.
func ParseTier(name string) (Tier, error) {
	for i, n := range tierNames {
		if n == name {
			return Tier(i), nil
		}
	}
	return 0, &ConfigError{Field: "tier", Message: fmt.Sprintf("unknown tier %q (valid: simple, medium, complex, research)", name)}
}

// MarshalJSON encodes the tier as its canonical name.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a tier from its canonical name.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ============================================================================
// MODEL TIER RECORD
// ============================================================================

// ModelTier is the immutable registry record for one tier: the backend
// model it maps to and its per-million-token pricing in dollars.
type ModelTier struct {
	Tier              Tier    `json:"tier"`
	ModelID           string  `json:"model_id"`
	InputCostPerMTok  float64 `json:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok"`
}

// String returns a human-readable summary of the record.
func (m ModelTier) String() string {
	return fmt.Sprintf("%s -> %s ($%.2f/M in, $%.2f/M out)",
		m.Tier, m.ModelID, m.InputCostPerMTok, m.OutputCostPerMTok)
}

// ============================================================================
// FALLBACK SEQUENCE
// ============================================================================

// FallbackSequence returns the ordered list of tiers tried when models
// become unavailable, starting at the given tier and walking down to the
// cheapest tier. The sequence is strictly decreasing in capability and
// never repeats a tier; for TierSimple it is the singleton [TierSimple].
func FallbackSequence(from Tier) []Tier {
	if !from.Valid() {
		return nil
	}
	seq := make([]Tier, 0, from.Order()+1)
	for t := from; t >= TierSimple; t-- {
		seq = append(seq, t)
	}
	return seq
}

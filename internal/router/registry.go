// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"sort"
)

// ============================================================================
// REGISTRY CONFIGURATION
// ============================================================================

// TierSpec is the raw configuration shape for one tier, as it comes out of
// the config file. Costs are dollars per million tokens.
type TierSpec struct {
	Name              string
	Model             string
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// RegistryConfig is everything the registry needs from the configuration
// source. It is validated once by NewRegistry; malformed data fails fast
// with a ConfigError rather than silently defaulting.
type RegistryConfig struct {
	// Tiers is the tier table. At least one tier is required.
	Tiers []TierSpec
	// Operations maps operation types (case-sensitive) to tier names.
	Operations map[string]string
	// OutputRatios maps operation types to expected output:input token
	// ratios. Unlisted operation types use a neutral 1:1 ratio.
	OutputRatios map[string]float64
	// DefaultTier is used for unmapped operation types.
	DefaultTier string
	// MinEstimatedCost is the dollar cost above which a selection requires
	// confirmation.
	MinEstimatedCost float64
	// MaxCheapCostPerMillion is the per-million output cost above which a
	// tier is no longer considered cheap and requires confirmation.
	MaxCheapCostPerMillion float64
}

// Default output ratios for the operation types the tooling ships with.
// Summaries compress their input; plan generation expands it.
var defaultOutputRatios = map[string]float64{
	"summarize":      0.5,
	"parse-document": 0.4,
	"generate-plan":  2.0,
}

// neutralOutputRatio is used for operation types with no configured ratio.
const neutralOutputRatio = 1.0

// ============================================================================
// REGISTRY
// ============================================================================

// Registry is the read-only tier table plus the operation classifier.
// It is built once at process start and never mutated afterwards, so all
// methods are safe for concurrent use.
type Registry struct {
	tiers        map[Tier]ModelTier
	byModel      map[string]Tier
	operations   map[string]Tier
	outputRatios map[string]float64
	defaultTier  Tier

	minEstimatedCost       float64
	maxCheapCostPerMillion float64
}

// NewRegistry validates the configuration and builds the registry.
// Every validation failure is a *ConfigError naming the offending field.
func NewRegistry(rc RegistryConfig) (*Registry, error) {
	if len(rc.Tiers) == 0 {
		return nil, &ConfigError{Field: "tiers", Message: "at least one tier must be registered"}
	}

	r := &Registry{
		tiers:        make(map[Tier]ModelTier, len(rc.Tiers)),
		byModel:      make(map[string]Tier, len(rc.Tiers)),
		operations:   make(map[string]Tier, len(rc.Operations)),
		outputRatios: make(map[string]float64),

		minEstimatedCost:       rc.MinEstimatedCost,
		maxCheapCostPerMillion: rc.MaxCheapCostPerMillion,
	}

	for _, spec := range rc.Tiers {
		tier, err := ParseTier(spec.Name)
		if err != nil {
			return nil, &ConfigError{Field: "tiers", Message: fmt.Sprintf("invalid tier name %q", spec.Name)}
		}
		if _, dup := r.tiers[tier]; dup {
			return nil, &ConfigError{Field: "tiers", Message: fmt.Sprintf("tier %q registered twice", spec.Name)}
		}
		if spec.Model == "" {
			return nil, &ConfigError{Field: fmt.Sprintf("tiers.%s.model", spec.Name), Message: "model ID must not be empty"}
		}
		if prev, dup := r.byModel[spec.Model]; dup {
			return nil, &ConfigError{
				Field:   fmt.Sprintf("tiers.%s.model", spec.Name),
				Message: fmt.Sprintf("model %q already registered to tier %q", spec.Model, prev),
			}
		}
		if spec.InputCostPerMTok < 0 || spec.OutputCostPerMTok < 0 {
			return nil, &ConfigError{Field: fmt.Sprintf("tiers.%s", spec.Name), Message: "costs must be non-negative"}
		}
		r.tiers[tier] = ModelTier{
			Tier:              tier,
			ModelID:           spec.Model,
			InputCostPerMTok:  spec.InputCostPerMTok,
			OutputCostPerMTok: spec.OutputCostPerMTok,
		}
		r.byModel[spec.Model] = tier
	}

	if rc.DefaultTier == "" {
		return nil, &ConfigError{Field: "default_tier", Message: "default tier must be set"}
	}
	defaultTier, err := ParseTier(rc.DefaultTier)
	if err != nil {
		return nil, &ConfigError{Field: "default_tier", Message: fmt.Sprintf("invalid tier name %q", rc.DefaultTier)}
	}
	if _, ok := r.tiers[defaultTier]; !ok {
		return nil, &ConfigError{Field: "default_tier", Message: fmt.Sprintf("tier %q is not registered", rc.DefaultTier)}
	}
	r.defaultTier = defaultTier

	for op, tierName := range rc.Operations {
		tier, err := ParseTier(tierName)
		if err != nil {
			return nil, &ConfigError{Field: "operations." + op, Message: fmt.Sprintf("invalid tier name %q", tierName)}
		}
		if _, ok := r.tiers[tier]; !ok {
			return nil, &ConfigError{Field: "operations." + op, Message: fmt.Sprintf("tier %q is not registered", tierName)}
		}
		r.operations[op] = tier
	}

	for op, ratio := range defaultOutputRatios {
		r.outputRatios[op] = ratio
	}
	for op, ratio := range rc.OutputRatios {
		if ratio <= 0 {
			return nil, &ConfigError{Field: "output_ratios." + op, Message: "ratio must be positive"}
		}
		r.outputRatios[op] = ratio
	}

	if rc.MinEstimatedCost < 0 {
		return nil, &ConfigError{Field: "min_estimated_cost", Message: "threshold must be non-negative"}
	}
	if rc.MaxCheapCostPerMillion < 0 {
		return nil, &ConfigError{Field: "max_cheap_cost_per_million", Message: "threshold must be non-negative"}
	}

	return r, nil
}

// ============================================================================
// LOOKUPS
// ============================================================================

// GetTier returns the registry record for a tier. A miss is a *ConfigError:
// it means something referenced a tier the configuration never registered.
func (r *Registry) GetTier(tier Tier) (ModelTier, error) {
	mt, ok := r.tiers[tier]
	if !ok {
		return ModelTier{}, &ConfigError{Field: "tiers", Message: fmt.Sprintf("tier %q is not registered", tier)}
	}
	return mt, nil
}

// ResolveTier maps an operation type to its tier. Unmapped operation types
// resolve to the default tier; this never fails.
func (r *Registry) ResolveTier(operationType string) Tier {
	if tier, ok := r.operations[operationType]; ok {
		return tier
	}
	return r.defaultTier
}

// TierForModel reverse-looks-up the tier a model ID is registered to.
func (r *Registry) TierForModel(modelID string) (Tier, error) {
	tier, ok := r.byModel[modelID]
	if !ok {
		return 0, &UnknownModelError{ModelID: modelID}
	}
	return tier, nil
}

// OutputRatio returns the expected output:input token ratio for an
// operation type, or the neutral 1:1 ratio when none is configured.
func (r *Registry) OutputRatio(operationType string) float64 {
	if ratio, ok := r.outputRatios[operationType]; ok {
		return ratio
	}
	return neutralOutputRatio
}

// DefaultTier returns the tier used for unmapped operation types.
func (r *Registry) DefaultTier() Tier {
	return r.defaultTier
}

// Thresholds returns the confirmation gate thresholds: the minimum
// estimated dollar cost and the maximum "cheap" per-million output cost.
func (r *Registry) Thresholds() (minEstimatedCost, maxCheapCostPerMillion float64) {
	return r.minEstimatedCost, r.maxCheapCostPerMillion
}

// Tiers returns all registered tier records in ascending capability order.
func (r *Registry) Tiers() []ModelTier {
	out := make([]ModelTier, 0, len(r.tiers))
	for _, mt := range r.tiers {
		out = append(out, mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}

// FallbackSequence returns the registered subset of the tier walk from the
// given tier down to the cheapest registered tier. Unregistered tiers are
// skipped; the result never repeats a tier.
func (r *Registry) FallbackSequence(from Tier) []Tier {
	var seq []Tier
	for _, t := range FallbackSequence(from) {
		if _, ok := r.tiers[t]; ok {
			seq = append(seq, t)
		}
	}
	return seq
}

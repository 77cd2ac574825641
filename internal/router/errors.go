// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import "fmt"

// ConfigError indicates broken registry configuration: a missing tier,
// negative pricing, or an operation mapped to an unregistered tier.
// It is fatal at load time; nothing downstream can be trusted after one.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UnknownModelError indicates a --model override referencing a model ID
// that no registered tier maps to. Surfaced immediately, never retried.
type UnknownModelError struct {
	ModelID string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q: not registered to any tier", e.ModelID)
}

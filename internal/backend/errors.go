// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known API failure modes.
var (
	// ErrNotConfigured indicates the client has no API key.
	ErrNotConfigured = errors.New("backend not configured: no API key set")
)

// Well-known structured error codes. Backends that return machine-readable
// codes use these; the engine's classifier keys on them before it ever
// looks at a message string.
const (
	CodeRateLimited       = "rate_limited"
	CodeOverloaded        = "overloaded"
	CodeModelNotFound     = "model_not_found"
	CodeModelDecommission = "model_decommissioned"
	CodeInvalidRequest    = "invalid_request"
	CodeAuthFailed        = "auth_failed"
	CodeInsufficientFunds = "insufficient_credits"
)

// Error is a structured backend error: HTTP status plus the provider's
// machine-readable error code when one was returned.
type Error struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("backend error (HTTP %d): %s", e.Status, e.Message)
}

// IsRateLimited reports whether the error is a rate-limit signal.
func (e *Error) IsRateLimited() bool {
	return e.Status == 429 || e.Code == CodeRateLimited
}

// IsServerOverload reports whether the error is a transient server-side
// failure (5xx or an explicit overload code).
func (e *Error) IsServerOverload() bool {
	return (e.Status >= 500 && e.Status < 600) || e.Code == CodeOverloaded
}

// IsModelUnavailable reports whether the requested model does not exist
// or has been decommissioned.
func (e *Error) IsModelUnavailable() bool {
	return e.Status == 404 || e.Code == CodeModelNotFound || e.Code == CodeModelDecommission
}

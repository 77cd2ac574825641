// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"errors"
	"strings"

	"github.com/jeranaias/taskrun/internal/backend"
)

// Classification is the engine's verdict on a backend failure.
type Classification int

const (
	// ClassTransient errors are retried against the same model.
	ClassTransient Classification = iota
	// ClassUnavailable errors advance to the next fallback tier.
	ClassUnavailable
	// ClassPermanent errors surface immediately without retry or fallback.
	ClassPermanent
)

// String returns the lowercase classification name.
func (c Classification) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassUnavailable:
		return "unavailable"
	default:
		return "permanent"
	}
}

// Classify maps a backend failure to a retry decision. Structured error
// codes and HTTP status win; substring matching against the message is
// the last resort for backends that return plain-text errors.
func Classify(err error) Classification {
	if err == nil {
		return ClassPermanent
	}

	var be *backend.Error
	if errors.As(err, &be) {
		switch {
		case be.IsRateLimited(), be.IsServerOverload():
			return ClassTransient
		case be.IsModelUnavailable():
			return ClassUnavailable
		default:
			return ClassPermanent
		}
	}

	return classifyByMessage(err.Error())
}

// classifyByMessage is the unstructured fallback.
func classifyByMessage(msg string) Classification {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "try again"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporarily"),
		strings.Contains(msg, "connection re"):
		return ClassTransient
	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "no such model"),
		strings.Contains(msg, "decommissioned"):
		return ClassUnavailable
	default:
		return ClassPermanent
	}
}

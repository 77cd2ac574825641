// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend provides the OpenRouter-compatible chat client used as
// the default operation function, plus the structured error type the
// engine's classifier is built on.
//
// The client performs exactly one request per call: retries and fallback
// are owned by the engine package, never duplicated here.
package backend

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine orchestrates AI-backed operations end to end: model
// selection, the cost confirmation gate, invocation, and the retry and
// fallback sequence when a backend degrades.
//
// One Execute call runs strictly sequentially. Transient failures retry
// the same model with exponential backoff; unavailable models fall back
// to the next cheaper registered tier; permanent failures surface
// immediately. Every terminal outcome except a cancellation appends
// exactly one entry to the cost ledger.
package engine

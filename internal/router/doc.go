// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router selects the cheapest capable model for an AI-backed
// operation.
//
// It combines a tier registry (tier -> model + pricing), an operation
// classifier (operation type -> tier), and token/cost estimation into a
// SelectionResult that the execution engine acts on.
//
// Tiers are ordered by cost/capability: Simple < Medium < Complex < Research.
// Selection never performs I/O; confirmation and invocation belong to the
// engine package.
package router

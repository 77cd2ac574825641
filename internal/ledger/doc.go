// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger stores the append-only cost log in a local SQLite
// database. Entries are written once per completed operation and never
// mutated; reporting is aggregation over date ranges.
package ledger

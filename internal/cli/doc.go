// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the taskrun command surface: argument parsing,
// command handlers, the interactive cost confirmation prompt, and
// terminal-aware styled output.
package cli

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Exit codes and error display for the taskrun CLI.
//
// Handlers return exit codes rather than calling os.Exit so batch mode
// and tests can observe outcomes.

package cli

import (
	"fmt"
	"os"
)

const (
	// ExitSuccess indicates the operation completed.
	ExitSuccess = 0
	// ExitError indicates a permanent or exhausted failure, or any
	// configuration error.
	ExitError = 1
	// ExitAborted indicates the user declined the confirmation prompt.
	ExitAborted = 2
)

// PrintError writes a styled error line to stderr.
func PrintError(err error) {
	fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+err.Error())
}

// PrintWarning writes a styled warning line to stderr.
func PrintWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, WarningStyle.Render(fmt.Sprintf(format, args...)))
}

// UsageError reports invalid command usage and returns the error exit
// code.
func UsageError(format string, args ...any) int {
	fmt.Fprintln(os.Stderr, ErrorStyle.Render("Usage error: ")+fmt.Sprintf(format, args...))
	fmt.Fprintln(os.Stderr, "Run 'taskrun help' for usage.")
	return ExitError
}

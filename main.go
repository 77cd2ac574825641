// taskrun - cost-aware runner for AI-backed operations.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"os"

	"github.com/jeranaias/taskrun/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	var code int
	switch cmd {
	case cli.CmdRun:
		code = cli.HandleRun(args)
	case cli.CmdReport:
		code = cli.HandleReport(args)
	case cli.CmdConfig:
		code = cli.HandleConfig(args)
	case cli.CmdStatus:
		code = cli.HandleStatus(args)
	case cli.CmdVersion:
		code = cli.HandleVersion(args)
	default:
		code = cli.HandleHelp(args)
	}
	os.Exit(code)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - The config command: inspect and bootstrap
// configuration.

package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/taskrun/internal/config"
)

// HandleConfig executes the config command.
func HandleConfig(args Args) int {
	parser := NewArgParser(args.Raw)

	switch parser.Subcommand() {
	case "", "show":
		return configShow()
	case "path":
		return configPath()
	case "init":
		return configInit()
	default:
		return UsageError("unknown config subcommand %q (expected show, path, or init)", parser.Subcommand())
	}
}

// configShow prints the effective configuration as TOML, with the API
// key masked.
func configShow() int {
	cfg, err := config.Load()
	if err != nil {
		PrintError(err)
		return ExitError
	}
	if cfg.Backend.APIKey != "" {
		cfg.Backend.APIKey = "********"
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		PrintError(err)
		return ExitError
	}
	fmt.Print(buf.String())
	return ExitSuccess
}

// configPath prints where configuration is read from.
func configPath() int {
	tomlPath, err := config.ConfigPathTOML()
	if err != nil {
		PrintError(err)
		return ExitError
	}
	jsonPath, _ := config.ConfigPathJSON()

	fmt.Println(tomlPath)
	if _, err := os.Stat(tomlPath); err == nil {
		fmt.Println(DimStyle.Render("  (present)"))
	} else if _, err := os.Stat(jsonPath); err == nil {
		fmt.Println(DimStyle.Render("  (absent; JSON fallback in use: " + jsonPath + ")"))
	} else {
		fmt.Println(DimStyle.Render("  (absent; built-in defaults in use)"))
	}
	return ExitSuccess
}

// configInit writes the default configuration, refusing to overwrite.
func configInit() int {
	path, err := config.ConfigPathTOML()
	if err != nil {
		PrintError(err)
		return ExitError
	}
	if _, err := os.Stat(path); err == nil {
		PrintError(fmt.Errorf("config already exists at %s", path))
		return ExitError
	}
	if err := config.Save(config.Default()); err != nil {
		PrintError(err)
		return ExitError
	}
	fmt.Println(SuccessStyle.Render("Wrote ") + ValueStyle.Render(path))
	return ExitSuccess
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/sessiontimer/internal/config"
)

// configPath returns the --config path or the default location.
func configPath(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	return config.ConfigPath()
}

// loadConfig loads the config file if it exists and defaults otherwise.
func loadConfig(args Args) (*config.Config, string, error) {
	path, err := configPath(args)
	if err != nil {
		return nil, "", err
	}

	if _, statErr := os.Stat(path); statErr == nil {
		cfg, err := config.LoadFromPath(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return nil, path, statErr
	}

	cfg := config.Default()
	cfg.ApplyEnvOverrides()
	return cfg, path, nil
}

// HandleConfig runs "config show|get|set|init|path|keys".
func HandleConfig(args Args, out io.Writer) error {
	p := args.Parser
	sub := p.Subcommand()
	if sub == "" {
		sub = "show"
	}

	switch sub {
	case "path":
		path, err := configPath(args)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, path)
		return nil

	case "keys":
		for _, k := range config.Keys() {
			fmt.Fprintln(out, k)
		}
		return nil

	case "init":
		path, err := configPath(args)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !p.BoolFlag("force") {
			return &CommandError{Command: "config", Action: "init", Err: fmt.Errorf("%s already exists (use --force to overwrite)", path)}
		}
		if err := config.SaveTOML(config.Default(), path); err != nil {
			return &CommandError{Command: "config", Action: "init", Err: err}
		}
		fmt.Fprintf(out, "%s wrote %s\n", RenderStatus("ok"), path)
		return nil
	}

	cfg, path, err := loadConfig(args)
	if err != nil {
		return err
	}

	switch sub {
	case "show":
		fmt.Fprintln(out, TitleStyle.Render("Configuration"))
		fmt.Fprintln(out, DimStyle.Render("# "+path))
		return toml.NewEncoder(out).Encode(cfg)

	case "get":
		key := p.Positional(1)
		if key == "" {
			return &UsageError{Message: "usage: sessiontimer config get <section.key>"}
		}
		v, err := cfg.Get(key)
		if err != nil {
			return &NotFoundError{Resource: "config key", ID: key}
		}
		fmt.Fprintln(out, v)
		return nil

	case "set":
		key, value := p.Positional(1), p.Positional(2)
		if key == "" || p.PositionalCount() < 3 {
			return &UsageError{Message: "usage: sessiontimer config set <section.key> <value>"}
		}
		if err := cfg.Set(key, value); err != nil {
			return &ValidationError{Field: key, Value: value, Reason: err.Error()}
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.SaveTOML(cfg, path); err != nil {
			return &CommandError{Command: "config", Action: "set", Err: err}
		}
		fmt.Fprintf(out, "%s %s = %s\n", RenderStatus("ok"), key, value)
		return nil

	default:
		return &UsageError{Message: fmt.Sprintf("unknown config subcommand %q", sub)}
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates sessiontimer configuration.
//
// # Key Types
//
//   - Config: Main configuration structure
//   - SessionConfig: Timeout settings applied to new sessions
//   - EngineConfig: Timer worker bound and activity coalescing
//   - Watcher: Reloads the file when it changes on disk
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (SESSIONTIMER_*)
//   - ~/.sessiontimer/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tc, err := cfg.SessionConfig()
//
// A reloaded config only affects sessions created afterwards. Running
// schedulers keep the configuration they were started with.
package config

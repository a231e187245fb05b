// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the sessiontimer command line.
//
// # Commands
//
//   - run: start one session and print its timeout notifications
//   - config: show, get, set, init or locate the config file
//   - audit: list or count recorded session events
//   - version: print build information
//
// # Usage
//
//	cmd, args, err := cli.Parse(os.Args[1:])
//	if err != nil {
//	    os.Exit(cli.ExitCode(err))
//	}
//	if err := cli.Execute(cmd, args, os.Stdout); err != nil {
//	    os.Exit(cli.ExitCode(err))
//	}
package cli

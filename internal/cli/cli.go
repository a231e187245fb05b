// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command is the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdRun
	CmdConfig
	CmdAudit
	CmdVersion
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdRun:
		return "run"
	case CmdConfig:
		return "config"
	case CmdAudit:
		return "audit"
	case CmdVersion:
		return "version"
	default:
		return "help"
	}
}

// Args holds global flags and the command's own arguments.
type Args struct {
	// ConfigPath overrides ~/.sessiontimer/config.toml.
	ConfigPath string
	// Verbose forces DEBUG logging.
	Verbose bool
	// Parser holds everything after the command name.
	Parser *ArgParser
}

const usageText = `sessiontimer - session idle and lifetime timeout scheduler

Usage:
  sessiontimer [global flags] <command> [arguments]

Commands:
  run                      Start a session and print its timeout notifications
  config show|get|set|init|path
                           Inspect or edit the configuration file
  audit list <session-id>  Show recorded events of a session
  audit count              Count recorded events
  version                  Print version information
  help                     Show this help

Global flags:
  --config <path>          Config file (default ~/.sessiontimer/config.toml)
  -v, --verbose            Debug logging

Run flags:
  --idle <secs>            Idle timeout
  --session <secs>         Absolute session timeout
  --percent <0-100>        Advance notification percent of the idle window
  --provider <name>        standard or federated
  --unit <duration>        Wall-clock length of one second (default 1s)
  --activity <secs>        Report activity every <secs>
  --activity-for <secs>    Stop reporting activity after <secs>
  --audit                  Record events to the audit database

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "sessiontimer version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Parse parses command-line arguments (without the program name).
func Parse(argv []string) (Command, Args, error) {
	var (
		args      Args
		remaining []string
	)

	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "-v" || arg == "--verbose":
			args.Verbose = true
		case arg == "--config":
			if i+1 >= len(argv) {
				return CmdHelp, args, &UsageError{Message: "--config requires a path"}
			}
			i++
			args.ConfigPath = argv[i]
		case strings.HasPrefix(arg, "--config="):
			args.ConfigPath = strings.TrimPrefix(arg, "--config=")
		default:
			remaining = append(remaining, arg)
		}
	}

	if len(remaining) == 0 {
		args.Parser = NewArgParser(nil)
		return CmdHelp, args, nil
	}

	name := strings.ToLower(remaining[0])
	args.Parser = NewArgParser(remaining[1:])

	switch name {
	case "run", "start":
		return CmdRun, args, nil
	case "config":
		return CmdConfig, args, nil
	case "audit":
		return CmdAudit, args, nil
	case "version", "--version":
		return CmdVersion, args, nil
	case "help", "-h", "--help":
		return CmdHelp, args, nil
	default:
		return CmdHelp, args, &UsageError{Message: fmt.Sprintf("unknown command %q (run 'sessiontimer help')", name)}
	}
}

// Execute runs cmd, writing user-facing output to out.
func Execute(cmd Command, args Args, out io.Writer) error {
	switch cmd {
	case CmdRun:
		return HandleRun(args, out)
	case CmdConfig:
		return HandleConfig(args, out)
	case CmdAudit:
		return HandleAudit(args, out)
	case CmdVersion:
		PrintVersion(out)
		return nil
	default:
		PrintUsage(out)
		return nil
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/sessiontimer/internal/audit"
)

// HandleAudit runs "audit list <session-id>" and "audit count".
func HandleAudit(args Args, out io.Writer) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}

	path := args.Parser.FlagOrDefault("db", cfg.Audit.Path)
	if _, err := os.Stat(path); err != nil {
		return &NotFoundError{Resource: "audit database", ID: path}
	}

	store, err := audit.Open(path)
	if err != nil {
		return &CommandError{Command: "audit", Action: "open", Err: err}
	}
	defer store.Close()

	ctx := context.Background()
	switch sub := args.Parser.Subcommand(); sub {
	case "count", "":
		n, err := store.Count(ctx)
		if err != nil {
			return &CommandError{Command: "audit", Action: "count", Err: err}
		}
		fmt.Fprintln(out, n)
		return nil

	case "list", "show":
		id := args.Parser.Positional(1)
		if id == "" {
			return &UsageError{Message: "usage: sessiontimer audit list <session-id>"}
		}
		entries, err := store.List(ctx, id)
		if err != nil {
			return &CommandError{Command: "audit", Action: "list", Err: err}
		}
		if len(entries) == 0 {
			return &NotFoundError{Resource: "session", ID: id}
		}

		width := GetTerminalWidth()
		fmt.Fprintln(out, TitleStyle.Render("Session "+id))
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-16s", e.CreatedAt.Format("2006-01-02 15:04:05.000"), e.Type)
			if e.Kind != "" {
				line += fmt.Sprintf(" %s remaining=%ds invalidate=%t", e.Kind, e.SecondsRemaining, e.Invalidate)
			}
			used := runewidth.StringWidth(line)
			if !e.Success {
				line += " " + WarningStyle.Render("failed")
				used += len(" failed")
			}
			if e.Detail != "" {
				// Details carry error text; keep each entry on one row.
				line += " " + DimStyle.Render(FitWidth(e.Detail, width-used-1))
			}
			fmt.Fprintln(out, line)
		}
		return nil

	default:
		return &UsageError{Message: fmt.Sprintf("unknown audit subcommand %q", sub)}
	}
}

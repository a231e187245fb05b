// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/sessiontimer/internal/audit"
	"github.com/jeranaias/sessiontimer/internal/authctx"
	"github.com/jeranaias/sessiontimer/internal/config"
	"github.com/jeranaias/sessiontimer/internal/logging"
	"github.com/jeranaias/sessiontimer/internal/timeout"
)

// runOptions are the run flags layered over the config file.
type runOptions struct {
	unit          time.Duration
	activityEvery uint
	activityFor   uint
}

// printer serializes writes from the delivery loop and the command loop.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	start time.Time
	unit  time.Duration
}

func (p *printer) line(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := float64(time.Since(p.start)) / float64(p.unit)
	fmt.Fprintf(p.out, "%s %s\n", DimStyle.Render(fmt.Sprintf("[t=%7.1fs]", elapsed)), fmt.Sprintf(format, a...))
}

// raw writes s without a timestamp.
func (p *printer) raw(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

// applyRunFlags overrides cfg with the command's flags.
func applyRunFlags(cfg *config.Config, args Args) (runOptions, error) {
	p := args.Parser
	opts := runOptions{unit: time.Second}

	for name, dst := range map[string]*uint{
		"idle":    &cfg.Session.IdleTimeoutSecs,
		"session": &cfg.Session.SessionTimeoutSecs,
		"percent": &cfg.Session.AdvanceNotificationPercent,
	} {
		v, ok, err := p.FlagUint(name)
		if err != nil {
			return opts, err
		}
		if ok {
			*dst = v
		}
	}
	if provider := p.Flag("provider"); provider != "" {
		cfg.Session.AuthProvider = provider
	}
	if p.BoolFlag("audit") {
		cfg.Audit.Enabled = true
	}
	if args.Verbose {
		cfg.Logging.Level = logging.LevelDebug
	}

	if d, ok, err := p.FlagDuration("unit"); err != nil {
		return opts, err
	} else if ok {
		opts.unit = d
	}

	var err error
	if opts.activityEvery, _, err = p.FlagUint("activity"); err != nil {
		return opts, err
	}
	if opts.activityFor, _, err = p.FlagUint("activity-for"); err != nil {
		return opts, err
	}
	return opts, nil
}

// HandleRun starts one session and prints its notifications until the
// session ends or the process is interrupted.
func HandleRun(args Args, out io.Writer) error {
	cfg, path, err := loadConfig(args)
	if err != nil {
		return err
	}
	opts, err := applyRunFlags(cfg, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	tc, err := cfg.SessionConfig()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return &CommandError{Command: "run", Action: "open log", Err: err}
	}
	defer logger.Close()

	ctxOpts := []authctx.Option{
		authctx.WithLogger(logger),
		authctx.WithWorkers(cfg.Engine.Workers),
		authctx.WithUnit(opts.unit),
		authctx.WithActivityLimit(rate.Limit(cfg.Engine.ActivityRate/opts.unit.Seconds()), cfg.Engine.ActivityBurst),
	}
	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return &CommandError{Command: "run", Action: "open audit", Err: err}
		}
		defer store.Close()
		ctxOpts = append(ctxOpts, authctx.WithRecorder(store))
	}

	pr := &printer{out: out, start: time.Now(), unit: opts.unit}
	ended := make(chan struct{})
	var endOnce sync.Once

	// Idle expiry is delivered after the session is invalidated. A warning at
	// zero percent also reports 0 seconds, so validity tells them apart.
	var session *authctx.Context
	ready := make(chan struct{})
	sink := timeout.SinkFunc(func(kind timeout.Kind, secs uint) {
		<-ready
		switch {
		case kind == timeout.KindSession:
			pr.line("%s %s", ErrorStyle.Render(kind.String()), "session lifetime ended")
			endOnce.Do(func() { close(ended) })
		case session == nil || session.Valid():
			pr.line("%s %s", WarningStyle.Render(kind.String()), fmt.Sprintf("idle timeout in %ds", secs))
		default:
			pr.line("%s %s", ErrorStyle.Render(kind.String()), "idle window elapsed")
		}
	})

	factory := authctx.NewFactory(ctxOpts...)
	defer factory.Close()

	key, err := factory.Create(tc, sink)
	if err == nil {
		session, _ = factory.Get(key)
	}
	close(ready)
	if err != nil {
		return &CommandError{Command: "run", Action: "start session", Err: err}
	}

	pr.raw(TitleStyle.Render("Session " + session.ID()))
	pr.raw(RenderLabel("idle timeout") + ValueStyle.Render(fmt.Sprintf("%ds", tc.IdleTimeoutSeconds)))
	pr.raw(RenderLabel("session timeout") + ValueStyle.Render(fmt.Sprintf("%ds", tc.SessionTimeoutSeconds)))
	pr.raw(RenderLabel("advance notification") + ValueStyle.Render(fmt.Sprintf("%d%% (at %ds)", tc.AdvanceNotificationPercent, tc.AdvanceDelaySeconds())))
	pr.raw(RenderLabel("auth provider") + ValueStyle.Render(tc.AuthProvider.String()))

	if _, statErr := os.Stat(path); statErr == nil {
		w, err := config.NewWatcher(path, 0, func(next *config.Config) {
			config.SetGlobal(next)
			pr.line("%s", InfoStyle.Render("config reloaded; applies to new sessions"))
		}, logger)
		if err == nil && w.Start() == nil {
			defer w.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		activity       <-chan time.Time
		activityCutoff time.Time
	)
	if opts.activityEvery > 0 {
		ticker := time.NewTicker(time.Duration(opts.activityEvery) * opts.unit)
		defer ticker.Stop()
		activity = ticker.C
		if opts.activityFor > 0 {
			activityCutoff = pr.start.Add(time.Duration(opts.activityFor) * opts.unit)
		}
	}

	for {
		select {
		case <-ctx.Done():
			pr.line("%s", DimStyle.Render("interrupted; logging out"))
			return nil

		case <-ended:
			pr.line("session %s", RenderStatus(session.State().String()))
			return nil

		case now := <-activity:
			if !activityCutoff.IsZero() && now.After(activityCutoff) {
				activity = nil
				pr.line("%s", DimStyle.Render("activity stopped"))
				continue
			}
			status := "fail"
			if session.Touch() {
				status = "ok"
			}
			pr.line("activity: idle reset %s", RenderStatus(status))
		}
	}
}

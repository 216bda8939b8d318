package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/panel"
	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", settingsPath(), "settings file (.json or .yaml)")
	withMCP := fs.Bool("mcp", true, "serve MCP over stdio")
	memory := fs.Bool("memory", false, "keep state in memory instead of libsql")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	var level slog.LevelVar
	level.Set(logging.ParseLevel(cfg.LogLevel))
	// stdout carries the MCP transport, so logs go to stderr.
	logger := logging.NewWithLeveler(os.Stderr, &level, cfg.LogFormat)
	slog.SetDefault(logger)

	st, closeStore, err := openStore(ctx, cfg, *memory)
	if err != nil {
		return err
	}
	defer closeStore()

	a, err := newApp(st, cfg, logger)
	if err != nil {
		return err
	}
	defer a.engine.Shutdown()

	if n, err := a.waits.ExpireOverdue(ctx); err != nil {
		logger.Warn("expire overdue tokens failed", "error", err)
	} else if n > 0 {
		logger.Info("expired overdue tokens", "count", n)
	}
	if _, err := a.engine.RecoverWaiting(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	sched := scheduler.New(st, a.engine, logger, scheduler.WithInterval(cfg.SchedulerInterval))
	if err := sched.Sync(ctx); err != nil {
		return fmt.Errorf("sync schedules: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	api := panel.NewServer(panel.Deps{
		Store:      st,
		Engine:     a.engine,
		Dispatcher: a.dispatcher,
		Hub:        a.hub,
		Logger:     logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sweepTokens(gctx, a, cfg.SchedulerInterval, logger)
		return nil
	})
	g.Go(func() error {
		watchReload(gctx, *configPath, cfg, &level, logger)
		return nil
	})

	if *withMCP {
		mcpSrv := mcp.NewServer(mcp.ServerDeps{
			Engine:     a.engine,
			Store:      st,
			Validator:  a.validator,
			Dispatcher: a.dispatcher,
			Scheduler:  sched,
			Hub:        a.hub,
			Logger:     logger,
			Version:    version,
		})
		g.Go(func() error {
			err := mcpSrv.Serve(gctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				return fmt.Errorf("mcp server: %w", err)
			}
			// stdin closed: the client is gone, take the service down with it.
			return errMCPClosed
		})
	}

	err = g.Wait()
	if errors.Is(err, errMCPClosed) {
		err = nil
	}
	logger.Info("flowrun stopped")
	return err
}

var errMCPClosed = errors.New("mcp transport closed")

// sweepTokens expires overdue wait tokens whose runs are not active in this
// process, so they resume down the timeout path.
func sweepTokens(ctx context.Context, a *app, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.waits.ExpireOverdue(ctx)
			if err != nil {
				logger.Warn("expire overdue tokens failed", "error", err)
				continue
			}
			if n > 0 {
				if _, err := a.engine.RecoverWaiting(ctx); err != nil {
					logger.Warn("recover runs after expiry failed", "error", err)
				}
			}
		}
	}
}

// watchReload re-reads the settings file on SIGHUP. Only the log level is
// applied live; other changes are reported as needing a restart.
func watchReload(ctx context.Context, path string, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next, err := loadConfig(path)
			if err != nil {
				logger.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			d := diffConfigs(current, next)
			if d.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				current.LogLevel = next.LogLevel
				logger.Info("log level changed", "level", next.LogLevel)
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("config changes take effect after restart", "fields", d.RestartNeeded)
			}
		}
	}
}

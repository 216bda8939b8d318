package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/executors"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
	"github.com/rendis/flowrun/internal/trigger"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/internal/waitpoint"
	"github.com/rendis/flowrun/pkg/schema"
)

// app is the wired engine shared by serve and run.
type app struct {
	store      store.Store
	engine     *engine.Engine
	waits      *waitpoint.StoreCoordinator
	hub        *streaming.MemoryHub
	validator  *validation.WorkflowValidator
	dispatcher *trigger.Dispatcher
}

func newApp(st store.Store, cfg Config, logger *slog.Logger) (*app, error) {
	reg, err := newRegistry(st, cfg)
	if err != nil {
		return nil, err
	}
	validator, err := newValidator(reg)
	if err != nil {
		return nil, err
	}
	matcher, err := trigger.NewMatcher()
	if err != nil {
		return nil, fmt.Errorf("trigger matcher: %w", err)
	}

	waits := waitpoint.NewStoreCoordinator(st,
		waitpoint.WithBaseURL(cfg.BaseURL),
		waitpoint.WithLogger(logger),
	)
	hub := streaming.NewMemoryHub()
	eng := engine.New(st, reg, waits, engine.Config{
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		Hub:      hub,
	})

	return &app{
		store:      st,
		engine:     eng,
		waits:      waits,
		hub:        hub,
		validator:  validator,
		dispatcher: trigger.NewDispatcher(st, eng, matcher, logger),
	}, nil
}

func newValidator(reg *executors.Registry) (*validation.WorkflowValidator, error) {
	v, err := validation.NewWorkflowValidator(reg)
	if err != nil {
		return nil, fmt.Errorf("workflow validator: %w", err)
	}
	return v, nil
}

// newRegistry builds the executor registry with the built-in executors.
// st may be nil when only validation is needed.
func newRegistry(st store.Store, cfg Config) (*executors.Registry, error) {
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("settings validator: %w", err)
	}
	reg := executors.NewRegistry(jsv)

	builtins := executors.BuiltinConfig{
		Message: executors.MessageConfig{WebhookURL: cfg.WebhookURL},
		Document: executors.DocumentConfig{
			BaseURL: cfg.BaseURL,
		},
		Invoice: executors.InvoiceConfig{
			APIURL: cfg.InvoiceAPIURL,
			Token:  cfg.InvoiceToken,
		},
	}
	if st != nil {
		builtins.Document.Store = st
	}
	if err := executors.RegisterBuiltins(reg, builtins); err != nil {
		return nil, fmt.Errorf("register executors: %w", err)
	}
	return reg, nil
}

// openStore opens the libsql database and applies migrations, or returns a
// MemoryStore when memory is set.
func openStore(ctx context.Context, cfg Config, memory bool) (store.Store, func(), error) {
	if memory {
		ms, err := store.NewMemoryStore()
		if err != nil {
			return nil, nil, err
		}
		return ms, func() {}, nil
	}

	if !strings.Contains(cfg.DBPath, "://") {
		if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:")), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	ls, err := store.NewLibSQLStore(dbURI(cfg.DBPath))
	if err != nil {
		return nil, nil, err
	}
	if err := ls.Migrate(ctx); err != nil {
		_ = ls.Close()
		return nil, nil, fmt.Errorf("migrate %s: %w", cfg.DBPath, err)
	}
	return ls, func() { _ = ls.Close() }, nil
}

// settle polls a run until it is terminal or waiting on a token.
func settle(ctx context.Context, st store.Store, runID string, every time.Duration) (*store.Run, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := st.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() || run.Status == schema.RunStatusWaiting {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "wait for run cancelled").WithCause(ctx.Err())
		case <-ticker.C:
		}
	}
}

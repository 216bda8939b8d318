package trigger

import (
	"context"
	"log/slog"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// Starter starts a run of a definition. Satisfied by *engine.Engine.
type Starter interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, in engine.StartInput) (*store.Run, error)
}

// Dispatcher starts one run per definition whose trigger matches an event.
type Dispatcher struct {
	store   store.Store
	starter Starter
	matcher *Matcher
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger uses slog.Default().
func NewDispatcher(s store.Store, starter Starter, matcher *Matcher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: s, starter: starter, matcher: matcher, logger: logger}
}

// Dispatch matches ev against stored definitions with the same trigger type
// and starts a run for each match. Definitions without a company are visible
// to every event; a company-scoped definition only sees events of its own
// company, so an event without a company starts global definitions only. A
// definition whose filter cannot be evaluated is logged
// and skipped; a failure to start a matched run aborts the dispatch and
// returns the runs started so far.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) ([]*store.Run, error) {
	if ev.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type is required")
	}
	ctx = logging.WithCompanyID(ctx, ev.CompanyID)
	log := logging.LogWith(ctx, d.logger)

	recs, err := d.store.ListDefinitions(ctx, store.DefinitionFilter{TriggerType: ev.Type})
	if err != nil {
		return nil, err
	}

	var runs []*store.Run
	for _, rec := range recs {
		if rec.CompanyID != "" && rec.CompanyID != ev.CompanyID {
			continue
		}
		def := rec.Definition
		if def.ID == "" {
			def.ID = rec.ID
		}
		if def.CompanyID == "" {
			def.CompanyID = rec.CompanyID
		}
		ok, err := d.matcher.Match(ctx, def.Trigger, ev)
		if err != nil {
			log.Warn("trigger: filter skipped", "definition_id", def.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		run, err := d.starter.Start(ctx, &def, engine.StartInput{
			TriggerType: ev.Type,
			Payload:     ev.Payload,
			CompanyID:   firstNonEmpty(ev.CompanyID, def.CompanyID),
		})
		if err != nil {
			return runs, err
		}
		log.Info("trigger: run started", "definition_id", def.ID, "run_id", run.ID)
		runs = append(runs, run)
	}
	return runs, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

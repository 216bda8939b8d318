package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/pkg/schema"
)

var (
	errInvalidDefinition = errors.New("definition is invalid")
	errRunFailed         = errors.New("run failed")
)

// runOnce executes one run of a definition file against an in-memory store
// and prints the run with its step ledger as JSON. It returns once the run is
// terminal or suspended on a wait node.
func runOnce(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	payloadArg := fs.String("payload", "", "trigger payload as JSON")
	company := fs.String("company", "", "company id for the run")
	timeout := fs.Duration("timeout", 5*time.Minute, "give up after this long")
	configPath := fs.String("config", settingsPath(), "settings file (.json or .yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: flowrun run [flags] <definition.(json|yaml)>")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, "text")

	def, err := readDefinition(fs.Arg(0))
	if err != nil {
		return err
	}

	var payload any
	if *payloadArg != "" {
		if err := json.Unmarshal([]byte(*payloadArg), &payload); err != nil {
			return fmt.Errorf("invalid --payload: %w", err)
		}
	}

	st, closeStore, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeStore()

	a, err := newApp(st, cfg, logger)
	if err != nil {
		return err
	}
	defer a.engine.Shutdown()

	if result := a.validator.Validate(def); !result.Valid() {
		printIssues(out, result)
		return errInvalidDefinition
	}

	runCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	run, err := a.engine.Start(runCtx, def, engine.StartInput{
		TriggerType: def.Trigger.Type,
		Payload:     payload,
		CompanyID:   *company,
	})
	if err != nil {
		return err
	}
	if _, err := settle(runCtx, st, run.ID, 20*time.Millisecond); err != nil {
		return err
	}

	snap, err := a.engine.Status(ctx, run.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}
	if snap.Run.Status == schema.RunStatusFailed {
		return errRunFailed
	}
	return nil
}

// runValidate checks a definition file and prints its issues.
func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: flowrun validate [--json] <definition.(json|yaml)>")
	}

	def, err := readDefinition(fs.Arg(0))
	if err != nil {
		return err
	}
	reg, err := newRegistry(nil, defaultConfig())
	if err != nil {
		return err
	}
	validator, err := newValidator(reg)
	if err != nil {
		return err
	}
	result := validator.Validate(def)

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{
			"valid":    result.Valid(),
			"errors":   result.Errors,
			"warnings": result.Warnings,
		}); err != nil {
			return err
		}
	} else {
		printIssues(out, result)
	}
	if !result.Valid() {
		return errInvalidDefinition
	}
	return nil
}

// readDefinition loads a JSON or YAML definition file. A definition without
// an id takes the file name.
func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	def, err := schema.ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		base := filepath.Base(path)
		def.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return def, nil
}

func printIssues(w io.Writer, result *schema.ValidationResult) {
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "error   %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "warning %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
	}
	if result.Valid() {
		fmt.Fprintln(w, "valid")
	}
}

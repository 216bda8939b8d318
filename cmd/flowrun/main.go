// Command flowrun runs workflow definitions: as a long-lived service (MCP over
// stdio plus the HTTP API and the cron scheduler) or one-shot from a file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	// maxprocs logs through log.Printf by default, which would interleave
	// with the structured logs.
	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...any) {})); err != nil {
		fmt.Fprintf(os.Stderr, "flowrun: set GOMAXPROCS: %v\n", err)
	}

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, args)
	case "run":
		err = runOnce(ctx, args, os.Stdout)
	case "validate":
		err = runValidate(args, os.Stdout)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "flowrun: unknown command %q\n\n", cmd)
		usage(os.Stderr)
		stop()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "flowrun: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: flowrun <command> [flags]

Commands:
  serve                       MCP over stdio, HTTP API and scheduler (default)
  run <definition> [flags]    execute one run and print its ledger
  validate <definition>       check a definition file
  version                     print the version
`)
}

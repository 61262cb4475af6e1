// Package main is the entry point for the Chimera alert correlation engine.
package main

import (
	"context"
	"fmt"
	"os"

	"chimera/bootstrap"
	"chimera/cmd"
)

// run initializes and serves until a shutdown signal arrives.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

// main serves when invoked bare and dispatches to the CLI when arguments
// are given: `chimera` runs the engine, `chimera alerts list` talks to its
// store from the command line.
func main() {
	if len(os.Args) > 1 {
		if err := cmd.NewRootCmd().Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

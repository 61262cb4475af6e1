// Package bootstrap assembles the Chimera service: it loads configuration,
// opens the storage backends, wires the correlation engine to its merge-event
// channels and starts the HTTP/WebSocket surface. It extracts the
// initialization logic from main.go into testable, composable components.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal
//	app.WaitForShutdown()
package bootstrap

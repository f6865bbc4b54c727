package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eringen/sitepulse"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("sitepulse %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", sitepulse.EnvOr("SITEPULSE_CONFIG", ""), "path to a config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := sitepulse.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	app := sitepulse.New(cfg)
	if err := app.Setup(); err != nil {
		return err
	}
	app.StartJanitors(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- app.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	served := false
	var serveErr error
	select {
	case serveErr = <-errc:
		served = true
	case sig := <-quit:
		app.Log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := app.Shutdown(ctx)
	if !served {
		serveErr = <-errc
	}
	if serveErr != nil {
		return serveErr
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	app.Log.Info("server exited")
	return nil
}

func printUsage() {
	fmt.Println(`sitepulse - rate limiting and telemetry backend for marketing sites

Usage:
  sitepulse <command> [arguments]

Commands:
  serve [-config path]   Start the HTTP server
  version                Print the sitepulse version
  help                   Show this help message

Configuration is read from the optional config file and SITEPULSE_*
environment variables, e.g. SITEPULSE_SESSION_SECRET or
SITEPULSE_RATE_LIMIT_CONTACT_LIMIT.`)
}

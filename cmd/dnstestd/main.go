package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/haukened/dnstest/internal/dnstest/common/log"
	"github.com/haukened/dnstest/internal/dnstest/config"
	"github.com/haukened/dnstest/internal/dnstest/domain"
	"github.com/haukened/dnstest/internal/dnstest/repos/outcome"
	"github.com/haukened/dnstest/internal/dnstest/repos/ports"
	"github.com/haukened/dnstest/internal/dnstest/repos/zonefile"
	"github.com/haukened/dnstest/internal/dnstest/services/convergence"
	"github.com/haukened/dnstest/internal/dnstest/services/server"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "dnstestd"

	// exitSkip tells the calling test runner the scenario was skipped.
	exitSkip = 77
)

// serverOptions adjusts the server options before construction. It can be
// mocked in tests.
var serverOptions = func(*server.Options) {}

// Application holds the harness components of one run
type Application struct {
	config *config.Params
	store  outcome.Store
	server *server.Server
	zones  []string

	// seen counts the failures already in the store before this run.
	seen int
}

func main() {
	// Load configuration from defaults, file and environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure global logging
	err = configureLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":      version,
		"env":          cfg.Env,
		"log_level":    cfg.LogLevel,
		"kind":         cfg.Kind,
		"test_dir":     cfg.TestDir,
		"addr":         cfg.Addr,
		"instrumented": cfg.Instrumented,
		"zones":        len(os.Args) - 1,
	}, "Starting dnstest harness")

	app, err := buildApplication(cfg, os.Args[1:])
	if err != nil {
		log.Error(map[string]any{"error": err.Error()}, "Failed to build application")
		os.Exit(exitCode(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	err = app.Run(ctx)
	if err != nil {
		log.Error(map[string]any{"error": err.Error()}, "Scenario failed")
	}
	cancel()
	os.Exit(exitCode(err))
}

// configureLogging sets up the console stream and the check and detail
// logs of the run.
func configureLogging(cfg *config.Params) error {
	check, detail := cfg.LogFiles()
	for _, path := range []string{check, detail} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	return log.ConfigureFiles(cfg.Env, cfg.LogLevel, check, detail)
}

// exitCode maps a run result onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case domain.IsSkip(err):
		return exitSkip
	default:
		return 1
	}
}

// zoneName derives the zone name from a file named like "example.com.zone".
func zoneName(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".zone")
	if name == "" || name == "." {
		return "."
	}
	return name
}

// buildApplication constructs all components and wires them together
func buildApplication(cfg *config.Params, zoneFiles []string) (*Application, error) {
	store, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open outcome store: %w", err)
	}

	srv, err := buildServer(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	before, err := store.Failures()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to read outcome store: %w", err)
	}

	app := &Application{config: cfg, store: store, server: srv, seen: len(before)}
	for _, path := range zoneFiles {
		zf := zonefile.New(zoneName(path), path)
		if _, err := srv.SetMaster(zf, nil, domain.ZoneOptions{}); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to register zone %s: %w", path, err)
		}
		app.zones = append(app.zones, zf.Name())
	}

	log.Info(map[string]any{
		"server": srv.Name(),
		"dir":    srv.Dir(),
		"ports":  srv.Ports(),
		"zones":  app.zones,
	}, "Server configured")

	return app, nil
}

// buildStore opens the bbolt outcome store, or keeps failures in memory
// when no path is configured.
func buildStore(cfg *config.Params) (outcome.Store, error) {
	if cfg.OutcomeDB == "" {
		return outcome.NewMemorySink(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutcomeDB), 0o755); err != nil {
		return nil, err
	}
	store, err := outcome.Open(cfg.OutcomeDB)
	if err != nil {
		return nil, err
	}
	log.Info(map[string]any{"path": cfg.OutcomeDB}, "Outcome store opened")
	return store, nil
}

// buildServer claims the ports and creates the server of the configured kind
func buildServer(cfg *config.Params, sink outcome.Sink) (*server.Server, error) {
	portOpts := ports.Options{Addr: cfg.Addr, Min: cfg.PortMin, Max: cfg.PortMax, Seed: cfg.Seed}
	if strings.HasPrefix(cfg.Addr, "/") {
		portOpts.Probe = func(string, int) bool { return true }
	}
	alloc, err := ports.New(portOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create port allocator: %w", err)
	}

	opts := server.Options{
		Name:      cfg.Kind + "1",
		Kind:      server.Kind(cfg.Kind),
		Params:    *cfg,
		Allocator: alloc,
		Sink:      sink,
	}
	serverOptions(&opts)
	return server.New(opts)
}

// Run drives the server through one lifecycle: configuration, start, zone
// convergence and a checked stop. Teardown failures fail the run.
func (app *Application) Run(ctx context.Context) error {
	defer func() {
		if err := app.store.Close(); err != nil {
			log.Warn(map[string]any{"error": err.Error()}, "Error closing outcome store")
		}
	}()

	if err := app.server.GenConfig(); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	if err := app.server.Start(ctx, true, true); err != nil {
		app.server.Kill()
		return err
	}

	runErr := app.verify(ctx)
	app.server.Stop(true)
	log.Info(map[string]any{"server": app.server.Name(), "state": app.server.State().String()}, "Server stopped")

	if err := app.summary(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (app *Application) verify(ctx context.Context) error {
	ok, err := app.server.Listening(ctx)
	switch {
	case domain.IsSkip(err):
		log.Debug(map[string]any{"reason": err.Error()}, "Socket check skipped")
	case err != nil:
		return err
	case !ok:
		return domain.NewFailed(app.server.Name(), "listening", "daemon does not hold its sockets")
	}

	if len(app.zones) == 0 {
		return nil
	}
	serials, err := app.server.ZonesWait(ctx, app.zones, convergence.ManyOptions{FromZoneFile: true, Equal: true})
	if err != nil {
		return err
	}
	names := make([]string, 0, len(serials))
	for z := range serials {
		names = append(names, z)
	}
	sort.Strings(names)
	for _, z := range names {
		log.Info(map[string]any{"server": app.server.Name(), "zone": z, "serial": serials[z]}, "Zone loaded")
	}
	return nil
}

// summary logs the teardown failures recorded during this run.
func (app *Application) summary() error {
	failures, err := app.store.Failures()
	if err != nil {
		return fmt.Errorf("failed to read outcome store: %w", err)
	}
	if app.seen <= len(failures) {
		failures = failures[app.seen:]
	}
	for _, f := range failures {
		log.Warn(map[string]any{"seq": f.Seq, "tag": f.Tag, "at": f.At}, f.Message)
	}
	log.Info(map[string]any{"failures": len(failures), "tags": outcome.Tags(failures)}, "Outcome summary")
	if len(failures) > 0 {
		return errors.New("teardown checks failed")
	}
	return nil
}

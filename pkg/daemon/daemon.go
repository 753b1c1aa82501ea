// Package daemon implements the gpunetd lifecycle: load the
// configuration, open the backend, initialize the packet I/O manager and
// serve the HTTP, gRPC and console front ends until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/psaab/gpunetio/pkg/api"
	"github.com/psaab/gpunetio/pkg/cli"
	"github.com/psaab/gpunetio/pkg/config"
	"github.com/psaab/gpunetio/pkg/configstore"
	"github.com/psaab/gpunetio/pkg/driver"
	"github.com/psaab/gpunetio/pkg/gpunet"
	"github.com/psaab/gpunetio/pkg/grpcapi"
	"github.com/psaab/gpunetio/pkg/logging"

	// Backends register themselves with the driver package.
	_ "github.com/psaab/gpunetio/pkg/driver/doca"
	_ "github.com/psaab/gpunetio/pkg/driver/emu"
)

// DefaultConfigFile is used when Options.ConfigFile is empty.
const DefaultConfigFile = "/etc/gpunetd/gpunetd.conf"

// Options configures the daemon.
type Options struct {
	ConfigFile string
	APIAddr    string   // empty disables the HTTP API
	GRPCAddr   string   // empty disables the gRPC health service
	APIKeys    []string // non-empty enables API authentication
	Console    bool     // run the interactive console on stdin
	// Log receives the configured syslog clients. Nil skips syslog.
	Log *logging.Handler
}

// Daemon is the gpunetd daemon.
type Daemon struct {
	opts  Options
	store *configstore.Store

	mu  sync.Mutex
	mgr *gpunet.Manager
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = DefaultConfigFile
	}
	return &Daemon{
		opts:  opts,
		store: configstore.New(opts.ConfigFile),
	}
}

// Manager returns the packet I/O manager once Run has initialized it.
func (d *Daemon) Manager() *gpunet.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mgr
}

// Run starts the daemon and blocks until a signal, ctx cancellation,
// console exit or a manager failure.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting gpunetd",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	if err := d.store.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := d.store.ActiveConfig()
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings {
		slog.Warn("config warning", "msg", w)
	}
	d.applySyslogConfig(cfg)
	if d.opts.Log != nil {
		defer d.opts.Log.Close()
	}

	drv, err := driver.Open(cfg.System.Backend, driver.Options{Loopback: cfg.System.Loopback})
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.System.Backend, err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			slog.Warn("closing driver failed", "err", err)
		}
	}()

	mgr := gpunet.New(drv)
	if !mgr.SetConfigAndInitialize(cfg) {
		mgr.Shutdown()
		return errors.New("packet I/O manager initialization failed")
	}
	d.mu.Lock()
	d.mgr = mgr
	d.mu.Unlock()
	slog.Info("packet I/O manager running", "backend", drv.Name())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	run := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	if d.opts.APIAddr != "" {
		srv := api.NewServer(api.Config{
			Addr:    d.opts.APIAddr,
			Auth:    d.authConfig(),
			Backend: drv.Name(),
			Store:   d.store,
			Manager: mgr,
		})
		run("HTTP API", srv.Run)
	}
	if d.opts.GRPCAddr != "" {
		run("gRPC API", grpcapi.NewServer(d.opts.GRPCAddr, mgr).Run)
	}

	consoleDone := make(chan error, 1)
	if d.opts.Console {
		shell := cli.New(d.store, mgr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consoleDone <- shell.Run(ctx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	case <-mgr.Done():
		runErr = mgr.Err()
		if runErr != nil {
			runErr = fmt.Errorf("packet I/O manager stopped: %w", runErr)
		}
	case err := <-consoleDone:
		if err != nil {
			runErr = fmt.Errorf("console: %w", err)
		}
	case err := <-errCh:
		runErr = err
	}

	// Stop the front ends before tearing the manager down.
	stop()
	wg.Wait()
	mgr.Shutdown()

	slog.Info("shutdown complete")
	return runErr
}

func (d *Daemon) authConfig() *api.AuthConfig {
	if len(d.opts.APIKeys) == 0 {
		return nil
	}
	auth := &api.AuthConfig{APIKeys: make(map[string]bool, len(d.opts.APIKeys))}
	for _, k := range d.opts.APIKeys {
		auth.APIKeys[k] = true
	}
	return auth
}

// applySyslogConfig attaches the configured syslog hosts to the log
// handler.
func (d *Daemon) applySyslogConfig(cfg *config.Config) {
	if d.opts.Log == nil || len(cfg.System.Syslog) == 0 {
		return
	}
	clients, err := logging.ClientsFromConfig(cfg.System.Syslog)
	if err != nil {
		slog.Warn("failed to create syslog client", "err", err)
	}
	for _, c := range clients {
		slog.Info("syslog host configured", "addr", c.Addr(), "min_severity", c.MinSeverity)
	}
	d.opts.Log.SetClients(clients)
}

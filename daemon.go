package botvisor

import (
	"context"
	stdtls "crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botvisor/internal/auth"
	"github.com/loykin/botvisor/internal/broadcast"
	"github.com/loykin/botvisor/internal/cron"
	"github.com/loykin/botvisor/internal/history/factory"
	"github.com/loykin/botvisor/internal/logsink"
	"github.com/loykin/botvisor/internal/manager"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/server"
	"github.com/loykin/botvisor/internal/sysmon"
	bvtls "github.com/loykin/botvisor/internal/tls"
)

// ShutdownTimeout bounds the graceful stop of the HTTP server and every worker.
const ShutdownTimeout = 30 * time.Second

// Daemon is the assembled supervisor service: manager, telemetry, event
// stream, schedules and the HTTP control API.
type Daemon struct {
	cfg     *Config
	bus     *broadcast.Broadcaster
	mgr     *manager.Manager
	sampler *sysmon.Sampler
	sched   *cron.Scheduler
	router  *server.Router
	tls     *stdtls.Config

	ready chan struct{}
	mu    sync.Mutex
	addr  net.Addr
}

// NewDaemon wires every component from cfg and registers the configured
// workers. Nothing runs until Run.
func NewDaemon(cfg *Config) (*Daemon, error) {
	tlsConf, err := bvtls.Setup(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	var authSvc *auth.Service
	if cfg.Auth.Secret != "" {
		if authSvc, err = auth.NewService(cfg.Auth); err != nil {
			return nil, err
		}
	}
	genv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	specs, err := cfg.Specs()
	if err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	bus := broadcast.New(cfg.Broadcast)
	mgr := manager.New(cfg.ManagerConfig(), logsink.New(cfg.Supervisor.LogCapacity, bus), bus)
	mgr.SetEnv(genv)

	sinks, err := factory.NewSinks(cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	mgr.SetHistorySinks(sinks...)

	d := &Daemon{
		cfg:     cfg,
		bus:     bus,
		mgr:     mgr,
		sampler: sysmon.New(cfg.Monitor, bus),
		sched:   cron.NewScheduler(mgr),
		tls:     tlsConf,
		ready:   make(chan struct{}),
	}
	for _, spec := range specs {
		if _, err := mgr.Register(spec); err != nil {
			d.abort()
			return nil, fmt.Errorf("register worker %s: %w", spec.ID, err)
		}
	}
	for _, s := range cfg.Schedules {
		if err := d.sched.Add(s); err != nil {
			d.abort()
			return nil, err
		}
	}
	d.router = server.NewRouter(mgr, server.Options{
		BasePath:    cfg.Server.BasePath,
		Stats:       d.sampler,
		Broadcaster: bus,
		Scheduler:   d.sched,
		Auth:        authSvc,
		Metrics:     cfg.Metrics.Enabled,
	})
	return d, nil
}

// abort releases what NewDaemon already opened.
func (d *Daemon) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	_ = d.mgr.Shutdown(ctx)
}

// Manager exposes the supervisor for in-process control.
func (d *Daemon) Manager() *Manager { return d.mgr }

// Handler returns the HTTP API without binding a listener.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Ready is closed once Run is listening.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr is the bound listen address, nil before Ready.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Run serves until ctx is cancelled, then stops schedules, the HTTP server,
// every worker and the background loops in that order.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		d.abort()
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	d.mu.Lock()
	d.addr = ln.Addr()
	d.mu.Unlock()

	d.bus.Start()
	d.sampler.Start()
	d.sched.Start()

	srv := server.NewServer(d.cfg.Server.Listen, d.router)
	srv.TLSConfig = d.tls
	srv.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)

	errCh := make(chan error, 1)
	go func() {
		if d.tls != nil {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()

	scheme := "http"
	if d.tls != nil {
		scheme = "https"
	}
	slog.Info("botvisor listening", "addr", ln.Addr().String(), "scheme", scheme,
		"base_path", d.cfg.Server.BasePath, "workers", len(d.mgr.List()))
	close(d.ready)

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	slog.Info("botvisor shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := d.sched.Stop(sctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	// Shutdown waits for in-flight handlers but not for hijacked websockets;
	// bus.Stop below closes those.
	if err := srv.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := d.mgr.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("workers: %w", err))
	}
	d.sampler.Stop()
	d.bus.Stop()
	return errors.Join(errs...)
}

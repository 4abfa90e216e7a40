package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/botvisor/internal/broadcast"
	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/logger"
	"github.com/loykin/botvisor/internal/logsink"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/store"
)

const (
	DefaultConfirmDelay     = 2 * time.Second
	DefaultKillTimeout      = 5 * time.Second
	DefaultRestartDelay     = 1 * time.Second
	DefaultSetupTimeout     = 10 * time.Minute
	DefaultActivityCapacity = 100
	DefaultActivityLimit    = 50
	historyTimeout          = 5 * time.Second
)

// Config tunes supervisor timings and where workers live.
type Config struct {
	ConfirmDelay     time.Duration `mapstructure:"confirm_delay"`
	KillTimeout      time.Duration `mapstructure:"kill_timeout"`
	RestartDelay     time.Duration `mapstructure:"restart_delay"`
	SetupTimeout     time.Duration `mapstructure:"setup_timeout"`
	ActivityCapacity int           `mapstructure:"activity_capacity"`
	BotsDir          string        `mapstructure:"bots_dir"`
	// Log configures the optional per-worker stdout/stderr file mirrors.
	Log logger.Config `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = DefaultConfirmDelay
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	if c.ActivityCapacity <= 0 {
		c.ActivityCapacity = DefaultActivityCapacity
	}
	return c
}

// Manager owns the worker table. Each worker has its own actor goroutine, so
// operations on different workers never wait on each other.
type Manager struct {
	cfg        Config
	logs       *logsink.Sink
	pub        broadcast.Publisher
	activities *store.Bounded[store.Activity]

	mu      sync.RWMutex
	workers map[string]*worker
	envM    *env.Env

	histMu    sync.RWMutex
	histSinks []history.Sink
	histWG    sync.WaitGroup

	closed atomic.Bool
}

// New creates a manager. logs receives worker output; pub may be nil.
func New(cfg Config, logs *logsink.Sink, pub broadcast.Publisher) *Manager {
	if logs == nil {
		logs = logsink.New(0, pub)
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		logs:       logs,
		pub:        pub,
		activities: store.NewBounded[store.Activity](cfg.ActivityCapacity),
		workers:    make(map[string]*worker),
		envM:       env.New(),
	}
}

// SetEnv replaces the supervisor-wide environment layered under every worker's own.
func (m *Manager) SetEnv(e *env.Env) {
	m.mu.Lock()
	m.envM = e
	m.mu.Unlock()
}

// SetGlobalEnv adds "KEY=VALUE" entries to the supervisor-wide environment.
func (m *Manager) SetGlobalEnv(kvs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.envM
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid env entry %q, expected KEY=VALUE", kv)
		}
		e = e.WithSet(k, v)
	}
	m.envM = e
	return nil
}

func (m *Manager) envFor(spec process.Spec) []string {
	m.mu.RLock()
	e := m.envM
	m.mu.RUnlock()
	return e.Merge(spec.EnvList())
}

// SetHistorySinks configures external activity sinks. Passing none clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.histMu.Lock()
	m.histSinks = append([]history.Sink(nil), sinks...)
	m.histMu.Unlock()
}

func (m *Manager) worker(id string) (*worker, error) {
	m.mu.RLock()
	w, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return w, nil
}

// Register adds a worker in the offline state.
func (m *Manager) Register(spec process.Spec) (Status, error) {
	if m.closed.Load() {
		return Status{}, ErrShuttingDown
	}
	if err := spec.Validate(); err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	if _, exists := m.workers[spec.ID]; exists {
		m.mu.Unlock()
		return Status{}, fmt.Errorf("%s: %w", spec.ID, ErrAlreadyExists)
	}
	w := newWorker(m, spec)
	m.workers[spec.ID] = w
	m.mu.Unlock()

	st := w.snapshot()
	m.publish(broadcast.EventBotCreated, st)
	m.recordActivity(store.ActivityCreated, spec.ID, spec.Name+" created", nil)
	return st, nil
}

// Update replaces a worker's launch spec. A running instance keeps its old
// spec until the next start.
func (m *Manager) Update(ctx context.Context, id string, spec process.Spec) (Status, error) {
	spec.ID = id
	if err := spec.Validate(); err != nil {
		return Status{}, err
	}
	w, err := m.worker(id)
	if err != nil {
		return Status{}, err
	}
	if err := w.send(ctx, command{action: actionUpdateSpec, spec: spec}); err != nil {
		return Status{}, err
	}
	m.recordActivity(store.ActivityConfigUpdate, id, spec.Name+" configuration updated", nil)
	return w.snapshot(), nil
}

// Unregister stops the worker if needed and removes it with its logs.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	w.cancel()
	if err := w.send(ctx, command{action: actionShutdown}); err != nil && !errors.Is(err, ErrShuttingDown) {
		return err
	}
	m.mu.Lock()
	delete(m.workers, id)
	m.mu.Unlock()

	st := w.snapshot()
	m.logs.Drop(id)
	metrics.ForgetBot(id)
	m.publish(broadcast.EventBotDeleted, map[string]string{"id": id})
	m.recordActivity(store.ActivityDeleted, id, st.Name+" deleted", nil)
	return nil
}

// Get returns the current status of one worker, including live resource usage.
func (m *Manager) Get(id string) (Status, error) {
	w, err := m.worker(id)
	if err != nil {
		return Status{}, err
	}
	return withUsage(w.snapshot()), nil
}

// List returns every worker sorted by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	ws := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(ws))
	for _, w := range ws {
		out = append(out, withUsage(w.snapshot()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func withUsage(st Status) Status {
	if st.State != StateOnline || st.PID == 0 {
		return st
	}
	if st.StartedAt != nil {
		st.UptimeSeconds = time.Since(*st.StartedAt).Seconds()
	}
	if u, err := metrics.SampleProcess(st.PID); err == nil {
		st.CPUPercent = u.CPUPercent
		st.MemoryMB = u.MemoryMB
	}
	return st
}

// Start launches the worker. It returns once the process is spawned; the
// worker turns online after the confirmation delay.
func (m *Manager) Start(ctx context.Context, id string) error {
	if m.closed.Load() {
		return ErrShuttingDown
	}
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	return w.send(ctx, command{action: actionStart})
}

// Stop sends SIGTERM to the worker's process group and arms the force-kill
// timer. Stopping a worker with no live process succeeds and leaves it offline.
// A setup command still running for a pending start is killed first.
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.stop(ctx, id, reasonUser)
}

func (m *Manager) stop(ctx context.Context, id string, reason stopReason) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	w.interruptSetup()
	return w.send(ctx, command{action: actionStop, reason: reason})
}

// Restart stops the worker, waits the restart delay and starts it again.
func (m *Manager) Restart(ctx context.Context, id string) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	m.recordActivity(store.ActivityRestart, id, w.snapshot().Name+" restarting", nil)
	metrics.IncRestart(id)
	if err := m.stop(ctx, id, reasonRestart); err != nil {
		return err
	}
	t := time.NewTimer(m.cfg.RestartDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Start(ctx, id)
}

// Logs returns up to limit captured records for id, newest first.
func (m *Manager) Logs(id string, limit int) ([]store.LogRecord, error) {
	if _, err := m.worker(id); err != nil {
		return nil, err
	}
	return m.logs.Logs(id, limit), nil
}

// ClearLogs empties the log store for id.
func (m *Manager) ClearLogs(id string) error {
	if _, err := m.worker(id); err != nil {
		return err
	}
	m.logs.Clear(id)
	return nil
}

// Activities returns up to limit activities, newest first (default 50).
func (m *Manager) Activities(limit int) []store.Activity {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	return m.activities.Recent(limit)
}

// Shutdown stops every worker, waits for pending history exports and closes the sinks.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.RLock()
	ws := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(ws))
	for _, w := range ws {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.cancel()
			if err := w.send(ctx, command{action: actionShutdown}); err != nil && !errors.Is(err, ErrShuttingDown) {
				errCh <- fmt.Errorf("%s: %w", w.id, err)
			}
		}(w)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		m.histWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	m.histMu.RLock()
	sinks := m.histSinks
	m.histMu.RUnlock()
	if err := history.CloseAll(sinks); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) publish(t broadcast.EventType, data any) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(t, data); err != nil {
		slog.Warn("publish event", "type", t, "error", err)
	}
}

func (m *Manager) publishStatus(st Status) {
	m.publish(broadcast.EventBotUpdated, st)
}

// recordActivity appends to the activity feed, publishes it and exports it
// to the history sinks in the background.
func (m *Manager) recordActivity(t store.ActivityType, botID, msg string, meta map[string]string) store.Activity {
	a := store.NewActivity(t, botID, msg)
	a.Metadata = meta
	m.activities.Append(a)
	m.publish(broadcast.EventActivityCreated, a)

	m.histMu.RLock()
	sinks := m.histSinks
	m.histMu.RUnlock()
	if len(sinks) == 0 {
		return a
	}

	var name, state string
	var pid int
	if w, err := m.worker(botID); err == nil {
		st := w.snapshot()
		name, state, pid = st.Name, string(st.State), st.PID
	}
	evt := history.FromActivity(a, name, state, pid)
	m.histWG.Add(1)
	go func() {
		defer m.histWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := history.Fanout(ctx, sinks, evt); err != nil {
			slog.Warn("history export failed", "activity", a.ID, "error", err)
		}
	}()
	return a
}

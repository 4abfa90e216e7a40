package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/store"
)

// instance is one spawned OS process of a worker. Only the actor goroutine
// touches its fields.
type instance struct {
	gen        uint64
	handle     *process.Handle
	reason     stopReason
	detached   bool // handle cleared by Stop; the process may still be exiting
	exited     bool
	superseded bool // a later start attempt owns the worker state

	confirmTimer *time.Timer
	killTimer    *time.Timer
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionUpdateSpec
	actionShutdown
	actionConfirm
	actionExit
	actionForceKill
)

type command struct {
	action commandAction
	spec   process.Spec
	reason stopReason
	inst   *instance
	reply  chan error
}

// worker serializes every lifecycle operation of one bot through a single
// goroutine. Timers and process waiters post back into cmdChan instead of
// touching state directly.
type worker struct {
	m        *Manager
	id       string
	cmdChan  chan command
	doneChan chan struct{}

	// actor-owned
	spec      process.Spec
	inst      *instance
	gen       uint64
	outMirror io.WriteCloser
	errMirror io.WriteCloser
	lifetime  context.Context
	cancel    context.CancelFunc

	// published view
	mu         sync.RWMutex
	status     Status
	abortSetup context.CancelFunc // set while a setup command runs
}

func newWorker(m *Manager, spec process.Spec) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		m:        m,
		id:       spec.ID,
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
		spec:     spec,
		lifetime: ctx,
		cancel:   cancel,
		status: Status{
			ID:          spec.ID,
			Name:        spec.Name,
			State:       StateOffline,
			AutoRestart: spec.AutoRestart,
			Spec:        spec,
		},
	}
	metrics.SetCurrentState(spec.ID, string(StateOffline), true)
	go w.runStateMachine()
	return w
}

func (w *worker) snapshot() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// send delivers a command and waits for its reply.
func (w *worker) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case w.cmdChan <- c:
	case <-w.doneChan:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-w.doneChan:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers an internal event without waiting. Events for a stopped actor are dropped.
func (w *worker) post(c command) {
	select {
	case w.cmdChan <- c:
	case <-w.doneChan:
	}
}

func (w *worker) runStateMachine() {
	defer close(w.doneChan)
	for c := range w.cmdChan {
		var err error
		switch c.action {
		case actionStart:
			err = w.handleStart()
		case actionStop:
			err = w.handleStop(c.reason)
		case actionUpdateSpec:
			err = w.handleUpdateSpec(c.spec)
		case actionConfirm:
			w.handleConfirm(c.inst)
		case actionExit:
			w.handleExit(c.inst)
		case actionForceKill:
			w.handleForceKill(c.inst)
		case actionShutdown:
			w.handleShutdown()
			if c.reply != nil {
				c.reply <- nil
			}
			return
		}
		if c.reply != nil {
			c.reply <- err
		}
	}
}

// registered reports whether a live handle is held for this worker.
func (w *worker) registered() bool {
	return w.inst != nil && !w.inst.detached && !w.inst.exited
}

func (w *worker) handleStart() error {
	if w.registered() {
		return fmt.Errorf("%s: %w", w.id, ErrAlreadyRunning)
	}
	spec := w.spec
	w.setState(StateStarting, func(s *Status) { s.LastError = "" })

	opts, err := w.launchOptions(spec)
	if err != nil {
		return w.failStart(&SpawnError{ID: w.id, Stage: "spawn", Err: err})
	}

	if setup := spec.SetupCommand(); setup != "" {
		w.m.logs.Append(w.id, store.LevelInfo, "Running setup: "+setup)
		ctx, cancel := context.WithTimeout(w.lifetime, w.m.cfg.SetupTimeout)
		w.mu.Lock()
		w.abortSetup = cancel
		w.mu.Unlock()
		err := process.RunSetup(ctx, spec, opts)
		w.mu.Lock()
		w.abortSetup = nil
		w.mu.Unlock()
		interrupted := errors.Is(ctx.Err(), context.Canceled)
		cancel()
		if err != nil && interrupted {
			return w.cancelStart()
		}
		if err != nil {
			return w.failStart(&SpawnError{ID: w.id, Stage: "setup", Err: err})
		}
	}

	began := time.Now()
	h, err := process.Spawn(spec, opts)
	if err != nil {
		return w.failStart(&SpawnError{ID: w.id, Stage: "spawn", Err: err})
	}

	w.gen++
	inst := &instance{gen: w.gen, handle: h}
	w.inst = inst
	metrics.ObserveStartDuration(w.id, time.Since(began).Seconds())
	slog.Info("bot process spawned", "bot", w.id, "pid", h.PID(), "gen", inst.gen)

	go func() {
		<-h.Done()
		w.post(command{action: actionExit, inst: inst})
	}()
	inst.confirmTimer = time.AfterFunc(w.m.cfg.ConfirmDelay, func() {
		w.post(command{action: actionConfirm, inst: inst})
	})
	return nil
}

// interruptSetup kills a running setup command so the actor can take the
// next command.
func (w *worker) interruptSetup() {
	w.mu.RLock()
	cancel := w.abortSetup
	w.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// cancelStart settles a start whose setup was interrupted by stop or shutdown.
func (w *worker) cancelStart() error {
	w.m.logs.Append(w.id, store.LevelInfo, "Setup cancelled")
	slog.Info("bot setup cancelled", "bot", w.id)
	w.markSuperseded()
	w.settleStopped(time.Now().UTC(), "")
	w.m.recordActivity(store.ActivityStop, w.id, w.spec.Name+" stopped",
		map[string]string{"reason": "setup cancelled"})
	return fmt.Errorf("%s: setup cancelled: %w", w.id, context.Canceled)
}

// markSuperseded keeps a detached instance that is still exiting from
// settling the state of a later start attempt.
func (w *worker) markSuperseded() {
	if w.inst != nil {
		w.inst.superseded = true
	}
}

func (w *worker) failStart(err *SpawnError) error {
	w.markSuperseded()
	msg := fmt.Sprintf("Failed to start: %v", err.Err)
	w.m.logs.Append(w.id, store.LevelError, msg)
	slog.Error("bot start failed", "bot", w.id, "stage", err.Stage, "error", err.Err)
	w.setState(StateError, func(s *Status) {
		s.PID = 0
		s.LastError = err.Error()
	})
	w.m.recordActivity(store.ActivityCrash, w.id, fmt.Sprintf("%s failed to start", w.spec.Name),
		map[string]string{"stage": err.Stage, "error": err.Err.Error()})
	return err
}

func (w *worker) launchOptions(spec process.Spec) (process.Options, error) {
	if w.outMirror == nil && w.errMirror == nil {
		out, errW, err := w.m.cfg.Log.WorkerWriters(w.id)
		if err != nil {
			return process.Options{}, err
		}
		w.outMirror, w.errMirror = out, errW
	}
	return process.Options{
		Dir:       spec.ResolveWorkDir(w.m.cfg.BotsDir),
		Env:       w.m.envFor(spec),
		Stdout:    w.m.logs.Writer(w.id, store.LevelInfo, writerOrNil(w.outMirror)),
		Stderr:    w.m.logs.Writer(w.id, store.LevelError, writerOrNil(w.errMirror)),
		WaitDelay: w.m.cfg.KillTimeout,
	}, nil
}

// writerOrNil keeps a nil WriteCloser from turning into a non-nil io.Writer.
func writerOrNil(wc io.WriteCloser) io.Writer {
	if wc == nil {
		return nil
	}
	return wc
}

func (w *worker) handleConfirm(inst *instance) {
	if inst != w.inst || inst.detached || inst.exited {
		return
	}
	if w.snapshot().State != StateStarting {
		return
	}
	now := time.Now().UTC()
	pid := inst.handle.PID()
	w.setState(StateOnline, func(s *Status) {
		s.PID = pid
		s.StartedAt = &now
	})
	metrics.IncStart(w.id)
	w.m.recordActivity(store.ActivityStart, w.id, fmt.Sprintf("%s started successfully", w.spec.Name),
		map[string]string{"pid": strconv.Itoa(pid)})
}

func (w *worker) handleStop(reason stopReason) error {
	if !w.registered() {
		cur := w.snapshot().State
		if cur == StateStopping {
			// already on its way down; the pending exit settles the state
			return nil
		}
		if cur != StateOffline {
			w.setState(StateOffline, func(s *Status) { s.PID = 0 })
		}
		return nil
	}

	inst := w.inst
	inst.reason = reason
	inst.detached = true
	if inst.confirmTimer != nil {
		inst.confirmTimer.Stop()
	}
	w.setState(StateStopping, nil)
	slog.Info("stopping bot", "bot", w.id, "pid", inst.handle.PID(), "reason", reason.String())

	if err := inst.handle.Terminate(); err != nil {
		w.m.logs.Append(w.id, store.LevelError, "Process error: "+err.Error())
		_ = inst.handle.Kill()
	}
	inst.killTimer = time.AfterFunc(w.m.cfg.KillTimeout, func() {
		w.post(command{action: actionForceKill, inst: inst})
	})
	return nil
}

func (w *worker) handleForceKill(inst *instance) {
	if inst.exited {
		return
	}
	slog.Warn("bot did not exit after SIGTERM, killing", "bot", w.id, "pid", inst.handle.PID(), "gen", inst.gen)
	metrics.IncForceKill(w.id)
	if err := inst.handle.Kill(); err != nil {
		w.m.logs.Append(w.id, store.LevelError, "Process error: "+err.Error())
	}
}

func (w *worker) handleExit(inst *instance) {
	if inst.exited {
		return
	}
	inst.exited = true
	if inst.killTimer != nil {
		inst.killTimer.Stop()
	}
	if inst.confirmTimer != nil {
		inst.confirmTimer.Stop()
	}

	info := inst.handle.Exit()
	ran := inst.handle.Runtime().Round(time.Millisecond).String()
	msg := fmt.Sprintf("Process exited with code %d", info.Code)
	if info.Signal != "" {
		msg += " (" + info.Signal + ")"
	}
	w.m.logs.Append(w.id, store.LevelInfo, msg)
	if info.Err != nil {
		w.m.logs.Append(w.id, store.LevelError, "Process error: "+info.Err.Error())
		if inst.reason == reasonNone {
			inst.reason = reasonRuntimeError
		}
	}

	if inst != w.inst || inst.superseded {
		slog.Debug("superseded bot instance exited", "bot", w.id, "gen", inst.gen, "exit", info.String(), "ran", ran)
		return
	}

	now := time.Now().UTC()
	name := w.spec.Name
	switch {
	case inst.reason == reasonUser || inst.reason == reasonRestart || inst.reason == reasonShutdown:
		w.settleStopped(now, "")
		metrics.IncStop(w.id)
		w.m.recordActivity(store.ActivityStop, w.id, name+" stopped",
			map[string]string{"reason": inst.reason.String(), "exit": info.String(), "ran": ran})
	case inst.reason == reasonNone && info.Clean():
		w.settleStopped(now, "")
		metrics.IncStop(w.id)
		w.m.recordActivity(store.ActivityStop, w.id, name+" stopped",
			map[string]string{"reason": "exited", "exit": info.String(), "ran": ran})
	default:
		err := fmt.Errorf("%w: %s", ErrRuntimeCrash, info.String())
		w.m.logs.Append(w.id, store.LevelError, fmt.Sprintf("%s crashed: %s", name, info.String()))
		slog.Error("bot crashed", "bot", w.id, "exit", info.String())
		w.setState(StateError, func(s *Status) {
			s.PID = 0
			s.StoppedAt = &now
			s.LastError = err.Error()
		})
		metrics.IncCrash(w.id)
		w.m.recordActivity(store.ActivityCrash, w.id, name+" crashed",
			map[string]string{"exit": info.String(), "ran": ran})
	}
}

func (w *worker) settleStopped(at time.Time, lastErr string) {
	w.setState(StateOffline, func(s *Status) {
		s.PID = 0
		s.StoppedAt = &at
		s.LastError = lastErr
	})
}

func (w *worker) handleUpdateSpec(spec process.Spec) error {
	w.spec = spec
	w.mu.Lock()
	w.status.Name = spec.Name
	w.status.AutoRestart = spec.AutoRestart
	w.status.Spec = spec
	w.mu.Unlock()
	w.m.publishStatus(w.snapshot())
	return nil
}

// handleShutdown stops the live instance and waits for it to exit, killing it
// after the kill timeout.
func (w *worker) handleShutdown() {
	w.cancel()
	if inst := w.inst; inst != nil && !inst.exited {
		if !inst.detached {
			_ = w.handleStop(reasonShutdown)
		}
		select {
		case <-inst.handle.Done():
		case <-time.After(w.m.cfg.KillTimeout):
			_ = inst.handle.Kill()
			<-inst.handle.Done()
		}
		w.handleExit(inst)
	}
	if w.outMirror != nil {
		_ = w.outMirror.Close()
	}
	if w.errMirror != nil {
		_ = w.errMirror.Close()
	}
}

// setState updates the published state and records the transition.
func (w *worker) setState(next State, mutate func(*Status)) {
	w.mu.Lock()
	prev := w.status.State
	w.status.State = next
	if mutate != nil {
		mutate(&w.status)
	}
	snap := w.status
	w.mu.Unlock()

	if prev != next {
		metrics.RecordStateTransition(w.id, string(prev), string(next))
		metrics.SetCurrentState(w.id, string(prev), false)
		metrics.SetCurrentState(w.id, string(next), true)
	}
	w.m.publishStatus(snap)
}

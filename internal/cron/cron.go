package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/botvisor/internal/manager"
)

// Action is the control operation a schedule fires.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// DefaultActionTimeout bounds one scheduled control call.
const DefaultActionTimeout = 30 * time.Second

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule fires Action against Worker on a cron expression.
// Schedule accepts 5 or 6 field expressions and descriptors such as "@every 5m".
// Singleton (default true) skips a tick while the previous call is still running.
type Schedule struct {
	Name      string `json:"name" mapstructure:"name"`
	Worker    string `json:"worker" mapstructure:"worker"`
	Action    Action `json:"action" mapstructure:"action"`
	Schedule  string `json:"schedule" mapstructure:"schedule"`
	TimeZone  string `json:"time_zone,omitempty" mapstructure:"time_zone"`
	Singleton *bool  `json:"singleton,omitempty" mapstructure:"singleton"`
}

// Key identifies the schedule inside a Scheduler: Name, or worker/action when unnamed.
func (s Schedule) Key() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Worker + "/" + string(s.Action)
}

func (s Schedule) expr() string {
	if s.TimeZone == "" {
		return s.Schedule
	}
	return "CRON_TZ=" + s.TimeZone + " " + s.Schedule
}

// Validate checks the worker, the action and the cron expression.
func (s Schedule) Validate() error {
	if s.Worker == "" {
		return errors.New("schedule requires a worker")
	}
	switch s.Action {
	case ActionStart, ActionStop, ActionRestart:
	default:
		return fmt.Errorf("schedule %s: invalid action %q", s.Key(), s.Action)
	}
	if strings.TrimSpace(s.Schedule) == "" {
		return fmt.Errorf("schedule %s: expression is required", s.Key())
	}
	if _, err := parser.Parse(s.expr()); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression %q: %w", s.Key(), s.Schedule, err)
	}
	return nil
}

// Controller is the part of the supervisor a schedule drives.
type Controller interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
}

// Entry describes a registered schedule.
type Entry struct {
	Schedule
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Scheduler runs schedules against a Controller.
// Use Start to launch the cron runner, and Stop to cancel it.
type Scheduler struct {
	ctrl    Controller
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	sched Schedule
	id    cron.EntryID
}

func NewScheduler(ctrl Controller) *Scheduler {
	return &Scheduler{
		ctrl:    ctrl,
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(slogLogger{})),
		timeout: DefaultActionTimeout,
		entries: make(map[string]entry),
	}
}

// Add registers a schedule. Keys must be unique.
func (s *Scheduler) Add(sched Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sched.Key()
	if _, exists := s.entries[key]; exists {
		return fmt.Errorf("schedule %s already exists", key)
	}

	var job cron.Job = cron.FuncJob(func() { s.fire(sched) })
	if sched.Singleton == nil || *sched.Singleton {
		job = cron.NewChain(cron.SkipIfStillRunning(slogLogger{})).Then(job)
	}
	id, err := s.cron.AddJob(sched.expr(), job)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	s.entries[key] = entry{sched: sched, id: id}
	return nil
}

// Remove drops a schedule by key. Unknown keys are ignored.
func (s *Scheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, key)
	}
}

// RemoveWorker drops every schedule targeting worker.
func (s *Scheduler) RemoveWorker(worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.sched.Worker == worker {
			s.cron.Remove(e.id)
			delete(s.entries, key)
		}
	}
}

// Entries lists the registered schedules sorted by key.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Entry{Schedule: e.sched, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Start launches the cron runner in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels all schedules and waits for running actions to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(sched Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var err error
	switch sched.Action {
	case ActionStart:
		err = s.ctrl.Start(ctx, sched.Worker)
		if errors.Is(err, manager.ErrAlreadyRunning) {
			slog.Debug("scheduled start skipped, worker already running", "schedule", sched.Key())
			return
		}
	case ActionStop:
		err = s.ctrl.Stop(ctx, sched.Worker)
	case ActionRestart:
		err = s.ctrl.Restart(ctx, sched.Worker)
	}
	if err != nil {
		slog.Warn("scheduled action failed", "schedule", sched.Key(), "worker", sched.Worker, "action", sched.Action, "error", err)
		return
	}
	slog.Info("scheduled action fired", "schedule", sched.Key(), "worker", sched.Worker, "action", sched.Action)
}

// slogLogger adapts cron's logger interface to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

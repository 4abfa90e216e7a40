package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/manager"
)

type fakeController struct {
	mu    sync.Mutex
	calls map[Action][]string
	delay time.Duration
	err   error
	inFly atomic.Int32
	peak  atomic.Int32
}

func (f *fakeController) record(a Action, id string) error {
	n := f.inFly.Add(1)
	defer f.inFly.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[Action][]string)
	}
	f.calls[a] = append(f.calls[a], id)
	return f.err
}

func (f *fakeController) Start(_ context.Context, id string) error {
	return f.record(ActionStart, id)
}
func (f *fakeController) Stop(_ context.Context, id string) error { return f.record(ActionStop, id) }
func (f *fakeController) Restart(_ context.Context, id string) error {
	return f.record(ActionRestart, id)
}

func (f *fakeController) count(a Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[a])
}

func TestScheduleValidate(t *testing.T) {
	ok := Schedule{Worker: "bot-a", Action: ActionRestart, Schedule: "0 3 * * *"}
	require.NoError(t, ok.Validate())
	require.NoError(t, Schedule{Worker: "bot-a", Action: ActionStart, Schedule: "@every 5s"}.Validate())
	require.NoError(t, Schedule{Worker: "bot-a", Action: ActionStop, Schedule: "*/10 * * * * *"}.Validate())
	require.NoError(t, Schedule{Worker: "bot-a", Action: ActionStop, Schedule: "0 9 * * 1-5", TimeZone: "Asia/Seoul"}.Validate())

	bad := []Schedule{
		{Action: ActionStart, Schedule: "@every 1s"},
		{Worker: "bot-a", Action: "pause", Schedule: "@every 1s"},
		{Worker: "bot-a", Action: ActionStart},
		{Worker: "bot-a", Action: ActionStart, Schedule: "not a cron"},
		{Worker: "bot-a", Action: ActionStart, Schedule: "@every 1s", TimeZone: "Mars/Olympus"},
	}
	for _, s := range bad {
		assert.Error(t, s.Validate(), "%+v", s)
	}
}

func TestScheduleKey(t *testing.T) {
	assert.Equal(t, "nightly", Schedule{Name: "nightly", Worker: "w", Action: ActionRestart}.Key())
	assert.Equal(t, "w/restart", Schedule{Worker: "w", Action: ActionRestart}.Key())
}

func TestSchedulerFiresActions(t *testing.T) {
	ctrl := &fakeController{}
	s := NewScheduler(ctrl)
	require.NoError(t, s.Add(Schedule{Worker: "bot-a", Action: ActionRestart, Schedule: "@every 100ms"}))
	require.NoError(t, s.Add(Schedule{Worker: "bot-b", Action: ActionStop, Schedule: "@every 100ms"}))
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		return ctrl.count(ActionRestart) >= 2 && ctrl.count(ActionStop) >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSchedulerRejectsDuplicateKey(t *testing.T) {
	s := NewScheduler(&fakeController{})
	sched := Schedule{Worker: "bot-a", Action: ActionStart, Schedule: "@every 1s"}
	require.NoError(t, s.Add(sched))
	require.Error(t, s.Add(sched))
	require.Error(t, s.Add(Schedule{Worker: "bot-a", Action: "bogus", Schedule: "@every 1s"}))
}

func TestSingletonSkipsOverlap(t *testing.T) {
	ctrl := &fakeController{delay: 350 * time.Millisecond}
	s := NewScheduler(ctrl)
	require.NoError(t, s.Add(Schedule{Worker: "bot-a", Action: ActionRestart, Schedule: "@every 100ms"}))
	s.Start()
	time.Sleep(time.Second)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), ctrl.peak.Load())
}

func TestNonSingletonOverlaps(t *testing.T) {
	ctrl := &fakeController{delay: 350 * time.Millisecond}
	s := NewScheduler(ctrl)
	off := false
	require.NoError(t, s.Add(Schedule{Worker: "bot-a", Action: ActionRestart, Schedule: "@every 100ms", Singleton: &off}))
	s.Start()
	time.Sleep(time.Second)
	require.NoError(t, s.Stop(context.Background()))
	assert.Greater(t, ctrl.peak.Load(), int32(1))
}

func TestRemoveAndEntries(t *testing.T) {
	s := NewScheduler(&fakeController{})
	require.NoError(t, s.Add(Schedule{Name: "b", Worker: "bot-b", Action: ActionStart, Schedule: "@every 1h"}))
	require.NoError(t, s.Add(Schedule{Name: "a", Worker: "bot-a", Action: ActionStop, Schedule: "@every 1h"}))
	require.NoError(t, s.Add(Schedule{Name: "c", Worker: "bot-a", Action: ActionStart, Schedule: "@every 1h"}))
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	entries := s.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Key())
	assert.False(t, entries[0].Next.IsZero())

	s.Remove("b")
	s.Remove("missing")
	assert.Len(t, s.Entries(), 2)

	s.RemoveWorker("bot-a")
	assert.Empty(t, s.Entries())
}

func TestFireToleratesErrors(t *testing.T) {
	ctrl := &fakeController{err: manager.ErrAlreadyRunning}
	s := NewScheduler(ctrl)
	s.fire(Schedule{Worker: "bot-a", Action: ActionStart})
	ctrl.err = errors.New("boom")
	s.fire(Schedule{Worker: "bot-a", Action: ActionStop})
	assert.Equal(t, 1, ctrl.count(ActionStart))
	assert.Equal(t, 1, ctrl.count(ActionStop))
}

func TestManagerSatisfiesController(t *testing.T) {
	var _ Controller = (*manager.Manager)(nil)
}

package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/broadcast"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/logsink"
	"github.com/loykin/botvisor/internal/process"
)

const (
	testConfirm = 100 * time.Millisecond
	testKill    = 300 * time.Millisecond
	testRestart = 50 * time.Millisecond
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (p *recordingPublisher) Publish(t broadcast.EventType, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, broadcast.Event{Type: t, Data: data})
	return nil
}

func (p *recordingPublisher) types() []broadcast.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broadcast.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// statesFor returns every state published for id in bot_updated events.
func (p *recordingPublisher) statesFor(id string) []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []State
	for _, e := range p.events {
		if st, ok := e.Data.(Status); ok && e.Type == broadcast.EventBotUpdated && st.ID == id {
			out = append(out, st.State)
		}
	}
	return out
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestManager(t *testing.T, pub broadcast.Publisher) *Manager {
	t.Helper()
	m := New(Config{
		ConfirmDelay: testConfirm,
		KillTimeout:  testKill,
		RestartDelay: testRestart,
		SetupTimeout: 5 * time.Second,
	}, logsink.New(0, pub), pub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func cmdSpec(id, command string) process.Spec {
	return process.Spec{ID: id, Name: id, Language: process.LanguageCommand, Command: command}
}

func botID(i int) string { return fmt.Sprintf("bot-%02d", i) }

func state(t *testing.T, m *Manager, id string) State {
	t.Helper()
	st, err := m.Get(id)
	require.NoError(t, err)
	return st.State
}

package logsink

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/broadcast"
	"github.com/loykin/botvisor/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.EventType
	data   []any
}

func (p *recordingPublisher) Publish(t broadcast.EventType, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
	p.data = append(p.data, data)
	return nil
}

func TestWriterLevelsPerStream(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(0, pub)

	_, _ = s.Writer("b1", store.LevelInfo, nil).Write([]byte("hello\n"))
	_, _ = s.Writer("b1", store.LevelError, nil).Write([]byte("  oops  \n"))

	logs := s.Logs("b1", 10)
	require.Len(t, logs, 2)
	assert.Equal(t, "oops", logs[0].Message)
	assert.Equal(t, store.LevelError, logs[0].Level)
	assert.Equal(t, "hello", logs[1].Message)
	assert.Equal(t, store.LevelInfo, logs[1].Level)
	assert.Equal(t, "b1", logs[0].BotID)

	require.Len(t, pub.events, 2)
	assert.Equal(t, broadcast.EventBotLogCreated, pub.events[0])
	rec, ok := pub.data[1].(store.LogRecord)
	require.True(t, ok)
	assert.Equal(t, "oops", rec.Message)
}

func TestWriterDropsBlankChunks(t *testing.T) {
	pub := &recordingPublisher{}
	s := New(0, pub)
	w := s.Writer("b1", store.LevelInfo, nil)

	n, err := w.Write([]byte("  \n\t"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Empty(t, s.Logs("b1", 10))
	assert.Empty(t, pub.events)
}

func TestOneRecordPerChunk(t *testing.T) {
	s := New(0, nil)
	_, _ = s.Writer("b1", store.LevelInfo, nil).Write([]byte("line1\nline2\n"))
	logs := s.Logs("b1", 10)
	require.Len(t, logs, 1)
	assert.Equal(t, "line1\nline2", logs[0].Message)
}

func TestWriterMirrorsRawBytes(t *testing.T) {
	var buf bytes.Buffer
	s := New(0, nil)
	_, _ = s.Writer("b1", store.LevelInfo, &buf).Write([]byte("raw \n"))
	assert.Equal(t, "raw \n", buf.String())
}

func TestLogsLimitAndDefault(t *testing.T) {
	s := New(0, nil)
	for i := 0; i < 150; i++ {
		s.Append("b1", store.LevelInfo, fmt.Sprintf("m%d", i))
	}
	assert.Len(t, s.Logs("b1", 0), DefaultLimit)
	got := s.Logs("b1", 3)
	require.Len(t, got, 3)
	assert.Equal(t, "m149", got[0].Message)
	assert.Equal(t, "m147", got[2].Message)
}

func TestCapacityEvicts(t *testing.T) {
	s := New(5, nil)
	for i := 0; i < 12; i++ {
		s.Append("b1", store.LevelInfo, fmt.Sprintf("m%d", i))
	}
	got := s.Logs("b1", 100)
	require.Len(t, got, 5)
	assert.Equal(t, "m7", got[4].Message)
}

func TestZeroCapacityKeepsEverything(t *testing.T) {
	s := New(0, nil)
	n := DefaultCapacity + 5
	for i := 0; i < n; i++ {
		s.Append("b1", store.LevelInfo, fmt.Sprintf("m%d", i))
	}
	got := s.Logs("b1", n)
	require.Len(t, got, n)
	assert.Equal(t, "m0", got[n-1].Message)
}

func TestClearAndUnknownWorker(t *testing.T) {
	s := New(0, nil)
	assert.Empty(t, s.Logs("nope", 10))
	s.Clear("nope")

	s.Append("b1", store.LevelWarn, "w")
	s.Clear("b1")
	assert.Empty(t, s.Logs("b1", 10))
	s.Append("b1", store.LevelWarn, "again")
	assert.Len(t, s.Logs("b1", 10), 1)

	s.Drop("b1")
	assert.Empty(t, s.Logs("b1", 10))
}

func TestWorkersAreIsolated(t *testing.T) {
	s := New(0, nil)
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w := s.Writer(id, store.LevelInfo, nil)
			for i := 0; i < 50; i++ {
				_, _ = w.Write([]byte(id))
			}
		}(id)
	}
	wg.Wait()
	for _, id := range []string{"a", "b", "c"} {
		logs := s.Logs(id, 100)
		require.Len(t, logs, 50)
		for _, l := range logs {
			assert.Equal(t, id, l.BotID)
		}
	}
}

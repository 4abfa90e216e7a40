// Package logsink captures worker output into per-worker bounded stores.
package logsink

import (
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loykin/botvisor/internal/broadcast"
	"github.com/loykin/botvisor/internal/store"
)

// DefaultCapacity is the per-worker record cap the daemon uses unless
// supervisor.log_capacity says otherwise.
const DefaultCapacity = 10000

// DefaultLimit is used by Logs when the caller passes a non-positive limit.
const DefaultLimit = 100

// Sink holds one log store per worker id.
type Sink struct {
	capacity int
	pub      broadcast.Publisher

	mu   sync.RWMutex
	logs map[string]*store.Bounded[store.LogRecord]
}

// New creates a sink whose per-worker stores keep at most capacity records
// (0 keeps everything). pub may be nil.
func New(capacity int, pub broadcast.Publisher) *Sink {
	return &Sink{
		capacity: capacity,
		pub:      pub,
		logs:     make(map[string]*store.Bounded[store.LogRecord]),
	}
}

func (s *Sink) storeFor(id string) *store.Bounded[store.LogRecord] {
	s.mu.RLock()
	b, ok := s.logs[id]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.logs[id]; !ok {
		b = store.NewBounded[store.LogRecord](s.capacity)
		s.logs[id] = b
	}
	return b
}

// Append records a message for id and publishes it. Blank messages are dropped.
func (s *Sink) Append(id string, level store.LogLevel, msg string) (store.LogRecord, bool) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return store.LogRecord{}, false
	}
	rec := store.NewLogRecord(id, level, msg)
	s.storeFor(id).Append(rec)
	if s.pub != nil {
		if err := s.pub.Publish(broadcast.EventBotLogCreated, rec); err != nil {
			slog.Warn("publish log record", "bot", id, "error", err)
		}
	}
	return rec, true
}

// Logs returns up to limit records for id, newest first.
func (s *Sink) Logs(id string, limit int) []store.LogRecord {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.RLock()
	b, ok := s.logs[id]
	s.mu.RUnlock()
	if !ok {
		return []store.LogRecord{}
	}
	return b.Recent(limit)
}

// Clear empties the store for id.
func (s *Sink) Clear(id string) {
	s.mu.RLock()
	b, ok := s.logs[id]
	s.mu.RUnlock()
	if ok {
		b.Clear()
	}
}

// Drop forgets id entirely.
func (s *Sink) Drop(id string) {
	s.mu.Lock()
	delete(s.logs, id)
	s.mu.Unlock()
}

// Writer returns an io.Writer for one output stream of id. Every Write call is
// treated as one chunk and becomes at most one record. Raw bytes are copied to
// mirror first when it is non-nil.
func (s *Sink) Writer(id string, level store.LogLevel, mirror io.Writer) io.Writer {
	return &chunkWriter{sink: s, id: id, level: level, mirror: mirror}
}

type chunkWriter struct {
	sink   *Sink
	id     string
	level  store.LogLevel
	mirror io.Writer
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.mirror != nil {
		if _, err := w.mirror.Write(p); err != nil {
			slog.Debug("worker log mirror write failed", "bot", w.id, "error", err)
		}
	}
	w.sink.Append(w.id, w.level, string(p))
	return len(p), nil
}

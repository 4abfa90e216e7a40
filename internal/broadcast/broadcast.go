// Package broadcast fans supervisor events out to live subscribers.
//
// Delivery is best-effort and at-most-once: every subscriber owns a bounded
// queue drained by its own writer goroutine, so a stalled transport only ever
// loses its own messages. There is no replay buffer.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/botvisor/internal/metrics"
)

// EventType tags the envelope sent to subscribers.
type EventType string

const (
	EventBotCreated      EventType = "bot_created"
	EventBotUpdated      EventType = "bot_updated"
	EventBotDeleted      EventType = "bot_deleted"
	EventActivityCreated EventType = "activity_created"
	EventBotLogCreated   EventType = "bot_log_created"
	EventSystemStats     EventType = "system_stats"
)

// Event is the wire envelope {type, data}.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(t EventType, data any) error
}

// Conn is a subscriber transport. Ping may be called concurrently with Send.
type Conn interface {
	Send(msg []byte) error
	Ping() error
	Close() error
}

const (
	DefaultHeartbeat = 30 * time.Second
	DefaultQueueSize = 64
	DefaultMaxMissed = 2
)

// Config tunes the broadcaster. Zero values fall back to the defaults.
type Config struct {
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	QueueSize int           `mapstructure:"queue_size"`
	MaxMissed int           `mapstructure:"max_missed"`
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = DefaultMaxMissed
	}
	return c
}

// Subscriber is a registered transport plus its delivery queue and heartbeat state.
type Subscriber struct {
	id    uint64
	conn  Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	awaiting bool // a probe was sent and no pong has been seen since
	missed   int
}

// ID returns the registry id of the subscriber.
func (s *Subscriber) ID() uint64 { return s.id }

// Done is closed once the subscriber has been removed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Pong marks the subscriber alive; transports call it when a probe is answered.
func (s *Subscriber) Pong() {
	s.mu.Lock()
	s.awaiting = false
	s.missed = 0
	s.mu.Unlock()
}

// Broadcaster is a registry of subscribers with publish, heartbeat and prune.
type Broadcaster struct {
	cfg Config

	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a broadcaster. Call Start to run the heartbeat loop.
func New(cfg Config) *Broadcaster {
	return &Broadcaster{
		cfg:    cfg.withDefaults(),
		subs:   make(map[uint64]*Subscriber),
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers conn and starts its writer goroutine.
func (b *Broadcaster) Subscribe(conn Conn) *Subscriber {
	s := &Subscriber{
		id:    b.nextID.Add(1),
		conn:  conn,
		queue: make(chan []byte, b.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s.id] = s
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetSubscribers(n)

	b.wg.Add(1)
	go b.writeLoop(s)
	slog.Debug("subscriber connected", "id", s.id, "subscribers", n)
	return s
}

// Unsubscribe removes s and tears down its transport. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.remove(s, "unsubscribe")
}

// Publish serializes the event once and queues it for every open subscriber.
// It never blocks on a subscriber: a full queue drops the message for that subscriber only.
func (b *Broadcaster) Publish(t EventType, data any) error {
	msg, err := json.Marshal(Event{Type: t, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", t, err)
	}
	metrics.IncPublished(string(t))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case <-s.done:
		case s.queue <- msg:
		default:
			metrics.IncDropped()
			slog.Debug("subscriber queue full, dropping event", "id", s.id, "type", t)
		}
	}
	return nil
}

// Count returns the number of registered subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Start runs the heartbeat loop until Stop.
func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.heartbeat()
			}
		}
	}()
}

// Stop ends the heartbeat loop and disconnects every subscriber.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.mu.RLock()
	all := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		all = append(all, s)
	}
	b.mu.RUnlock()
	for _, s := range all {
		b.remove(s, "shutdown")
	}
	b.wg.Wait()
}

// heartbeat runs one probe round. A subscriber whose previous MaxMissed probes
// all went unanswered is pruned instead of probed again.
func (b *Broadcaster) heartbeat() {
	b.mu.RLock()
	all := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		all = append(all, s)
	}
	b.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		if s.awaiting {
			s.missed++
		} else {
			s.missed = 0
		}
		prune := s.missed >= b.cfg.MaxMissed
		s.awaiting = true
		s.mu.Unlock()

		if prune {
			b.remove(s, "heartbeat")
			continue
		}
		if err := s.conn.Ping(); err != nil {
			slog.Debug("heartbeat probe failed", "id", s.id, "error", err)
			b.remove(s, "probe_error")
		}
	}
}

func (b *Broadcaster) writeLoop(s *Subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.conn.Send(msg); err != nil {
				slog.Debug("subscriber send failed", "id", s.id, "error", err)
				b.remove(s, "send_error")
				return
			}
		}
	}
}

func (b *Broadcaster) remove(s *Subscriber, reason string) {
	b.mu.Lock()
	_, present := b.subs[s.id]
	delete(b.subs, s.id)
	n := len(b.subs)
	b.mu.Unlock()

	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	if present {
		metrics.SetSubscribers(n)
		metrics.IncPruned(reason)
		slog.Debug("subscriber removed", "id", s.id, "reason", reason, "subscribers", n)
	}
}

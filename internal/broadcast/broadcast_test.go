package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	msgs     [][]byte
	pings    int
	closed   bool
	block    chan struct{} // when non-nil, Send waits on it
	failPing bool
}

func (f *fakeConn) Send(msg []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.failPing {
		return errors.New("ping failed")
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	b := New(Config{Heartbeat: time.Hour})
	defer b.Stop()

	conns := []*fakeConn{{}, {}, {}}
	for _, c := range conns {
		b.Subscribe(c)
	}
	require.Equal(t, 3, b.Count())

	require.NoError(t, b.Publish(EventSystemStats, map[string]float64{"cpu_usage": 12.5}))

	for i, c := range conns {
		require.Eventually(t, func() bool { return c.received() == 1 }, time.Second, 5*time.Millisecond, "conn %d", i)
		var ev struct {
			Type EventType       `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(c.msgs[0], &ev))
		assert.Equal(t, EventSystemStats, ev.Type)
		assert.JSONEq(t, `{"cpu_usage":12.5}`, string(ev.Data))
	}
}

func TestPublishUnmarshalableData(t *testing.T) {
	b := New(Config{Heartbeat: time.Hour})
	defer b.Stop()
	err := b.Publish(EventBotUpdated, make(chan int))
	require.Error(t, err)
}

func TestStalledSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(Config{Heartbeat: time.Hour, QueueSize: 2})
	stuck := &fakeConn{block: make(chan struct{})}
	healthy := &fakeConn{}
	b.Subscribe(stuck)
	b.Subscribe(healthy)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = b.Publish(EventBotLogCreated, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}
	require.Eventually(t, func() bool { return healthy.received() > 0 }, time.Second, 5*time.Millisecond)

	close(stuck.block)
	b.Stop()
}

func TestHeartbeatPrunesAfterTwoMissedProbes(t *testing.T) {
	b := New(Config{Heartbeat: time.Hour})
	defer b.Stop()

	silent := &fakeConn{}
	alive := &fakeConn{}
	sSilent := b.Subscribe(silent)
	sAlive := b.Subscribe(alive)

	// round 1: both probed
	b.heartbeat()
	sAlive.Pong()
	assert.Equal(t, 2, b.Count())

	// round 2: silent has missed one probe
	b.heartbeat()
	sAlive.Pong()
	assert.Equal(t, 2, b.Count())

	// round 3: silent has missed two in a row
	b.heartbeat()
	assert.Equal(t, 1, b.Count())
	assert.True(t, silent.isClosed())
	assert.False(t, alive.isClosed())

	select {
	case <-sSilent.Done():
	default:
		t.Fatal("pruned subscriber should be done")
	}
}

func TestPongResetsMissedCount(t *testing.T) {
	b := New(Config{Heartbeat: time.Hour})
	defer b.Stop()

	c := &fakeConn{}
	s := b.Subscribe(c)
	for i := 0; i < 5; i++ {
		b.heartbeat()
		s.Pong()
	}
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 5, c.pings)
}

func TestFailedProbeRemovesSubscriber(t *testing.T) {
	b := New(Config{Heartbeat: time.Hour})
	defer b.Stop()

	c := &fakeConn{failPing: true}
	b.Subscribe(c)
	b.heartbeat()
	assert.Equal(t, 0, b.Count())
	assert.True(t, c.isClosed())
}

func TestHeartbeatLoopRuns(t *testing.T) {
	b := New(Config{Heartbeat: 10 * time.Millisecond})
	b.Start()
	defer b.Stop()

	c := &fakeConn{}
	b.Subscribe(c)
	require.Eventually(t, func() bool { return b.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.isClosed())
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(Config{Heartbeat: time.Hour})
	defer b.Stop()

	s := b.Subscribe(&fakeConn{})
	b.Unsubscribe(s)
	b.Unsubscribe(s)
	assert.Equal(t, 0, b.Count())
	require.NoError(t, b.Publish(EventBotDeleted, "x"))
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New(Config{Heartbeat: time.Hour})
	defer b.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := b.Subscribe(&fakeConn{})
			b.Unsubscribe(s)
		}()
		go func(i int) {
			defer wg.Done()
			_ = b.Publish(EventActivityCreated, fmt.Sprintf("a-%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, b.Count())
}

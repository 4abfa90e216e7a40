// Package history exports activity events to external analytics stores.
package history

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/loykin/botvisor/internal/store"
)

// Record is the worker context attached to an exported activity.
type Record struct {
	ActivityID string            `json:"activity_id"`
	BotID      string            `json:"bot_id"`
	BotName    string            `json:"bot_name"`
	Message    string            `json:"message"`
	State      string            `json:"state"`
	PID        int               `json:"pid"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Event is one activity to be exported.
type Event struct {
	Type       store.ActivityType `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Record     Record             `json:"record"`
}

// FromActivity builds an export event from an activity and the worker's state at that moment.
func FromActivity(a store.Activity, botName, state string, pid int) Event {
	return Event{
		Type:       a.Type,
		OccurredAt: a.Timestamp,
		Record: Record{
			ActivityID: a.ID,
			BotID:      a.BotID,
			BotName:    botName,
			Message:    a.Message,
			State:      state,
			PID:        pid,
			Metadata:   a.Metadata,
		},
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends e to every sink and joins their errors.
func Fanout(ctx context.Context, sinks []Sink, e Event) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every sink that holds resources.
func CloseAll(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

package store

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity attached to a captured worker log record.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogRecord is one captured chunk of worker output (or a supervisor note about the worker).
type LogRecord struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLogRecord stamps a new immutable record.
func NewLogRecord(botID string, level LogLevel, msg string) LogRecord {
	return LogRecord{
		ID:        uuid.NewString(),
		BotID:     botID,
		Level:     level,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

// ActivityType classifies entries in the global activity feed.
type ActivityType string

const (
	ActivityStart        ActivityType = "bot_start"
	ActivityStop         ActivityType = "bot_stop"
	ActivityRestart      ActivityType = "bot_restart"
	ActivityCrash        ActivityType = "bot_crash"
	ActivityConfigUpdate ActivityType = "config_update"
	ActivityCreated      ActivityType = "bot_created"
	ActivityDeleted      ActivityType = "bot_deleted"
)

// Activity is an immutable entry of the global activity feed.
type Activity struct {
	ID        string            `json:"id"`
	Type      ActivityType      `json:"type"`
	BotID     string            `json:"bot_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewActivity stamps a new activity. botID may be empty for global events.
func NewActivity(t ActivityType, botID, msg string) Activity {
	return Activity{
		ID:        uuid.NewString(),
		Type:      t,
		BotID:     botID,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

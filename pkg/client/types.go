package client

import "time"

// BotSpec is the launch spec sent on create and update.
type BotSpec struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Language    string            `json:"language,omitempty"`
	MainFile    string            `json:"main_file,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Command     string            `json:"command,omitempty"`
	Setup       string            `json:"setup,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	AutoRestart bool              `json:"auto_restart"`
}

// Bot is the daemon's view of one worker.
type Bot struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	PID           int        `json:"pid,omitempty"`
	LastStarted   *time.Time `json:"last_started,omitempty"`
	LastStopped   *time.Time `json:"last_stopped,omitempty"`
	AutoRestart   bool       `json:"auto_restart"`
	LastError     string     `json:"last_error,omitempty"`
	UptimeSeconds float64    `json:"uptime_seconds,omitempty"`
	CPUUsage      float64    `json:"cpu_usage,omitempty"`
	MemoryUsage   float64    `json:"memory_usage,omitempty"`
	Spec          BotSpec    `json:"spec"`
}

// LogRecord is one captured output line or supervisor message.
type LogRecord struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Activity is an audit trail entry.
type Activity struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	BotID     string            `json:"bot_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SystemStats is one host telemetry sample. Memory and disk are in MB,
// network rates in KB/s.
type SystemStats struct {
	ID          string    `json:"id"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsed  float64   `json:"memory_used"`
	MemoryTotal float64   `json:"memory_total"`
	DiskUsed    float64   `json:"disk_used"`
	DiskTotal   float64   `json:"disk_total"`
	NetworkIn   float64   `json:"network_in"`
	NetworkOut  float64   `json:"network_out"`
	Timestamp   time.Time `json:"timestamp"`
	Unavailable []string  `json:"unavailable,omitempty"`
}

// Schedule is a cron entry with its next and previous activation.
type Schedule struct {
	Name      string    `json:"name"`
	Worker    string    `json:"worker"`
	Action    string    `json:"action"`
	Schedule  string    `json:"schedule"`
	TimeZone  string    `json:"time_zone,omitempty"`
	Singleton *bool     `json:"singleton,omitempty"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev"`
}

type controlResponse struct {
	OK  bool `json:"ok"`
	Bot *Bot `json:"bot,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

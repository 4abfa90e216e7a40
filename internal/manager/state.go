package manager

import (
	"time"

	"github.com/loykin/botvisor/internal/process"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateOffline  State = "offline"
	StateStarting State = "starting"
	StateOnline   State = "online"
	StateStopping State = "stopping"
	StateError    State = "error"
)

var allStates = []State{StateOffline, StateStarting, StateOnline, StateStopping, StateError}

// stopReason says why an instance was asked to stop; the exit handler uses it
// to tell a planned stop from a crash.
type stopReason int

const (
	reasonNone stopReason = iota
	reasonUser
	reasonRestart
	reasonRuntimeError
	reasonShutdown
)

func (r stopReason) String() string {
	switch r {
	case reasonUser:
		return "user"
	case reasonRestart:
		return "restart"
	case reasonRuntimeError:
		return "runtime error"
	case reasonShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Status is a point-in-time view of a worker.
type Status struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	State         State        `json:"status"`
	PID           int          `json:"pid,omitempty"`
	StartedAt     *time.Time   `json:"last_started,omitempty"`
	StoppedAt     *time.Time   `json:"last_stopped,omitempty"`
	AutoRestart   bool         `json:"auto_restart"`
	LastError     string       `json:"last_error,omitempty"`
	UptimeSeconds float64      `json:"uptime_seconds,omitempty"`
	CPUPercent    float64      `json:"cpu_usage,omitempty"`
	MemoryMB      float64      `json:"memory_usage,omitempty"`
	Spec          process.Spec `json:"spec"`
}

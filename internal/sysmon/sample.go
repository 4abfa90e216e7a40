package sysmon

import (
	"errors"
	"time"
)

// ErrMetricUnavailable marks a source that could not produce its reading.
var ErrMetricUnavailable = errors.New("metric unavailable")

// Sample is one host telemetry snapshot. Memory and disk are in MB, network in KB/s.
type Sample struct {
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

// Reading applies one source's fields onto a sample.
type Reading func(*Sample)

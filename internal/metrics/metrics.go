package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	botStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "starts_total",
			Help:      "Number of bot starts confirmed online.",
		}, []string{"bot"},
	)
	botStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "stops_total",
			Help:      "Number of bot process exits (planned or not).",
		}, []string{"bot"},
	)
	botCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "crashes_total",
			Help:      "Number of abnormal exits that were not requested.",
		}, []string{"bot"},
	)
	botRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "restarts_total",
			Help:      "Number of restart requests.",
		}, []string{"bot"},
	)
	botForceKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "force_kills_total",
			Help:      "Number of times the kill timeout escalated to SIGKILL.",
		}, []string{"bot"},
	)
	botStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to the online transition.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"bot"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between bot states.",
		}, []string{"bot", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botvisor",
			Subsystem: "bot",
			Name:      "current_state",
			Help:      "Current state of bots (1 = active state, 0 = inactive).",
		}, []string{"bot", "state"},
	)

	hostGauges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botvisor",
			Subsystem: "host",
			Name:      "resource",
			Help:      "Latest host resource sample (cpu_percent, memory_used_mb, memory_total_mb, disk_used_mb, disk_total_mb, network_in_kbps, network_out_kbps).",
		}, []string{"resource"},
	)
	sourceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "host",
			Name:      "source_failures_total",
			Help:      "Number of failed metric source collections.",
		}, []string{"source"},
	)

	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "botvisor",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Currently registered event subscribers.",
		},
	)
	published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "broadcast",
			Name:      "published_total",
			Help:      "Number of events published, by type.",
		}, []string{"type"},
	)
	dropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Number of deliveries skipped because a subscriber queue was full.",
		},
	)
	pruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botvisor",
			Subsystem: "broadcast",
			Name:      "pruned_total",
			Help:      "Number of subscribers removed, by reason.",
		}, []string{"reason"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		botStarts, botStops, botCrashes, botRestarts, botForceKills, botStartDuration,
		stateTransitions, currentStates,
		hostGauges, sourceFailures,
		subscribers, published, dropped, pruned,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(bot string) {
	if regOK.Load() {
		botStarts.WithLabelValues(bot).Inc()
	}
}

func IncStop(bot string) {
	if regOK.Load() {
		botStops.WithLabelValues(bot).Inc()
	}
}

func IncCrash(bot string) {
	if regOK.Load() {
		botCrashes.WithLabelValues(bot).Inc()
	}
}

func IncRestart(bot string) {
	if regOK.Load() {
		botRestarts.WithLabelValues(bot).Inc()
	}
}

func IncForceKill(bot string) {
	if regOK.Load() {
		botForceKills.WithLabelValues(bot).Inc()
	}
}

func ObserveStartDuration(bot string, seconds float64) {
	if regOK.Load() {
		botStartDuration.WithLabelValues(bot).Observe(seconds)
	}
}

func RecordStateTransition(bot, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(bot, from, to).Inc()
	}
}

func SetCurrentState(bot, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(bot, state).Set(value)
	}
}

// ForgetBot drops every per-bot series, used when a bot is unregistered.
func ForgetBot(bot string) {
	if regOK.Load() {
		l := prometheus.Labels{"bot": bot}
		botStarts.DeletePartialMatch(l)
		botStops.DeletePartialMatch(l)
		botCrashes.DeletePartialMatch(l)
		botRestarts.DeletePartialMatch(l)
		botForceKills.DeletePartialMatch(l)
		botStartDuration.DeletePartialMatch(l)
		stateTransitions.DeletePartialMatch(l)
		currentStates.DeletePartialMatch(l)
	}
}

// HostSample carries the values exported by SetHostSample.
type HostSample struct {
	CPUPercent     float64
	MemoryUsedMB   float64
	MemoryTotalMB  float64
	DiskUsedMB     float64
	DiskTotalMB    float64
	NetworkInKBps  float64
	NetworkOutKBps float64
}

func SetHostSample(s HostSample) {
	if regOK.Load() {
		hostGauges.WithLabelValues("cpu_percent").Set(s.CPUPercent)
		hostGauges.WithLabelValues("memory_used_mb").Set(s.MemoryUsedMB)
		hostGauges.WithLabelValues("memory_total_mb").Set(s.MemoryTotalMB)
		hostGauges.WithLabelValues("disk_used_mb").Set(s.DiskUsedMB)
		hostGauges.WithLabelValues("disk_total_mb").Set(s.DiskTotalMB)
		hostGauges.WithLabelValues("network_in_kbps").Set(s.NetworkInKBps)
		hostGauges.WithLabelValues("network_out_kbps").Set(s.NetworkOutKBps)
	}
}

func IncSourceFailure(source string) {
	if regOK.Load() {
		sourceFailures.WithLabelValues(source).Inc()
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		subscribers.Set(float64(n))
	}
}

func IncPublished(eventType string) {
	if regOK.Load() {
		published.WithLabelValues(eventType).Inc()
	}
}

func IncDropped() {
	if regOK.Load() {
		dropped.Inc()
	}
}

func IncPruned(reason string) {
	if regOK.Load() {
		pruned.WithLabelValues(reason).Inc()
	}
}

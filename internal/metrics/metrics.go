package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	groupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "group",
			Name:      "runs_total",
			Help:      "Number of completed group runs by result.",
		}, []string{"group", "result"},
	)
	groupTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "group",
			Name:      "state_transitions_total",
			Help:      "Number of group state transitions.",
		}, []string{"group", "from", "to"},
	)
	groupStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcgroup",
			Subsystem: "group",
			Name:      "current_state",
			Help:      "Current group state (1 = active state, 0 = inactive).",
		}, []string{"group", "state"},
	)
	triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "group",
			Name:      "triggers_total",
			Help:      "Shutdown triggers observed, initiating or secondary.",
		}, []string{"group", "kind", "initiating"},
	)
	shutdownDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcgroup",
			Subsystem: "group",
			Name:      "shutdown_duration_seconds",
			Help:      "Time from the initiating trigger until termination.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"group"},
	)
	abandoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "group",
			Name:      "abandoned_services_total",
			Help:      "Services still running when the grace period elapsed.",
		}, []string{"group"},
	)

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "service",
			Name:      "start_failures_total",
			Help:      "Number of services that failed to initialize.",
		}, []string{"service"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Number of service terminations by exit kind.",
		}, []string{"service", "kind"},
	)
	serviceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcgroup",
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Time spent in Start until the service entered its main loop.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "invoke",
			Name:      "invocations_total",
			Help:      "Function invocations by result.",
		}, []string{"function", "result"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcgroup",
			Subsystem: "invoke",
			Name:      "duration_seconds",
			Help:      "Function invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"},
	)
	cronRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "cron",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by result.",
		}, []string{"service", "job", "result"},
	)
	dbPingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcgroup",
			Subsystem: "sqldb",
			Name:      "ping_failures_total",
			Help:      "Failed database health checks.",
		}, []string{"service"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		groupRuns, groupTransitions, groupStates, triggers, shutdownDuration, abandoned,
		serviceStarts, serviceStartFailures, serviceExits, serviceStartDuration,
		invocations, invocationDuration, cronRuns, dbPingFailures,
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncGroupRun(group, result string) {
	if regOK.Load() {
		groupRuns.WithLabelValues(group, result).Inc()
	}
}

func RecordGroupTransition(group, from, to string) {
	if regOK.Load() {
		groupTransitions.WithLabelValues(group, from, to).Inc()
	}
}

func SetGroupState(group, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		groupStates.WithLabelValues(group, state).Set(value)
	}
}

func IncTrigger(group, kind string, initiating bool) {
	if regOK.Load() {
		triggers.WithLabelValues(group, kind, strconv.FormatBool(initiating)).Inc()
	}
}

func ObserveShutdownDuration(group string, seconds float64) {
	if regOK.Load() {
		shutdownDuration.WithLabelValues(group).Observe(seconds)
	}
}

func AddAbandoned(group string, n int) {
	if regOK.Load() && n > 0 {
		abandoned.WithLabelValues(group).Add(float64(n))
	}
}

func IncServiceStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncServiceStartFailure(service string) {
	if regOK.Load() {
		serviceStartFailures.WithLabelValues(service).Inc()
	}
}

func IncServiceExit(service, kind string) {
	if regOK.Load() {
		serviceExits.WithLabelValues(service, kind).Inc()
	}
}

func ObserveServiceStartDuration(service string, seconds float64) {
	if regOK.Load() {
		serviceStartDuration.WithLabelValues(service).Observe(seconds)
	}
}

func ObserveInvocation(function, result string, seconds float64) {
	if regOK.Load() {
		invocations.WithLabelValues(function, result).Inc()
		invocationDuration.WithLabelValues(function).Observe(seconds)
	}
}

func IncCronRun(service, job, result string) {
	if regOK.Load() {
		cronRuns.WithLabelValues(service, job, result).Inc()
	}
}

func IncDBPingFailure(service string) {
	if regOK.Load() {
		dbPingFailures.WithLabelValues(service).Inc()
	}
}

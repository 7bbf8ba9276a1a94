package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/parkgate-core/internal/hardware/events"
	"github.com/nerrad567/parkgate-core/internal/hardware/monitor"
)

const namespace = "parkgate"

// Metrics owns a Prometheus registry and the control plane collectors.
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal  *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	exhaustedTotal *prometheus.CounterVec
	switchesTotal  *prometheus.CounterVec
	usingBackup    *prometheus.GaugeVec
}

// New creates the registry with Go runtime and process collectors and
// registers the control plane metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "commands_total",
				Help:      "Resolved device commands by outcome",
			},
			[]string{"device", "verb", "outcome"},
		),
		commandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "command_duration_seconds",
				Help:      "Time from command write to matched response",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"device", "verb"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "redundancy",
				Name:      "retries_total",
				Help:      "Failed attempts that were retried",
			},
			[]string{"class", "operation"},
		),
		exhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "redundancy",
				Name:      "exhausted_total",
				Help:      "Operations that failed every attempt",
			},
			[]string{"class", "operation"},
		),
		switchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "redundancy",
				Name:      "switches_total",
				Help:      "Failovers to backup and restorations to main",
			},
			[]string{"class", "direction"},
		),
		usingBackup: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "redundancy",
				Name:      "using_backup",
				Help:      "1 while the class runs on its backup device",
			},
			[]string{"class"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commandsTotal,
		m.commandLatency,
		m.retriesTotal,
		m.exhaustedTotal,
		m.switchesTotal,
		m.usingBackup,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCommand records one resolved command. Latency is only observed
// for commands that got a response.
func (m *Metrics) ObserveCommand(device, verb, outcome string, latency time.Duration) {
	m.commandsTotal.WithLabelValues(device, verb, outcome).Inc()
	if outcome == "ok" || outcome == "rejected" {
		m.commandLatency.WithLabelValues(device, verb).Observe(latency.Seconds())
	}
}

// ObserveRetry records a retried attempt.
func (m *Metrics) ObserveRetry(class, operation string) {
	m.retriesTotal.WithLabelValues(class, operation).Inc()
}

// ObserveExhausted records an operation whose retries ran out.
func (m *Metrics) ObserveExhausted(class, operation string) {
	m.exhaustedTotal.WithLabelValues(class, operation).Inc()
}

// ObserveSwitch records a failover (toBackup) or a restoration.
func (m *Metrics) ObserveSwitch(class string, toBackup bool) {
	direction := "restore"
	value := 0.0
	if toBackup {
		direction = "failover"
		value = 1
	}
	m.switchesTotal.WithLabelValues(class, direction).Inc()
	m.usingBackup.WithLabelValues(class).Set(value)
}

// WatchBus exports notification bus counters, read from stats on scrape.
func (m *Metrics) WatchBus(stats func() events.Stats) {
	m.registry.MustRegister(
		counterFunc("bus", "published_total", "Notifications published", func() uint64 { return stats().Published }),
		counterFunc("bus", "delivered_total", "Notifications delivered to subscribers", func() uint64 { return stats().Delivered }),
		counterFunc("bus", "dropped_total", "Notifications dropped on full subscriber queues", func() uint64 { return stats().Dropped }),
		counterFunc("bus", "handler_panics_total", "Subscriber handler panics recovered", func() uint64 { return stats().Panics }),
	)
}

// WatchMonitor exports state monitor counters, read from stats on scrape.
func (m *Metrics) WatchMonitor(stats func() monitor.Stats) {
	m.registry.MustRegister(
		counterFunc("monitor", "detector_polls_total", "Loop detector poll iterations", func() uint64 { return stats().DetectorPolls }),
		counterFunc("monitor", "detector_changes_total", "Loop detector occupancy changes", func() uint64 { return stats().DetectorChanges }),
		counterFunc("monitor", "camera_polls_total", "Camera poll iterations", func() uint64 { return stats().CameraPolls }),
		counterFunc("monitor", "frames_captured_total", "Camera frames stored", func() uint64 { return stats().FramesCaptured }),
		counterFunc("monitor", "failed_iterations_total", "Poll iterations that exhausted their retries", func() uint64 { return stats().FailedIterations }),
	)
}

func counterFunc(subsystem, name, help string, read func() uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		func() float64 { return float64(read()) },
	)
}

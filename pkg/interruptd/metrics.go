package interruptd

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stalexteam/interruptd/pkg/interrupt"
)

const metricsNamespace = "interruptd"

// StatsProvider is what the metrics read from
type StatsProvider interface {
	Stats() interrupt.Stats
	Listening() bool
	Polling() bool
}

// Metrics exposes the module's counters on a private registry
type Metrics struct {
	registry *prometheus.Registry
	logger   *zap.SugaredLogger
}

var allEvents = []interrupt.Event{
	interrupt.EventCall,
	interrupt.EventCallEnded,
	interrupt.EventFocusLoss,
	interrupt.EventFocusLossTransient,
	interrupt.EventFocusLossCanDuck,
	interrupt.EventFocusGain,
	interrupt.EventNoisy,
	interrupt.EventRouteOverride,
	interrupt.EventMediaServicesReset,
}

// NewMetrics registers collectors that sample the provider at scrape time
func NewMetrics(logger *zap.SugaredLogger, provider StatsProvider) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	counter := func(name, help string, value func(interrupt.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(provider.Stats()))
		})
	}

	gauge := func(name, help string, value func() bool) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			if value() {
				return 1
			}
			return 0
		})
	}

	collectors := []prometheus.Collector{
		counter("events_suppressed_total", "Events dropped as consecutive duplicates.",
			func(s interrupt.Stats) uint64 { return s.Suppressed }),
		counter("self_heals_total", "Idle call states received while no call was tracked.",
			func(s interrupt.Stats) uint64 { return s.SelfHeals }),
		counter("stuck_call_resets_total", "Call flags cleared on focus gain.",
			func(s interrupt.Stats) uint64 { return s.StuckResets }),
		counter("focus_gains_suppressed_total", "Focus gains ignored during an active call.",
			func(s interrupt.Stats) uint64 { return s.GainsSuppressed }),
		counter("poll_ticks_total", "Call state polls after a transient focus loss.",
			func(s interrupt.Stats) uint64 { return s.PollTicks }),
		counter("stale_tasks_total", "Delayed tasks dropped because their context was gone.",
			func(s interrupt.Stats) uint64 { return s.StaleTasks }),
		gauge("listening", "Whether the module is listening.", provider.Listening),
		gauge("polling", "Whether call state polling is armed.", provider.Polling),
	}

	for _, ev := range allEvents {
		ev := ev
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "events_emitted_total",
			Help:        "Interruption events delivered to the sinks.",
			ConstLabels: prometheus.Labels{"reason": ev.String()},
		}, func() float64 {
			return float64(provider.Stats().Emitted[ev])
		}))
	}

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	m := &Metrics{
		registry: registry,
		logger:   logger.Named("metrics"),
	}

	m.logger.Debug("Created metrics instance")

	return m, nil
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

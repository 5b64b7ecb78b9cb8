package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetmon"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "total",
			Help:      "Number of health probes by result (success, failure, unreachable).",
		}, []string{"service", "result"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Wall time of health probes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	healthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "health_score",
			Help:      "Most recent health score (0-100).",
		}, []string{"service"},
	)
	uptime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "uptime",
			Help:      "Uptime estimator value (0-100).",
		}, []string{"service"},
	)
	samplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "samples_total",
			Help:      "Number of performance samples recorded.",
		}, []string{"service"},
	)
	alertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "created_total",
			Help:      "Number of alerts created.",
		}, []string{"severity", "category"},
	)
	alertsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "pruned_total",
			Help:      "Number of alerts removed by retention or history bounds.",
		},
	)
	alertsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "active",
			Help:      "Alerts currently held per severity.",
		}, []string{"severity"},
	)
	propagationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "propagation",
			Name:      "total",
			Help:      "Aggregator push attempts by result.",
		}, []string{"result"},
	)
	aggregatorReachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "propagation",
			Name:      "aggregator_reachable",
			Help:      "1 when the last aggregator contact succeeded.",
		},
	)
	observers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "observers",
			Help:      "Currently subscribed observers.",
		},
	)
	broadcastDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Deltas dropped because a subscriber buffer was full.",
		},
	)
	historyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "events_total",
			Help:      "Alert events handed to history sinks by result (ok, error, dropped).",
		}, []string{"result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		probesTotal, probeDuration, healthScore, uptime, samplesTotal,
		alertsCreated, alertsPruned, alertsActive,
		propagationTotal, aggregatorReachable, observers, broadcastDropped,
		historyTotal,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func ObserveProbe(service, result string, seconds float64) {
	if regOK.Load() {
		probesTotal.WithLabelValues(service, result).Inc()
		probeDuration.WithLabelValues(service).Observe(seconds)
	}
}

func SetHealth(service string, score int, up float64) {
	if regOK.Load() {
		healthScore.WithLabelValues(service).Set(float64(score))
		uptime.WithLabelValues(service).Set(up)
	}
}

func IncSample(service string) {
	if regOK.Load() {
		samplesTotal.WithLabelValues(service).Inc()
	}
}

func IncAlert(severity, category string) {
	if regOK.Load() {
		alertsCreated.WithLabelValues(severity, category).Inc()
	}
}

func AddPruned(n int) {
	if regOK.Load() && n > 0 {
		alertsPruned.Add(float64(n))
	}
}

func SetActiveAlerts(severity string, n int) {
	if regOK.Load() {
		alertsActive.WithLabelValues(severity).Set(float64(n))
	}
}

func IncPropagation(result string) {
	if regOK.Load() {
		propagationTotal.WithLabelValues(result).Inc()
	}
}

func SetAggregatorReachable(ok bool) {
	if regOK.Load() {
		v := 0.0
		if ok {
			v = 1
		}
		aggregatorReachable.Set(v)
	}
}

func SetObservers(n int) {
	if regOK.Load() {
		observers.Set(float64(n))
	}
}

func IncDropped() {
	if regOK.Load() {
		broadcastDropped.Inc()
	}
}

func IncHistory(result string) {
	if regOK.Load() {
		historyTotal.WithLabelValues(result).Inc()
	}
}

// DeleteService drops all per-service series so deregistered services stop being exported.
func DeleteService(service string) {
	if !regOK.Load() {
		return
	}
	lbl := prometheus.Labels{"service": service}
	probesTotal.DeletePartialMatch(lbl)
	probeDuration.DeletePartialMatch(lbl)
	healthScore.DeletePartialMatch(lbl)
	uptime.DeletePartialMatch(lbl)
	samplesTotal.DeletePartialMatch(lbl)
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "dlvalidator"

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_active",
		Help:      "Number of session actors currently attached to a websocket.",
	})
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "commands_total",
		Help:      "Session commands processed, by action and outcome.",
	}, []string{"action", "outcome"})
	metricCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "command_duration_seconds",
		Help:      "Time spent processing one session command.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"action"})
	metricCaptures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "captures_total",
		Help:      "Screenshot and data layer captures, by kind and outcome.",
	}, []string{"kind", "outcome"})
	metricVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "verdicts_total",
		Help:      "Validation verdicts assigned to captured event batches.",
	}, []string{"verdict"})
	metricLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "browser_launches_total",
		Help:      "Browser launch attempts, by engine and outcome.",
	}, []string{"engine", "outcome"})
	metricObservationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "observations_dropped_total",
		Help:      "Console, page error and dialog observations dropped because the observer buffer was full.",
	})
)

// Outcome labels shared by the counters above.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeEmpty = "empty"
)

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// SessionOpened and SessionClosed track live session actors.
func SessionOpened() { metricSessionsActive.Inc() }
func SessionClosed() { metricSessionsActive.Dec() }

// ObserveCommand records one processed command.
func ObserveCommand(action string, started time.Time, err error) {
	metricCommands.WithLabelValues(action, outcome(err)).Inc()
	metricCommandDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

// ObserveCapture records a capture attempt; kind is "screenshot" or "datalayer".
func ObserveCapture(kind, result string) {
	metricCaptures.WithLabelValues(kind, result).Inc()
}

// ObserveVerdict records a validation verdict.
func ObserveVerdict(verdict string) {
	metricVerdicts.WithLabelValues(verdict).Inc()
}

// ObserveLaunch records a browser launch attempt.
func ObserveLaunch(engine string, err error) {
	metricLaunches.WithLabelValues(engine, outcome(err)).Inc()
}

// ObservationDropped counts an observation lost to a full observer buffer.
func ObservationDropped() { metricObservationsDropped.Inc() }

// MetricsHandler exposes the default registry for scraping.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

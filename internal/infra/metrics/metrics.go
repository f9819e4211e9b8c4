// Package metrics exposes the scheduler's Prometheus instrumentation: tick
// outcomes, per-channel parse outcomes, retries, rate-limit waits, and
// watermark age gauges, per the external interfaces this service exposes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge the scheduler emits. Construct once
// via NewMetrics and share across the tick loop, dispatcher and NATS
// publisher.
type Metrics struct {
	tickAttemptsTotal      *prometheus.CounterVec
	parseAttemptsTotal     *prometheus.CounterVec
	retriesTotal           *prometheus.CounterVec
	rateLimitWaitSeconds   *prometheus.CounterVec
	hwmAgeSeconds          *prometheus.GaugeVec
	lpaAgeSeconds          *prometheus.GaugeVec
	lastSuccessfulTick     prometheus.Gauge
}

// NewMetrics registers and returns the scheduler's metric set against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer builds the metric set against a caller-supplied
// registerer, so tests can use a fresh prometheus.NewRegistry() instead of
// colliding with the global default across test cases.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tickAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tgparser_tick_attempts_total",
			Help: "Total tick attempts by result (acquired, contended, error).",
		}, []string{"result"}),

		parseAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tgparser_parse_attempts_total",
			Help: "Total per-channel parse attempts by mode and outcome.",
		}, []string{"mode", "outcome"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tgparser_retries_total",
			Help: "Total dispatcher retries by classified reason.",
		}, []string{"reason"}),

		rateLimitWaitSeconds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tgparser_rate_limit_wait_seconds_total",
			Help: "Total seconds spent honoring rate-limit waits, per channel.",
		}, []string{"channel"}),

		hwmAgeSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tgparser_hwm_age_seconds",
			Help: "Age in seconds of each channel's volatile high-water mark.",
		}, []string{"channel"}),

		lpaAgeSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tgparser_lpa_age_seconds",
			Help: "Age in seconds of each channel's durable Last Parsed At watermark.",
		}, []string{"channel"}),

		lastSuccessfulTick: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tgparser_last_successful_tick_timestamp",
			Help: "Unix timestamp of the last tick that completed without error.",
		}),
	}
}

// TickResult enumerates tgparser_tick_attempts_total's `result` label values.
type TickResult string

const (
	TickAcquired  TickResult = "acquired"
	TickContended TickResult = "contended"
	TickError     TickResult = "error"
)

// ObserveTick records one tick attempt's outcome.
func (m *Metrics) ObserveTick(result TickResult) {
	m.tickAttemptsTotal.WithLabelValues(string(result)).Inc()
}

// ObserveTickSuccess records that a tick completed cleanly, at clock time now.
func (m *Metrics) ObserveTickSuccess(now time.Time) {
	m.lastSuccessfulTick.Set(float64(now.Unix()))
}

// ParseOutcome enumerates tgparser_parse_attempts_total's `outcome` label values.
type ParseOutcome string

const (
	ParseOutcomeSuccess     ParseOutcome = "success"
	ParseOutcomeFailure     ParseOutcome = "failure"
	ParseOutcomePartial     ParseOutcome = "partial"
	ParseOutcomeRateLimited ParseOutcome = "rate_limited"
)

// ObserveParse records one channel's parse attempt.
func (m *Metrics) ObserveParse(mode, outcome string) {
	m.parseAttemptsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveRetry records one dispatcher retry, tagged with its classified reason.
func (m *Metrics) ObserveRetry(reason string) {
	m.retriesTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitWait records seconds spent waiting on a rate-limit signal
// for a channel.
func (m *Metrics) ObserveRateLimitWait(channelLabel string, wait time.Duration) {
	if wait <= 0 {
		return
	}
	m.rateLimitWaitSeconds.WithLabelValues(channelLabel).Add(wait.Seconds())
}

// SetHWMAge sets the current HWM age gauge for a channel.
func (m *Metrics) SetHWMAge(channelLabel string, age time.Duration) {
	m.hwmAgeSeconds.WithLabelValues(channelLabel).Set(age.Seconds())
}

// SetLPAAge sets the current LPA age gauge for a channel.
func (m *Metrics) SetLPAAge(channelLabel string, age time.Duration) {
	m.lpaAgeSeconds.WithLabelValues(channelLabel).Set(age.Seconds())
}

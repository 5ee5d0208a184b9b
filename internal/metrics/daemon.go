package metrics

import (
	"time"
)

// DaemonMetrics holds the metrics auralinkd records itself. Counts owned
// by other components are attached with the Register*Func methods.
type DaemonMetrics struct {
	registry *Registry
	started  time.Time

	// Counters
	AnnouncementsTotal   *Counter
	SoundsTotal          *Counter
	ActionsTotal         *Counter
	CandidatesTotal      *Counter
	SynthesisErrorsTotal *Counter
	ConfigReloadsTotal   *Counter

	// Gauges
	BridgeUp *Gauge

	// Histograms
	SynthesisDuration *Histogram
}

// NewDaemonMetrics creates and registers the daemon metrics.
func NewDaemonMetrics(registry *Registry) *DaemonMetrics {
	m := &DaemonMetrics{
		registry: registry,
		started:  time.Now(),

		AnnouncementsTotal: registry.RegisterCounter(
			"announcements_total",
			"Total number of utterances sent to the output sink",
			nil,
		),
		SoundsTotal: registry.RegisterCounter(
			"sounds_total",
			"Total number of earcons played",
			nil,
		),
		ActionsTotal: registry.RegisterCounter(
			"actions_total",
			"Total number of command actions run",
			nil,
		),
		CandidatesTotal: registry.RegisterCounter(
			"ime_candidates_announced_total",
			"Total number of settled IME candidates announced",
			nil,
		),
		SynthesisErrorsTotal: registry.RegisterCounter(
			"synthesis_errors_total",
			"Total number of failed synthesis requests",
			nil,
		),
		ConfigReloadsTotal: registry.RegisterCounter(
			"config_reloads_total",
			"Total number of configurations applied after start",
			nil,
		),
		BridgeUp: registry.RegisterGauge(
			"bridge_up",
			"Whether the speech helper is connected",
			nil,
		),
		SynthesisDuration: registry.RegisterHistogram(
			"synthesis_duration_seconds",
			"Time the speech helper took to render an utterance",
			nil,
			DurationBuckets,
		),
	}
	registry.RegisterGaugeFunc("uptime_seconds", "Seconds since the daemon started", func() float64 {
		return time.Since(m.started).Seconds()
	})
	return m
}

// Registry returns the registry the metrics live in.
func (m *DaemonMetrics) Registry() *Registry {
	return m.registry
}

// RecordSynthesis records one synthesis request.
func (m *DaemonMetrics) RecordSynthesis(d time.Duration, err error) {
	if err != nil {
		m.SynthesisErrorsTotal.Inc()
		return
	}
	m.SynthesisDuration.ObserveDuration(d)
}

// SetBridgeUp records whether the helper is connected.
func (m *DaemonMetrics) SetBridgeUp(up bool) {
	if up {
		m.BridgeUp.Set(1)
		return
	}
	m.BridgeUp.Set(0)
}

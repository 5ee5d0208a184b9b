package metrics

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsString(t *testing.T) {
	assert.Equal(t, "", Labels(nil).String())
	assert.Equal(t, `{gesture="double",key="s"}`, Labels{"key": "s", "gesture": "double"}.String())
}

func TestRegisterReturnsExisting(t *testing.T) {
	r := NewRegistry("auralink")
	a := r.RegisterCounter("events_total", "events", nil)
	b := r.RegisterCounter("events_total", "events", nil)
	assert.Same(t, a, b)
	assert.Equal(t, "auralink_events_total", a.Name())
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("auralink")
	c := r.RegisterCounter("announcements_total", "Utterances", nil)
	c.Add(3)
	g := r.RegisterGauge("bridge_up", "Helper connected", nil)
	g.Set(1)
	var forwarded uint64 = 7
	r.RegisterCounterFunc("hook_forwarded_total", "Forwarded", func() float64 { return float64(forwarded) })
	h := r.RegisterHistogram("synthesis_duration_seconds", "Synthesis", nil, []float64{0.1, 0.01})
	h.Observe(0.005)
	h.Observe(0.01)
	h.Observe(0.5)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	assert.Equal(t, strings.Join([]string{
		"# HELP auralink_announcements_total Utterances",
		"# TYPE auralink_announcements_total counter",
		"auralink_announcements_total 3",
		"# HELP auralink_bridge_up Helper connected",
		"# TYPE auralink_bridge_up gauge",
		"auralink_bridge_up 1",
		"# HELP auralink_hook_forwarded_total Forwarded",
		"# TYPE auralink_hook_forwarded_total counter",
		"auralink_hook_forwarded_total 7",
		"# HELP auralink_synthesis_duration_seconds Synthesis",
		"# TYPE auralink_synthesis_duration_seconds histogram",
		`auralink_synthesis_duration_seconds_bucket{le="0.01"} 2`,
		`auralink_synthesis_duration_seconds_bucket{le="0.1"} 2`,
		`auralink_synthesis_duration_seconds_bucket{le="+Inf"} 3`,
		"auralink_synthesis_duration_seconds_sum 0.515",
		"auralink_synthesis_duration_seconds_count 3",
		"",
	}, "\n"), buf.String())
}

func TestHistogramLabels(t *testing.T) {
	r := NewRegistry("")
	h := r.RegisterHistogram("latency_seconds", "Latency", Labels{"kind": "call"}, []float64{1})
	h.ObserveDuration(250 * time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	assert.Contains(t, buf.String(), `latency_seconds_bucket{kind="call",le="1"} 1`)
	assert.Contains(t, buf.String(), `latency_seconds_sum{kind="call"} 0.25`)
	assert.InDelta(t, 0.25, h.Mean(), 1e-9)
}

func TestSnapshotAndUnregister(t *testing.T) {
	r := NewRegistry("auralink")
	r.RegisterGaugeFunc("relay_sessions", "Sessions", func() float64 { return 2 })
	r.RegisterHistogram("x_seconds", "x", nil, nil).Observe(1)

	snap := r.Snapshot()
	assert.Equal(t, 2.0, snap["auralink_relay_sessions"])
	assert.Equal(t, 1.0, snap["auralink_x_seconds_count"])

	r.Unregister("relay_sessions")
	assert.NotContains(t, r.Snapshot(), "auralink_relay_sessions")
}

func TestWriteFile(t *testing.T) {
	r := NewRegistry("auralink")
	r.RegisterCounter("actions_total", "Actions", nil).Inc()

	path := filepath.Join(t.TempDir(), "run", "auralinkd.prom")
	require.NoError(t, r.WriteFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "auralink_actions_total 1\n")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestDaemonMetrics(t *testing.T) {
	r := NewRegistry("auralink")
	m := NewDaemonMetrics(r)
	assert.Same(t, r, m.Registry())

	m.RecordSynthesis(20*time.Millisecond, nil)
	m.RecordSynthesis(0, errors.New("helper gone"))
	m.SetBridgeUp(true)

	assert.Equal(t, uint64(1), m.SynthesisDuration.Count())
	assert.Equal(t, uint64(1), m.SynthesisErrorsTotal.Value())
	assert.Equal(t, int64(1), m.BridgeUp.Value())
	assert.Contains(t, r.Snapshot(), "auralink_uptime_seconds")

	m.SetBridgeUp(false)
	assert.Equal(t, int64(0), m.BridgeUp.Value())
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auralink/internal/a11y"
	"auralink/internal/clock"
	"auralink/internal/config"
	"auralink/internal/hook"
	"auralink/internal/ipc"
	"auralink/internal/relay"
	"auralink/internal/rpc"
)

type fakeInstall struct {
	mu          sync.Mutex
	hook        *hook.Hook
	uninstalled bool
}

func (f *fakeInstall) install(_ context.Context, h *hook.Hook) (hook.Uninstaller, error) {
	f.mu.Lock()
	f.hook = h
	f.mu.Unlock()
	return f, nil
}

func (f *fakeInstall) Uninstall() error {
	f.mu.Lock()
	f.uninstalled = true
	f.mu.Unlock()
	return nil
}

// testBridge serves a MemoryEngine over an in-memory pipe.
type testBridge struct {
	*rpc.Client
	engine      *rpc.MemoryEngine
	synthesized atomic.Int32
	exited      chan struct{}
	exitOnce    sync.Once
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	engine := rpc.NewMemoryEngine()
	srv := rpc.NewServer(rpc.EngineHandler{Engine: engine}, nil)
	go srv.Serve(context.Background(), serverConn)
	return &testBridge{
		Client: rpc.NewClient(clientConn, nil),
		engine: engine,
		exited: make(chan struct{}),
	}
}

func (b *testBridge) Synthesize(ctx context.Context, text string) (rpc.Audio, error) {
	audio, err := b.Client.Synthesize(ctx, text)
	if err == nil {
		b.synthesized.Add(1)
	}
	return audio, err
}

func (b *testBridge) Exited() <-chan struct{} { return b.exited }

func (b *testBridge) exit() { b.exitOnce.Do(func() { close(b.exited) }) }

func (b *testBridge) Close() error {
	b.exit()
	return b.Client.Close()
}

type fixture struct {
	daemon  *Daemon
	install *fakeInstall
	sink    *a11y.Recorder
	clock   *clock.FakeClock
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "aldaemon")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	t.Setenv("XDG_RUNTIME_DIR", dir)

	cfg := config.DefaultConfig()
	cfg.Relay.Endpoint = fmt.Sprintf("relay-%d", time.Now().UnixNano())
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config, adjust func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		install: &fakeInstall{},
		sink:    a11y.NewRecorder(nil),
		clock:   clock.Fake(time.Date(2026, 10, 14, 9, 30, 0, 0, time.Local)),
	}
	opts := Options{
		Config:  cfg,
		Sink:    f.sink,
		Install: f.install.install,
		Clock:   f.clock,
	}
	if adjust != nil {
		adjust(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop() })
	f.daemon = d
	return f
}

func chord(t *testing.T, s string) []hook.Key {
	t.Helper()
	keys, err := hook.ParseChord(s)
	require.NoError(t, err)
	return keys
}

// hold presses keys in order.
func hold(h *hook.Hook, keys []hook.Key) {
	for _, k := range keys {
		h.Process(hook.Transition{Key: k, Down: true})
	}
}

// release lets go of keys in reverse order.
func release(h *hook.Hook, keys []hook.Key) {
	for i := len(keys) - 1; i >= 0; i-- {
		h.Process(hook.Transition{Key: keys[i]})
	}
}

func (f *fixture) sounds() []string {
	var out []string
	for _, u := range f.sink.Utterances() {
		if u.Sound {
			out = append(out, u.Text)
		}
	}
	return out
}

func (f *fixture) spoken() []string {
	var out []string
	for _, u := range f.sink.Utterances() {
		if !u.Sound {
			out = append(out, u.Text)
		}
	}
	return out
}

func TestStartRegistersCommands(t *testing.T) {
	f := startDaemon(t, testConfig(t), nil)
	assert.Equal(t, []string{"speak-time", "repeat-last/stop-speech", "describe-focus"}, f.daemon.Commands())
	assert.Same(t, f.daemon.Hook(), f.install.hook)
}

func TestStartFailsWithoutHook(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(Options{
		Config: cfg,
		Sink:   a11y.NewRecorder(nil),
		Install: func(context.Context, *hook.Hook) (hook.Uninstaller, error) {
			return nil, hook.ErrUnsupported
		},
	})
	require.NoError(t, err)
	err = d.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, hook.ErrUnsupported))

	_, err = ipc.Dial(context.Background(), ipc.Address(cfg.Relay.Endpoint))
	assert.Error(t, err, "relay must not be listening")
	assert.NoError(t, d.Stop())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Hook.Workers = 0
	_, err := New(Options{Config: cfg})
	assert.Error(t, err)
}

func TestSpeakTimeCommand(t *testing.T) {
	f := startDaemon(t, testConfig(t), nil)
	h := f.daemon.Hook()
	keys := chord(t, "ctrl+alt+t")

	hold(h, keys)
	release(h, keys)
	require.Eventually(t, func() bool {
		text, ok := f.sink.LastSpoken()
		return ok && text == "09:30"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSingleAndDoublePressGestures(t *testing.T) {
	f := startDaemon(t, testConfig(t), nil)
	h := f.daemon.Hook()
	keys := chord(t, "ctrl+alt+r")
	main := keys[len(keys)-1]

	hold(h, keys)
	h.Process(hook.Transition{Key: main})
	h.Process(hook.Transition{Key: main, Down: true})
	release(h, keys)

	require.Eventually(t, func() bool { return len(f.sounds()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"empty", "stop"}, f.sounds())
}

func TestRepeatLast(t *testing.T) {
	f := startDaemon(t, testConfig(t), nil)
	h := f.daemon.Hook()

	speak := chord(t, "ctrl+alt+t")
	hold(h, speak)
	release(h, speak)
	require.Eventually(t, func() bool { return len(f.spoken()) == 1 }, 2*time.Second, 5*time.Millisecond)

	repeat := chord(t, "ctrl+alt+r")
	hold(h, repeat)
	release(h, repeat)
	require.Eventually(t, func() bool { return len(f.spoken()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"09:30", "09:30"}, f.spoken())
}

func TestLongPressDescribesFocus(t *testing.T) {
	f := startDaemon(t, testConfig(t), func(o *Options) {
		o.Focus = func() a11y.Element {
			return a11y.StaticElement{Text: "OK button", Rect: a11y.Rect{Left: 10, Top: 20, Right: 90, Bottom: 40}}
		}
	})
	h := f.daemon.Hook()
	keys := chord(t, "ctrl+alt+d")

	// A short press is not a long press.
	hold(h, keys)
	f.clock.Advance(100 * time.Millisecond)
	release(h, keys)
	f.clock.Advance(time.Second)

	hold(h, keys)
	f.clock.Advance(500 * time.Millisecond)
	release(h, keys)

	require.Eventually(t, func() bool { return len(f.spoken()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "OK button, at (10,20)-(90,40)", f.spoken()[0])
}

func TestDescribeWithoutFocus(t *testing.T) {
	f := startDaemon(t, testConfig(t), nil)
	h := f.daemon.Hook()
	keys := chord(t, "ctrl+alt+d")

	hold(h, keys)
	f.clock.Advance(600 * time.Millisecond)
	release(h, keys)
	require.Eventually(t, func() bool {
		text, ok := f.sink.LastSpoken()
		return ok && text == "no focus"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRelayEventsAreAnnounced(t *testing.T) {
	f := startDaemon(t, testConfig(t), func(o *Options) { o.Clock = clock.Real() })

	conn, err := ipc.Dial(context.Background(), f.daemon.RelayAddr())
	require.NoError(t, err)
	ch := ipc.NewChannel[relay.Packet, relay.Packet](conn)
	defer ch.Close()

	for _, p := range []relay.Payload{
		relay.InputChar{Code: 'a'},
		relay.InputChar{Code: ' '},
		relay.InputChar{Code: 0x01},
		relay.IMEConversionMode{Flags: relay.ConversionNative},
	} {
		require.NoError(t, ch.Send(relay.Packet{Payload: p}))
	}
	require.Eventually(t, func() bool { return len(f.spoken()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "space", "native"}, f.spoken())

	require.NoError(t, ch.Send(relay.Packet{Payload: relay.IMECandidateList{Selection: 0, Items: []string{"日本", "二本"}}}))
	require.NoError(t, ch.Send(relay.Packet{Payload: relay.IMECandidateList{Selection: 1, Items: []string{"日本", "二本"}}}))
	require.Eventually(t, func() bool {
		text, ok := f.sink.LastSpoken()
		return ok && text == "二本"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCandidateWithoutSelectionCancelsPending(t *testing.T) {
	f := startDaemon(t, testConfig(t), nil)
	d := f.daemon

	d.onCandidates(relay.IMECandidateList{Selection: 0, Items: []string{"x"}})
	d.onCandidates(relay.IMECandidateList{Selection: -1, Items: []string{"x"}})
	require.Eventually(t, func() bool {
		_, running := d.tasks.Get(imeTask)
		return !running
	}, 2*time.Second, 5*time.Millisecond)

	f.clock.Advance(time.Second)
	assert.Empty(t, f.spoken())
}

func TestCandidateAnnouncedAfterSettle(t *testing.T) {
	f := startDaemon(t, testConfig(t), nil)
	d := f.daemon

	d.onCandidates(relay.IMECandidateList{Selection: 0, Items: []string{"x", "y"}})
	d.onCandidates(relay.IMECandidateList{Selection: 1, Items: []string{"x", "y"}})
	f.clock.Advance(imeSettle)

	require.Eventually(t, func() bool { return len(f.spoken()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"y"}, f.spoken())
}

func TestBridgeSynthesizesAndFollowsConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.Enabled = true
	cfg.Bridge.HelperPath = "auralink-helper"
	cfg.Speech.Rate = 2

	bridge := newTestBridge(t)
	var spawned rpc.SpawnConfig
	f := startDaemon(t, cfg, func(o *Options) {
		o.Spawn = func(_ context.Context, sc rpc.SpawnConfig) (Bridge, error) {
			spawned = sc
			return bridge, nil
		}
	})
	assert.Equal(t, "auralink-helper", spawned.HelperPath)
	assert.Equal(t, 2.0, bridge.engine.Rate())

	h := f.daemon.Hook()
	keys := chord(t, "ctrl+alt+t")
	hold(h, keys)
	release(h, keys)
	require.Eventually(t, func() bool { return bridge.synthesized.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	next := cfg.Clone()
	next.Speech.Rate = 1.5
	require.NoError(t, f.daemon.ApplyConfig(next))
	assert.Equal(t, 1.5, bridge.engine.Rate())

	bridge.exit()
	require.Eventually(t, func() bool {
		f.daemon.mu.Lock()
		defer f.daemon.mu.Unlock()
		return f.daemon.bridge == nil
	}, 2*time.Second, 5*time.Millisecond)

	// Announcements keep working without the helper.
	hold(h, keys)
	release(h, keys)
	require.Eventually(t, func() bool { return len(f.spoken()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, bridge.synthesized.Load())
}

func TestSpawnFailureDisablesSynthesis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.Enabled = true
	f := startDaemon(t, cfg, func(o *Options) {
		o.Spawn = func(context.Context, rpc.SpawnConfig) (Bridge, error) {
			return nil, rpc.ErrHelperExited
		}
	})
	assert.Nil(t, f.daemon.bridge)
	assert.Len(t, f.daemon.Commands(), 3)
}

func TestStopSpeechAbortsSynthesis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Commands = []config.CommandConfig{
		{Name: "stop", Keys: "ctrl+alt+s", Action: "stop-speech"},
	}
	f := startDaemon(t, cfg, nil)
	sp := f.daemon.speaker

	var once sync.Once
	blocked := make(chan struct{})
	sp.setSynthesizer(synthFunc(func(ctx context.Context, _ string) (rpc.Audio, error) {
		once.Do(func() { close(blocked) })
		<-ctx.Done()
		return rpc.Audio{}, ctx.Err()
	}), 0)
	sp.Speak("a long sentence")
	<-blocked
	_, running := f.daemon.tasks.Get(speechTask)
	require.True(t, running)

	h := f.daemon.Hook()
	keys := chord(t, "ctrl+alt+s")
	hold(h, keys)
	release(h, keys)

	require.Eventually(t, func() bool {
		_, running := f.daemon.tasks.Get(speechTask)
		return !running
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.sounds()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"stop"}, f.sounds())
}

type synthFunc func(ctx context.Context, text string) (rpc.Audio, error)

func (f synthFunc) Synthesize(ctx context.Context, text string) (rpc.Audio, error) {
	return f(ctx, text)
}

func TestApplyConfigReplacesCommands(t *testing.T) {
	cfg := testConfig(t)
	f := startDaemon(t, cfg, nil)

	next := cfg.Clone()
	next.Commands = []config.CommandConfig{
		{Name: "time", Keys: "ctrl+shift+t", Action: "speak-time"},
	}
	next.Hook.Workers = 8
	require.NoError(t, f.daemon.ApplyConfig(next))
	assert.Equal(t, []string{"time"}, f.daemon.Commands())

	h := f.daemon.Hook()
	old := chord(t, "ctrl+alt+t")
	hold(h, old)
	release(h, old)
	keys := chord(t, "ctrl+shift+t")
	hold(h, keys)
	release(h, keys)
	require.Eventually(t, func() bool { return len(f.spoken()) == 1 }, 2*time.Second, 5*time.Millisecond)

	bad := next.Clone()
	bad.Commands[0].Action = "reboot"
	assert.Error(t, f.daemon.ApplyConfig(bad))
	assert.Equal(t, []string{"time"}, f.daemon.Commands())
}

func TestStateFiles(t *testing.T) {
	dir := t.TempDir()
	f := startDaemon(t, testConfig(t), func(o *Options) {
		o.StateDir = dir
		o.Version = "1.2.3"
	})
	m := NewStateManager(dir)
	assert.True(t, m.IsRunning())

	st, err := m.ReadState()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, f.daemon.RelayAddr(), st.Relay)
	assert.Equal(t, []string{"speak-time", "repeat-last", "stop-speech", "describe-focus"}, st.Commands)
	assert.Contains(t, st.Metrics, "auralink_hook_matched_total")
	assert.Equal(t, 0.0, st.Metrics["auralink_bridge_up"])

	prom, err := os.ReadFile(m.MetricsFile())
	require.NoError(t, err)
	assert.Contains(t, string(prom), "# TYPE auralink_relay_sessions gauge\n")

	require.NoError(t, f.daemon.Stop())
	assert.False(t, m.IsRunning())
	_, err = m.ReadState()
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(m.MetricsFile())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestMetricsCountActions(t *testing.T) {
	f := startDaemon(t, testConfig(t), nil)
	h := f.daemon.Hook()
	keys := chord(t, "ctrl+alt+t")

	hold(h, keys)
	release(h, keys)

	m := f.daemon.Metrics()
	require.Eventually(t, func() bool {
		return m.AnnouncementsTotal.Value() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), m.ActionsTotal.Value())

	snap := m.Registry().Snapshot()
	assert.Greater(t, snap["auralink_hook_matched_total"], 0.0)
	assert.Equal(t, 0.0, snap["auralink_relay_sessions"])
}

func TestStopIsIdempotent(t *testing.T) {
	f := startDaemon(t, testConfig(t), nil)
	require.NoError(t, f.daemon.Stop())
	require.NoError(t, f.daemon.Stop())
	assert.True(t, f.install.uninstalled)

	_, err := ipc.Dial(context.Background(), f.daemon.RelayAddr())
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := testConfig(t)
	install := &fakeInstall{}
	d, err := New(Options{Config: cfg, Sink: a11y.NewRecorder(nil), Install: install.install})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool { return d.Hook() != nil }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, install.uninstalled)
}

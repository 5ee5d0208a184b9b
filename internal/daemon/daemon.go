// Package daemon runs auralinkd: the global hook and its commands, the
// probe relay, the task supervisor and the optional speech helper.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"auralink/internal/a11y"
	"auralink/internal/clock"
	"auralink/internal/combo"
	"auralink/internal/config"
	"auralink/internal/hook"
	"auralink/internal/ipc"
	"auralink/internal/logging"
	"auralink/internal/metrics"
	"auralink/internal/relay"
	"auralink/internal/rpc"
	"auralink/internal/task"
)

// imeTask is the supervisor slot of the pending candidate announcement.
const imeTask = "ime"

// imeSettle is how long the candidate selection must stay put before it
// is announced.
const imeSettle = 30 * time.Millisecond

// stateRefresh is how often the state and metrics files are rewritten.
const stateRefresh = 15 * time.Second

// Bridge is the speech helper connection the daemon drives.
type Bridge interface {
	SetRate(ctx context.Context, rate float64) error
	SetPitch(ctx context.Context, pitch float64) error
	SetVolume(ctx context.Context, volume float64) error
	SetVoice(ctx context.Context, id string) error
	Synthesize(ctx context.Context, text string) (rpc.Audio, error)
	Exited() <-chan struct{}
	Close() error
}

// InstallFunc attaches a hook to the keyboard.
type InstallFunc func(ctx context.Context, h *hook.Hook) (hook.Uninstaller, error)

// SpawnFunc starts the speech helper.
type SpawnFunc func(ctx context.Context, cfg rpc.SpawnConfig) (Bridge, error)

// Options configures a Daemon.
type Options struct {
	Config *config.Config

	// Sink receives every announcement. Defaults to a log sink.
	Sink a11y.Sink

	// Focus returns the focused element, or nil when nothing has focus.
	Focus func() a11y.Element

	Install InstallFunc
	Spawn   SpawnFunc
	Clock   clock.Clock
	Logger  *slog.Logger

	// Version is recorded in the state file.
	Version string

	// StateDir, if set, receives the PID and state files.
	StateDir string
}

// Daemon owns the running components.
type Daemon struct {
	opts    Options
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.DaemonMetrics

	mu         sync.Mutex
	cfg        *config.Config
	cancel     context.CancelFunc
	tasks      *task.Supervisor
	speaker    *speaker
	dispatcher *hook.Dispatcher
	hook       *hook.Hook
	recognizer *combo.Recognizer
	installed  hook.Uninstaller
	relay      *relay.Server
	bridge     Bridge
	state      *StateManager
	startedAt  time.Time
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopErr    error
}

// New validates opts and returns a stopped daemon.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Install == nil {
		opts.Install = hook.Install
	}
	if opts.Spawn == nil {
		opts.Spawn = func(ctx context.Context, cfg rpc.SpawnConfig) (Bridge, error) {
			b, err := rpc.Spawn(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return b, nil
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := logging.OrDefault(opts.Logger).With("component", "daemon")
	if opts.Sink == nil {
		opts.Sink = a11y.NewLogSink(opts.Logger)
	}
	d := &Daemon{
		opts:    opts,
		logger:  logger,
		clock:   opts.Clock,
		metrics: metrics.NewDaemonMetrics(metrics.NewRegistry("auralink")),
		cfg:     opts.Config.Clone(),
	}
	if opts.StateDir != "" {
		d.state = NewStateManager(opts.StateDir)
	}
	return d, nil
}

// Start brings the components up. It fails if the hook cannot be
// installed or the relay endpoint cannot be bound. A helper that fails to
// start only disables synthesis.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.New("daemon already started")
	}
	if d.state != nil && d.state.IsRunning() {
		if pid, err := d.state.ReadPID(); err == nil && pid != os.Getpid() {
			return fmt.Errorf("auralinkd already running (pid %d)", pid)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	cfg := d.cfg

	d.tasks = task.NewSupervisor(ctx, d.opts.Logger)
	d.speaker = newSpeaker(d.opts.Sink, d.tasks, d.metrics, d.logger)

	if cfg.Bridge.Enabled {
		d.startBridge(ctx, cfg)
	}

	d.dispatcher = hook.NewDispatcher(ctx, cfg.Hook.Workers, cfg.Hook.QueueSize, d.opts.Logger)
	d.hook = hook.New(d.dispatcher, d.opts.Logger)
	if err := d.registerCommands(cfg); err != nil {
		d.teardown()
		return err
	}
	installed, err := d.opts.Install(ctx, d.hook)
	if err != nil {
		d.teardown()
		return fmt.Errorf("install input hook: %w", err)
	}
	d.installed = installed

	srv := relay.NewServer(relay.Config{MaxSessions: cfg.Relay.MaxSessions, Logger: d.opts.Logger})
	srv.OnInputChar(d.onInputChar)
	srv.OnIMECandidateList(d.onCandidates)
	srv.OnIMEConversionMode(d.onConversionMode)
	addr := ipc.Address(cfg.Relay.Endpoint)
	if err := srv.Listen(addr); err != nil {
		d.teardown()
		return fmt.Errorf("listen relay: %w", err)
	}
	d.relay = srv
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("relay stopped", "error", err)
		}
	}()

	d.registerCollectors()

	d.startedAt = d.clock.Now()
	if d.state != nil {
		if err := d.state.WritePID(); err != nil {
			d.logger.Warn("write pid file", "error", err)
		}
		d.writeState()
		d.wg.Add(1)
		go d.refreshState(ctx)
	}
	d.logger.Info("auralinkd started",
		"relay", addr,
		"commands", len(cfg.Commands),
		"bridge", d.bridge != nil,
	)
	return nil
}

func (d *Daemon) startBridge(ctx context.Context, cfg *config.Config) {
	b, err := d.opts.Spawn(ctx, rpc.SpawnConfig{
		HelperPath:     cfg.Bridge.HelperPath,
		ConnectTimeout: cfg.Bridge.ConnectTimeout(),
		QuitTimeout:    cfg.Bridge.QuitTimeout(),
		Stderr:         os.Stderr,
		Logger:         d.opts.Logger,
	})
	if err != nil {
		d.logger.Warn("speech helper unavailable; continuing without synthesis", "error", err)
		return
	}
	if err := applySpeech(ctx, b, cfg); err != nil {
		d.logger.Warn("apply speech settings", "error", err)
	}
	d.bridge = b
	d.speaker.setSynthesizer(b, cfg.Bridge.CallTimeout())
	d.metrics.SetBridgeUp(true)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-ctx.Done():
		case <-b.Exited():
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("speech helper exited; synthesis disabled")
			d.speaker.setSynthesizer(nil, 0)
			d.metrics.SetBridgeUp(false)
			d.mu.Lock()
			if d.bridge == b {
				d.bridge = nil
			}
			d.mu.Unlock()
		}
	}()
}

func applySpeech(ctx context.Context, b Bridge, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Bridge.CallTimeout())
	defer cancel()
	s := cfg.Speech
	return errors.Join(
		b.SetVoice(ctx, s.Voice),
		b.SetRate(ctx, s.Rate),
		b.SetPitch(ctx, s.Pitch),
		b.SetVolume(ctx, s.Volume),
	)
}

// registerCommands replaces the hook's commands with those of cfg. Plain
// commands run as soon as their chord completes. Gesture commands sharing
// a chord are bound to one recognizer entry.
func (d *Daemon) registerCommands(cfg *config.Config) error {
	d.hook.Reset()
	d.recognizer = combo.NewRecognizer(combo.Timings{
		DoublePress: cfg.Combo.DoublePress(),
		LongPress:   cfg.Combo.LongPress(),
	}, d.clock)

	type group struct {
		names    []string
		keys     []hook.Key
		gestures combo.Gestures
	}
	var (
		order  []combo.ComboKey
		groups = make(map[combo.ComboKey]*group)
	)
	for _, c := range cfg.Commands {
		keys, err := hook.ParseChord(c.Keys)
		if err != nil {
			return fmt.Errorf("command %q: %w", c.Name, err)
		}
		action := d.counted(d.action(c.Action))
		if c.Gesture == "" {
			if err := d.hook.Register(hook.Command{Name: c.Name, Keys: keys, Run: action}); err != nil {
				return err
			}
			continue
		}
		state, ok := combo.ParseState(c.Gesture)
		if !ok {
			return fmt.Errorf("command %q: unknown gesture %q", c.Name, c.Gesture)
		}
		main, mods := hook.SplitChord(keys)
		id := combo.ComboKey{MainKey: main, Modifiers: mods}
		g := groups[id]
		if g == nil {
			g = &group{keys: keys, gestures: make(combo.Gestures)}
			groups[id] = g
			order = append(order, id)
		}
		g.names = append(g.names, c.Name)
		g.gestures[state] = action
	}
	for _, id := range order {
		g := groups[id]
		cmd, err := combo.Bind(d.recognizer, strings.Join(g.names, "/"), g.keys, g.gestures.Handler())
		if err != nil {
			return err
		}
		if err := d.hook.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) counted(a hook.Action) hook.Action {
	return func(ctx context.Context) {
		d.metrics.ActionsTotal.Inc()
		a(ctx)
	}
}

// action returns the implementation of a configured action name.
func (d *Daemon) action(name string) hook.Action {
	switch name {
	case "speak-time":
		return func(context.Context) {
			d.speaker.Speak(d.clock.Now().Format("15:04"))
		}
	case "repeat-last":
		return func(context.Context) {
			if text, ok := d.speaker.Last(); ok {
				d.speaker.Speak(text)
				return
			}
			d.speaker.Play("empty")
		}
	case "stop-speech":
		return func(context.Context) {
			d.speaker.Stop()
			d.speaker.Play("stop")
		}
	case "describe-focus":
		return func(context.Context) {
			var el a11y.Element
			if d.opts.Focus != nil {
				el = d.opts.Focus()
			}
			if el == nil {
				d.speaker.Speak("no focus")
				return
			}
			d.speaker.Speak(fmt.Sprintf("%s, at %s", el.Describe(), el.Bounds()))
		}
	}
	return func(context.Context) {
		d.logger.Warn("unknown action", "action", name)
	}
}

var charNames = map[rune]string{
	' ':  "space",
	'\t': "tab",
	'\r': "enter",
	'\n': "enter",
	'\b': "backspace",
	0x1b: "escape",
}

func (d *Daemon) onInputChar(c relay.InputChar) {
	if name, ok := charNames[c.Code]; ok {
		d.speaker.Speak(name)
		return
	}
	if c.Code < 0x20 || c.Code == 0x7f {
		return
	}
	d.speaker.Speak(string(c.Code))
}

// onCandidates announces the selected candidate once the selection has
// settled. Each new list replaces the pending announcement.
func (d *Daemon) onCandidates(l relay.IMECandidateList) {
	text, ok := l.Selected()
	if !ok {
		d.tasks.Abort(imeTask)
		return
	}
	settled := make(chan struct{})
	timer := d.clock.AfterFunc(imeSettle, func() { close(settled) })
	d.tasks.Push(imeTask, func(ctx context.Context) {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-settled:
			if ctx.Err() == nil {
				d.metrics.CandidatesTotal.Inc()
				d.speaker.Speak(text)
			}
		}
	})
}

func (d *Daemon) onConversionMode(m relay.IMEConversionMode) {
	d.speaker.Speak(m.String())
}

// ApplyConfig switches to cfg. Commands, gesture timings and speech
// settings take effect at once; relay, hook pool and helper settings need
// a restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Clone()

	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.cfg
	d.cfg = cfg
	if d.hook == nil {
		return nil
	}
	if prev.Relay != cfg.Relay || prev.Hook != cfg.Hook || prev.Bridge != cfg.Bridge {
		d.logger.Warn("relay, hook or bridge settings changed; restart auralinkd to apply them")
	}
	if err := d.registerCommands(cfg); err != nil {
		return err
	}
	if d.bridge != nil && prev.Speech != cfg.Speech {
		if err := applySpeech(context.Background(), d.bridge, cfg); err != nil {
			d.logger.Warn("apply speech settings", "error", err)
		}
	}
	d.metrics.ConfigReloadsTotal.Inc()
	if d.state != nil {
		d.writeState()
	}
	d.logger.Info("configuration applied", "commands", len(cfg.Commands))
	return nil
}

func (d *Daemon) writeState() {
	commands := make([]string, 0, len(d.cfg.Commands))
	for _, c := range d.cfg.Commands {
		commands = append(commands, c.Name)
	}
	st := &State{
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
		Version:   d.opts.Version,
		Relay:     ipc.Address(d.cfg.Relay.Endpoint),
		Commands:  commands,
	}
	if d.cfg.Bridge.Enabled && d.bridge != nil {
		st.Bridge = d.cfg.Bridge.HelperPath
	}
	reg := d.metrics.Registry()
	st.Metrics = reg.Snapshot()
	if err := d.state.WriteState(st); err != nil {
		d.logger.Warn("write state file", "error", err)
	}
	if err := reg.WriteFile(d.state.MetricsFile()); err != nil {
		d.logger.Warn("write metrics file", "error", err)
	}
}

// registerCollectors exposes the counts the hook, dispatcher, relay and
// supervisor keep themselves. d.mu must be held.
func (d *Daemon) registerCollectors() {
	reg := d.metrics.Registry()
	h, disp, srv, tasks := d.hook, d.dispatcher, d.relay, d.tasks
	reg.RegisterCounterFunc("hook_matched_total", "Key transitions that matched a command", func() float64 {
		matched, _ := h.Stats()
		return float64(matched)
	})
	reg.RegisterCounterFunc("hook_forwarded_total", "Key transitions forwarded to the system", func() float64 {
		_, forwarded := h.Stats()
		return float64(forwarded)
	})
	reg.RegisterCounterFunc("dispatcher_overflow_total", "Actions run outside the worker pool", func() float64 {
		return float64(disp.Overflow())
	})
	reg.RegisterCounterFunc("relay_dispatched_total", "Probe payloads handed to listeners", func() float64 {
		return float64(srv.Dispatched())
	})
	reg.RegisterGaugeFunc("relay_sessions", "Connected probes", func() float64 {
		return float64(srv.Sessions())
	})
	reg.RegisterGaugeFunc("tasks_running", "Supervised tasks in flight", func() float64 {
		return float64(len(tasks.Names()))
	})
}

func (d *Daemon) refreshState(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(stateRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			if ctx.Err() == nil {
				d.writeState()
			}
			d.mu.Unlock()
		}
	}
}

// Metrics returns the daemon metrics.
func (d *Daemon) Metrics() *metrics.DaemonMetrics {
	return d.metrics
}

// Commands lists the registered hook commands.
func (d *Daemon) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hook == nil {
		return nil
	}
	return d.hook.Commands()
}

// Hook returns the running hook, or nil before Start.
func (d *Daemon) Hook() *hook.Hook {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hook
}

// RelayAddr returns the relay endpoint the daemon listens on.
func (d *Daemon) RelayAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ipc.Address(d.cfg.Relay.Endpoint)
}

// Run starts the daemon and stops it when ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Stop shuts every component down: input first, then the relay, the
// dispatcher, the running tasks and finally the helper.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.stopErr = d.teardown()
		d.logger.Info("auralinkd stopped")
	})
	return d.stopErr
}

// teardown releases whatever Start brought up. d.mu must be held.
func (d *Daemon) teardown() error {
	var errs []error
	if d.installed != nil {
		if err := d.installed.Uninstall(); err != nil {
			errs = append(errs, fmt.Errorf("uninstall hook: %w", err))
		}
		d.installed = nil
	}
	if d.relay != nil {
		if err := d.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
	}
	if d.dispatcher != nil {
		d.dispatcher.Close()
	}
	if d.tasks != nil {
		d.tasks.AbortAll()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.tasks.Wait(ctx); err != nil {
			d.logger.Warn("tasks did not finish", "error", err)
		}
		cancel()
	}
	if d.bridge != nil {
		if err := d.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close helper: %w", err))
		}
		d.bridge = nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.mu.Lock()
	if d.state != nil {
		d.state.Cleanup()
	}
	return errors.Join(errs...)
}

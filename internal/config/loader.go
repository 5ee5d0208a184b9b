package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"auralink/internal/logging"
)

// DefaultDebounce is how long the file must be quiet before a reload.
const DefaultDebounce = 100 * time.Millisecond

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	config   *Config
	onChange []func(*Config)

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	errChan chan error
	done    chan struct{}
}

// NewLoader creates a new configuration loader. An empty path uses
// ConfigPath().
func NewLoader(path string, logger *slog.Logger) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		logger:   logging.OrDefault(logger).With("component", "config"),
		debounce: DefaultDebounce,
		errChan:  make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Path returns the file the loader reads.
func (l *Loader) Path() string {
	return l.path
}

// SetDebounce changes the reload debounce. It must be called before Watch.
func (l *Loader) SetDebounce(d time.Duration) {
	l.debounce = d
}

// Load reads, overrides and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg.Clone(), nil
}

// Snapshot returns a copy of the current configuration, or nil before the
// first successful Load.
func (l *Loader) Snapshot() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.config == nil {
		return nil
	}
	return l.config.Clone()
}

// OnChange registers a callback invoked with a fresh snapshot after every
// successful reload.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors returns a channel for reload and watcher errors. Errors are dropped
// while nobody is reading.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts watching the configuration file for changes.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Editors often replace the file, so watch the directory.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// Reload re-reads the file now. The current configuration is kept if the
// new one fails to load.
func (l *Loader) Reload() error {
	cfg, err := Load(l.path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.config = cfg
	callbacks := append(([]func(*Config))(nil), l.onChange...)
	l.mu.Unlock()

	l.logger.Info("configuration reloaded", "path", l.path)
	for _, cb := range callbacks {
		cb(cfg.Clone())
	}
	return nil
}

func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	if err := l.Reload(); err != nil {
		l.logger.Warn("configuration reload failed; keeping previous", "path", l.path, "error", err)
		l.report(fmt.Errorf("reload config: %w", err))
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

// FormatOf returns the document format implied by path's extension, or ""
// when the extension is not recognized.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	case ".jsonc":
		return "jsonc"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

// decodeInto decodes data in the given format into v. An empty format
// tries TOML, JSON and YAML in turn.
func decodeInto(data []byte, format string, v any) error {
	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), v); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case "jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
			return fmt.Errorf("decode JSONC: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	case "":
		return autoDetectAndParse(data, v)
	default:
		return fmt.Errorf("unknown config format %q", format)
	}
	return nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(jsonc.ToJSON(data), v); err == nil {
			return nil
		}
	}
	if _, err := toml.Decode(string(data), v); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, v); err == nil {
		return nil
	}
	return errors.New("unable to parse config file (tried JSON, TOML, YAML)")
}

// loadConfigFromFile reads and parses a config file over the defaults. A
// missing file yields the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	// A file that lists commands replaces the default set.
	cfg.Commands = nil
	var probe struct {
		Commands []CommandConfig `toml:"commands" json:"commands" yaml:"commands"`
	}
	format := FormatOf(path)
	if err := decodeInto(data, format, &probe); err == nil && probe.Commands == nil {
		cfg.Commands = DefaultConfig().Commands
	}
	if err := decodeInto(data, format, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension, TOML by
// default.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch FormatOf(path) {
	case "json", "jsonc":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Package hook matches system-wide key transitions against registered
// commands.
//
// The platform backend calls Hook.Process synchronously for every key
// transition, on the thread the operating system delivers input on. The
// whole input pipeline waits for Process to return, so Process only
// updates a small map under a mutex and hands any matched command to the
// Dispatcher.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"auralink/internal/logging"
)

// ErrUnsupported is returned by Install on platforms without a backend.
var ErrUnsupported = errors.New("global input hook not supported on this platform")

// Key identifies a physical key: its platform key code and whether the
// code was reported with the extended flag.
type Key struct {
	Code     uint32
	Extended bool
}

func (k Key) String() string {
	name := KeyName(k)
	if name == "" {
		name = fmt.Sprintf("0x%02x", k.Code)
		if k.Extended {
			name += "/ext"
		}
	}
	return name
}

// Transition is one key going down or up.
type Transition struct {
	Key  Key
	Down bool
}

// Action is work run on the dispatcher, off the hook thread.
type Action func(ctx context.Context)

// Command is a set of keys that must be held together.
type Command struct {
	Name string

	// Keys must all be pressed for the command to match. The last entry is
	// the main key; the others are usually modifiers.
	Keys []Key

	// Run, if set, is dispatched when the command matches.
	Run Action

	// OnEdge, if set, is called on the hook thread with true when the
	// command matches and with false when the key that completed the match
	// is released. It must return quickly. A non-nil Action it returns is
	// dispatched.
	OnEdge func(pressed bool) Action
}

// Main returns the command's main key.
func (c Command) Main() Key {
	return c.Keys[len(c.Keys)-1]
}

// Hook holds key state and the registered commands.
type Hook struct {
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	pressed  map[Key]bool
	commands []*Command
	// held maps a swallowed key-down to the command it triggered until the
	// matching key-up.
	held map[Key]*Command

	matched   atomic.Uint64
	forwarded atomic.Uint64
}

// New creates a hook that dispatches through d. logger may be nil.
func New(d *Dispatcher, logger *slog.Logger) *Hook {
	return &Hook{
		dispatcher: d,
		logger:     logging.OrDefault(logger).With("component", "hook"),
		pressed:    make(map[Key]bool),
		held:       make(map[Key]*Command),
	}
}

// Register adds cmd after every previously registered command.
func (h *Hook) Register(cmd Command) error {
	if len(cmd.Keys) == 0 {
		return fmt.Errorf("command %q has no keys", cmd.Name)
	}
	if cmd.Run == nil && cmd.OnEdge == nil {
		return fmt.Errorf("command %q has neither Run nor OnEdge", cmd.Name)
	}
	keys := make([]Key, len(cmd.Keys))
	copy(keys, cmd.Keys)
	cmd.Keys = keys

	h.mu.Lock()
	h.commands = append(h.commands, &cmd)
	h.mu.Unlock()
	return nil
}

// Reset drops every command. Key state is kept; keys currently held by a
// command are forwarded on release.
func (h *Hook) Reset() {
	h.mu.Lock()
	h.commands = nil
	h.held = make(map[Key]*Command)
	h.mu.Unlock()
}

// Commands returns the names of the registered commands in order.
func (h *Hook) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.commands))
	for i, c := range h.commands {
		names[i] = c.Name
	}
	return names
}

// Pressed reports the last known state of k.
func (h *Hook) Pressed(k Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pressed[k]
}

// Process records t and reports whether it should be swallowed. It never
// panics; on any internal failure the transition is forwarded.
func (h *Hook) Process(t Transition) (swallow bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook processing panic", "key", t.Key, "down", t.Down, "panic", r)
			swallow = false
			if t.Down {
				// The press reaches applications, so its release must too.
				h.mu.Lock()
				delete(h.held, t.Key)
				h.mu.Unlock()
			}
		}
		if !swallow {
			h.forwarded.Add(1)
		}
	}()

	if !t.Down {
		return h.release(t.Key)
	}

	h.mu.Lock()
	h.pressed[t.Key] = true
	if _, ok := h.held[t.Key]; ok {
		// Auto-repeat of a key whose press was already consumed.
		h.mu.Unlock()
		return true
	}
	cmd := h.match(t.Key)
	if cmd != nil {
		h.held[t.Key] = cmd
	}
	h.mu.Unlock()

	if cmd == nil {
		return false
	}

	h.matched.Add(1)
	if cmd.Run != nil {
		h.dispatch(cmd.Name, cmd.Run)
	}
	if cmd.OnEdge != nil {
		if a := cmd.OnEdge(true); a != nil {
			h.dispatch(cmd.Name, a)
		}
	}
	return true
}

func (h *Hook) release(k Key) bool {
	h.mu.Lock()
	h.pressed[k] = false
	cmd, ok := h.held[k]
	if ok {
		delete(h.held, k)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	if cmd.OnEdge != nil {
		if a := cmd.OnEdge(false); a != nil {
			h.dispatch(cmd.Name, a)
		}
	}
	return true
}

// match returns the first command that contains k and whose keys are all
// pressed. Must be called with h.mu held.
func (h *Hook) match(k Key) *Command {
	for _, c := range h.commands {
		if !contains(c.Keys, k) {
			continue
		}
		if h.allPressed(c.Keys) {
			return c
		}
	}
	return nil
}

func (h *Hook) allPressed(keys []Key) bool {
	for _, k := range keys {
		if !h.pressed[k] {
			return false
		}
	}
	return true
}

func contains(keys []Key, k Key) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}

func (h *Hook) dispatch(name string, a Action) {
	if h.dispatcher == nil {
		go a(context.Background())
		return
	}
	h.dispatcher.Submit(name, a)
}

// Stats returns how many transitions matched a command and how many were
// forwarded.
func (h *Hook) Stats() (matched, forwarded uint64) {
	return h.matched.Load(), h.forwarded.Load()
}

// Package combo turns the press and release edges of a chord into
// single-press, double-press and long-press events.
//
// A press is reported as SinglePress straight away. A second press of the
// same main key inside the double-press window is reported as DoublePress.
// A press held for at least the long-press time is reported as LongPress
// when it is released; any other release reports nothing.
package combo

import (
	"sync/atomic"
	"time"

	"auralink/internal/clock"
	"auralink/internal/hook"
)

// State is the classification of a chord edge.
type State uint8

const (
	Idle State = iota
	SinglePress
	DoublePress
	LongPress
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SinglePress:
		return "single"
	case DoublePress:
		return "double"
	case LongPress:
		return "long"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	switch s {
	case "single":
		return SinglePress, true
	case "double":
		return DoublePress, true
	case "long":
		return LongPress, true
	case "idle":
		return Idle, true
	}
	return Idle, false
}

// ComboKey is a chord and the state it was classified as. It is comparable
// and can be used as a map key.
type ComboKey struct {
	MainKey   hook.Key
	Modifiers hook.Modifiers
	State     State
}

// ComboKeyExt is a cached occurrence of a chord. Count is the press
// generation that created it; timers compare it to detect that a newer
// press has replaced the entry.
type ComboKeyExt struct {
	Key       ComboKey
	Timestamp time.Time
	Count     uint64
}

// Default window lengths.
const (
	DefaultDoublePress = 200 * time.Millisecond
	DefaultLongPress   = 500 * time.Millisecond
)

// Timings configures the recognizer windows. Zero fields use the defaults.
type Timings struct {
	DoublePress time.Duration
	LongPress   time.Duration
}

func (t Timings) withDefaults() Timings {
	if t.DoublePress <= 0 {
		t.DoublePress = DefaultDoublePress
	}
	if t.LongPress <= 0 {
		t.LongPress = DefaultLongPress
	}
	return t
}

// Recognizer tracks the current chord through a press cache and a release
// cache. Feed is safe to call concurrently with its own timers.
type Recognizer struct {
	timings Timings
	clock   clock.Clock

	press   Cache
	release Cache
	gen     atomic.Uint64
}

// NewRecognizer creates a recognizer. c may be nil for the real clock.
func NewRecognizer(t Timings, c clock.Clock) *Recognizer {
	if c == nil {
		c = clock.Real()
	}
	return &Recognizer{timings: t.withDefaults(), clock: c}
}

// Timings returns the effective windows.
func (r *Recognizer) Timings() Timings {
	return r.timings
}

// Feed classifies one edge of k. The returned state is Idle when the edge
// produces no event. The State field of k is ignored.
func (r *Recognizer) Feed(k ComboKey, pressed bool) State {
	k.State = Idle
	if pressed {
		return r.onPress(k)
	}
	return r.onRelease(k)
}

func (r *Recognizer) onPress(k ComboKey) State {
	double := r.press.ClearIf(func(e ComboKeyExt) bool {
		return e.Key.MainKey == k.MainKey && e.Key.State == SinglePress
	})
	if double {
		return DoublePress
	}

	gen := r.gen.Add(1)
	now := r.clock.Now()
	pk := k
	pk.State = SinglePress
	r.press.Store(ComboKeyExt{Key: pk, Timestamp: now, Count: gen})
	r.release.Store(ComboKeyExt{Key: k, Timestamp: now, Count: gen})

	r.clock.AfterFunc(r.timings.DoublePress, func() {
		r.press.ClearIf(func(e ComboKeyExt) bool { return e.Count == gen })
	})
	r.clock.AfterFunc(r.timings.LongPress, func() {
		r.release.Update(func(e ComboKeyExt) (ComboKeyExt, bool) {
			if e.Count != gen || e.Key.MainKey != k.MainKey {
				return e, false
			}
			e.Key.State = LongPress
			return e, true
		})
	})
	return SinglePress
}

func (r *Recognizer) onRelease(k ComboKey) State {
	e, ok := r.release.Take()
	if ok && e.Key.MainKey == k.MainKey && e.Key.State == LongPress {
		return LongPress
	}
	return Idle
}

// Reset empties both caches. Timers still pending become no-ops.
func (r *Recognizer) Reset() {
	r.gen.Add(1)
	r.press.Clear()
	r.release.Clear()
}

package combo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auralink/internal/clock"
	"auralink/internal/hook"
)

var (
	keyA = ComboKey{MainKey: hook.Key{Code: 0x41}, Modifiers: hook.ModCtrl}
	keyB = ComboKey{MainKey: hook.Key{Code: 0x42}, Modifiers: hook.ModCtrl}
)

func newTestRecognizer() (*Recognizer, *clock.FakeClock) {
	fc := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRecognizer(Timings{}, fc), fc
}

func TestDoublePressWithinWindow(t *testing.T) {
	for _, gap := range []time.Duration{0, time.Millisecond, 100 * time.Millisecond, 199 * time.Millisecond} {
		t.Run(gap.String(), func(t *testing.T) {
			r, fc := newTestRecognizer()
			assert.Equal(t, SinglePress, r.Feed(keyA, true))
			fc.Advance(gap / 2)
			assert.Equal(t, Idle, r.Feed(keyA, false))
			fc.Advance(gap - gap/2)
			assert.Equal(t, DoublePress, r.Feed(keyA, true))
			assert.Equal(t, Idle, r.Feed(keyA, false))
		})
	}
}

func TestPressAfterWindowIsSingle(t *testing.T) {
	for _, gap := range []time.Duration{200 * time.Millisecond, 350 * time.Millisecond, time.Second} {
		t.Run(gap.String(), func(t *testing.T) {
			r, fc := newTestRecognizer()
			assert.Equal(t, SinglePress, r.Feed(keyA, true))
			assert.Equal(t, Idle, r.Feed(keyA, false))
			fc.Advance(gap)
			assert.Equal(t, SinglePress, r.Feed(keyA, true))
		})
	}
}

func TestThirdPressStartsOver(t *testing.T) {
	r, fc := newTestRecognizer()
	assert.Equal(t, SinglePress, r.Feed(keyA, true))
	r.Feed(keyA, false)
	fc.Advance(50 * time.Millisecond)
	assert.Equal(t, DoublePress, r.Feed(keyA, true))
	r.Feed(keyA, false)
	fc.Advance(50 * time.Millisecond)
	assert.Equal(t, SinglePress, r.Feed(keyA, true))
}

func TestDifferentKeyIsNotDouble(t *testing.T) {
	r, fc := newTestRecognizer()
	assert.Equal(t, SinglePress, r.Feed(keyA, true))
	r.Feed(keyA, false)
	fc.Advance(50 * time.Millisecond)
	assert.Equal(t, SinglePress, r.Feed(keyB, true))
	r.Feed(keyB, false)
	fc.Advance(50 * time.Millisecond)
	assert.Equal(t, SinglePress, r.Feed(keyA, true))
}

func TestLongPressOnRelease(t *testing.T) {
	for _, hold := range []time.Duration{500 * time.Millisecond, 501 * time.Millisecond, 3 * time.Second} {
		t.Run(hold.String(), func(t *testing.T) {
			r, fc := newTestRecognizer()
			assert.Equal(t, SinglePress, r.Feed(keyA, true))
			fc.Advance(hold)
			assert.Equal(t, LongPress, r.Feed(keyA, false))
			// The release consumed the entry.
			assert.Equal(t, Idle, r.Feed(keyA, false))
		})
	}
}

func TestShortHoldReleasesNothing(t *testing.T) {
	for _, hold := range []time.Duration{0, 250 * time.Millisecond, 499 * time.Millisecond} {
		t.Run(hold.String(), func(t *testing.T) {
			r, fc := newTestRecognizer()
			assert.Equal(t, SinglePress, r.Feed(keyA, true))
			fc.Advance(hold)
			assert.Equal(t, Idle, r.Feed(keyA, false))

			// The hold timer must not promote after the release.
			fc.Advance(time.Second)
			assert.Zero(t, fc.Pending())
			_, ok := r.release.Load()
			assert.False(t, ok)
		})
	}
}

func TestStaleHoldTimerIsNoOp(t *testing.T) {
	r, fc := newTestRecognizer()

	// First press released early, second fresh press 300ms later.
	r.Feed(keyA, true)
	fc.Advance(100 * time.Millisecond)
	r.Feed(keyA, false)
	fc.Advance(200 * time.Millisecond)
	assert.Equal(t, SinglePress, r.Feed(keyA, true))

	// The first press's hold timer fires now; only 200ms of dwell on the
	// second press have passed.
	fc.Advance(200 * time.Millisecond)
	e, ok := r.release.Load()
	require.True(t, ok)
	assert.Equal(t, Idle, e.Key.State)
	assert.Equal(t, Idle, r.Feed(keyA, false))
}

func TestStaleWindowTimerKeepsNewerPress(t *testing.T) {
	r, fc := newTestRecognizer()

	r.Feed(keyA, true)
	r.Feed(keyA, false)
	fc.Advance(150 * time.Millisecond)
	r.Feed(keyB, true)
	r.Feed(keyB, false)

	// keyA's window closes here; keyB's must stay open.
	fc.Advance(100 * time.Millisecond)
	assert.Equal(t, DoublePress, r.Feed(keyB, true))
}

func TestSupersededChordNotPromoted(t *testing.T) {
	r, fc := newTestRecognizer()
	r.Feed(keyA, true)
	fc.Advance(100 * time.Millisecond)
	r.Feed(keyB, true)
	fc.Advance(450 * time.Millisecond)

	// keyA's hold timer found keyB in the release cache.
	assert.Equal(t, Idle, r.Feed(keyA, false))
}

func TestCustomTimings(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	r := NewRecognizer(Timings{DoublePress: 50 * time.Millisecond, LongPress: 80 * time.Millisecond}, fc)
	assert.Equal(t, 50*time.Millisecond, r.Timings().DoublePress)

	r.Feed(keyA, true)
	r.Feed(keyA, false)
	fc.Advance(60 * time.Millisecond)
	assert.Equal(t, SinglePress, r.Feed(keyA, true))
	fc.Advance(80 * time.Millisecond)
	assert.Equal(t, LongPress, r.Feed(keyA, false))
}

func TestReset(t *testing.T) {
	r, fc := newTestRecognizer()
	r.Feed(keyA, true)
	r.Reset()
	fc.Advance(time.Second)
	assert.Equal(t, Idle, r.Feed(keyA, false))
	assert.Equal(t, SinglePress, r.Feed(keyA, true))
}

func TestStateString(t *testing.T) {
	for _, s := range []State{Idle, SinglePress, DoublePress, LongPress} {
		got, ok := ParseState(s.String())
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := ParseState("triple")
	assert.False(t, ok)
}

func TestCache(t *testing.T) {
	var c Cache
	_, ok := c.Load()
	assert.False(t, ok)
	assert.False(t, c.Update(func(e ComboKeyExt) (ComboKeyExt, bool) { return e, true }))

	c.Store(ComboKeyExt{Key: keyA, Count: 7})
	e, ok := c.Load()
	require.True(t, ok)
	assert.Equal(t, keyA, e.Key)

	assert.False(t, c.ClearIf(func(e ComboKeyExt) bool { return e.Count == 8 }))
	assert.True(t, c.ClearIf(func(e ComboKeyExt) bool { return e.Count == 7 }))
	_, ok = c.Take()
	assert.False(t, ok)
}

func TestComboKeyIsComparable(t *testing.T) {
	seen := map[ComboKey]int{}
	seen[keyA]++
	k := keyA
	seen[k]++
	k.State = LongPress
	seen[k]++
	assert.Len(t, seen, 2)
}

func TestBindThroughHook(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	rec := NewRecognizer(Timings{}, fc)

	ctrl := hook.Key{Code: 0x11}
	a := hook.Key{Code: 0x41}

	var mu sync.Mutex
	var got []State
	events := make(chan struct{}, 8)
	cmd, err := Bind(rec, "describe", []hook.Key{ctrl, a}, func(_ context.Context, k ComboKey) {
		mu.Lock()
		got = append(got, k.State)
		mu.Unlock()
		assert.Equal(t, a, k.MainKey)
		events <- struct{}{}
	})
	require.NoError(t, err)

	h := hook.New(nil, nil)
	require.NoError(t, h.Register(cmd))

	wait := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			select {
			case <-events:
			case <-time.After(2 * time.Second):
				t.Fatal("handler not called")
			}
		}
	}

	h.Process(hook.Transition{Key: ctrl, Down: true})
	assert.True(t, h.Process(hook.Transition{Key: a, Down: true}))
	wait(1)
	assert.True(t, h.Process(hook.Transition{Key: a}))
	fc.Advance(50 * time.Millisecond)
	assert.True(t, h.Process(hook.Transition{Key: a, Down: true}))
	wait(1)
	fc.Advance(600 * time.Millisecond)
	assert.True(t, h.Process(hook.Transition{Key: a}))
	h.Process(hook.Transition{Key: ctrl})

	// The second press was a double; its hold timer is never armed, so the
	// release after 600ms reports nothing.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []State{SinglePress, DoublePress}, got)
	mu.Unlock()

	fc.Advance(time.Second)
	h.Process(hook.Transition{Key: ctrl, Down: true})
	h.Process(hook.Transition{Key: a, Down: true})
	wait(1)
	fc.Advance(time.Second)
	h.Process(hook.Transition{Key: a})
	wait(1)
	mu.Lock()
	assert.Equal(t, []State{SinglePress, DoublePress, SinglePress, LongPress}, got)
	mu.Unlock()
}

func TestBindValidates(t *testing.T) {
	rec := NewRecognizer(Timings{}, nil)
	_, err := Bind(rec, "x", nil, func(context.Context, ComboKey) {})
	assert.Error(t, err)
	_, err = Bind(rec, "x", []hook.Key{{Code: 1}}, nil)
	assert.Error(t, err)
}

func TestGestures(t *testing.T) {
	var ran []string
	g := Gestures{
		SinglePress: func(context.Context) { ran = append(ran, "single") },
		LongPress:   func(context.Context) { ran = append(ran, "long") },
	}
	h := g.Handler()
	h(context.Background(), ComboKey{State: SinglePress})
	h(context.Background(), ComboKey{State: DoublePress})
	h(context.Background(), ComboKey{State: LongPress})
	assert.Equal(t, []string{"single", "long"}, ran)
}

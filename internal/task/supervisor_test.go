package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockUntilCancelled(started chan<- struct{}) Func {
	return func(ctx context.Context) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %q did not finish", h.Name)
	}
}

func TestPushReplacesPrevious(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	defer s.AbortAll()

	first := s.Push("ime", blockUntilCancelled(nil))
	second := s.Push("ime", blockUntilCancelled(nil))

	got, ok := s.Get("ime")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, []string{"ime"}, s.Names())

	waitDone(t, first)

	// The finished first task must not remove its replacement.
	got, ok = s.Get("ime")
	require.True(t, ok)
	assert.Same(t, second, got)

	select {
	case <-second.Done():
		t.Fatal("replacement task was cancelled")
	default:
	}
}

func TestCompletedTaskRemovesItself(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	h := s.Push("once", func(context.Context) {})
	waitDone(t, h)
	require.Eventually(t, func() bool {
		_, ok := s.Get("once")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestAbort(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	started := make(chan struct{})
	h := s.Push("speak", blockUntilCancelled(started))
	<-started

	assert.True(t, s.Abort("speak"))
	waitDone(t, h)
	_, ok := s.Get("speak")
	assert.False(t, ok)

	assert.False(t, s.Abort("speak"))
	assert.False(t, s.Abort("missing"))
}

func TestAbortAllAndWait(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	for _, n := range []string{"c", "a", "b"} {
		s.Push(n, blockUntilCancelled(nil))
	}
	assert.Equal(t, []string{"a", "b", "c"}, s.Names())

	s.AbortAll()
	assert.Empty(t, s.Names())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestParentContextCancelsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSupervisor(ctx, nil)
	h := s.Push("long", blockUntilCancelled(nil))
	cancel()
	waitDone(t, h)
}

func TestPanicIsContained(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	h := s.Push("broken", func(context.Context) { panic("boom") })
	waitDone(t, h)
	require.Eventually(t, func() bool { return len(s.Names()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	defer s.AbortAll()
	s.Push("stuck", blockUntilCancelled(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestPushAfterWaitIsRefused(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	ran := make(chan struct{}, 1)
	h := s.Push("late", func(context.Context) { ran <- struct{}{} })
	waitDone(t, h)
	assert.Empty(t, s.Names())
	select {
	case <-ran:
		t.Fatal("task ran after Wait")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPushConcurrentWithWait(t *testing.T) {
	s := NewSupervisor(context.Background(), nil)
	var pushers sync.WaitGroup
	for i := 0; i < 8; i++ {
		pushers.Add(1)
		go func() {
			defer pushers.Done()
			for j := 0; j < 50; j++ {
				s.Push("ime", func(context.Context) {})
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	pushers.Wait()
	require.NoError(t, s.Wait(ctx))
	assert.Empty(t, s.Names())
}

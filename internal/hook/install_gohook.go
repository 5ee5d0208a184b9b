//go:build !windows && cgo

package hook

import (
	"errors"
	"sync"
	"sync/atomic"

	gohook "github.com/robotn/gohook"
)

// gohook delivers events from a single libuiohook instance.
var gohookActive atomic.Bool

type gohookBackend struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// install starts libuiohook. The backend only observes input: events are
// delivered after the system has already routed them, so a swallow
// decision has no effect.
func install(h *Hook) (Uninstaller, error) {
	if !gohookActive.CompareAndSwap(false, true) {
		return nil, errors.New("a keyboard hook is already installed")
	}

	events := gohook.Start()
	b := &gohookBackend{stop: make(chan struct{}), done: make(chan struct{})}
	go b.loop(h, events)

	h.logger.Warn("keyboard hook installed in observe-only mode; matched keys still reach applications",
		"backend", "gohook")
	return b, nil
}

func (b *gohookBackend) loop(h *Hook, events chan gohook.Event) {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case gohook.KeyHold:
				h.Process(Transition{Key: Normalize(Key{Code: uint32(ev.Keycode)}), Down: true})
			case gohook.KeyUp:
				h.Process(Transition{Key: Normalize(Key{Code: uint32(ev.Keycode)}), Down: false})
			}
		}
	}
}

func (b *gohookBackend) Uninstall() error {
	b.once.Do(func() {
		close(b.stop)
		gohook.End()
		<-b.done
		gohookActive.Store(false)
	})
	return nil
}

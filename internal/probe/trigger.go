package probe

import (
	"context"
	"fmt"
)

// Controller is what a trigger drives. *Probe implements it.
type Controller interface {
	Activate(ctx context.Context) error
	Deactivate() error
}

// Trigger turns an external control signal into activate and deactivate
// calls. Run blocks until ctx is done or the signal source ends.
type Trigger interface {
	Run(ctx context.Context, c Controller) error
}

// Signal is a control signal.
type Signal int

const (
	SignalActivate Signal = iota + 1
	SignalDeactivate
)

func (s Signal) String() string {
	switch s {
	case SignalActivate:
		return "Activate"
	case SignalDeactivate:
		return "Deactivate"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// apply forwards s to c. Unknown signals are ignored.
func apply(ctx context.Context, c Controller, s Signal) error {
	switch s {
	case SignalActivate:
		return c.Activate(ctx)
	case SignalDeactivate:
		return c.Deactivate()
	}
	return nil
}

// SignalTrigger reads signals from a channel. When the channel is closed
// the controller is deactivated and Run returns nil.
type SignalTrigger struct {
	C <-chan Signal

	// OnError, if set, receives failures from the controller. Run keeps
	// going either way.
	OnError func(Signal, error)
}

func (t SignalTrigger) Run(ctx context.Context, c Controller) error {
	for {
		select {
		case <-ctx.Done():
			c.Deactivate()
			return ctx.Err()
		case s, ok := <-t.C:
			if !ok {
				return c.Deactivate()
			}
			if err := apply(ctx, c, s); err != nil && t.OnError != nil {
				t.OnError(s, err)
			}
		}
	}
}

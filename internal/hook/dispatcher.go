package hook

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"auralink/internal/logging"
)

// Dispatcher runs actions on a fixed pool of workers. Submit never
// blocks: when the queue is full the action gets its own goroutine.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan job
	closed bool
	wg     sync.WaitGroup

	overflow atomic.Uint64
}

type job struct {
	name string
	run  Action
}

// NewDispatcher starts workers goroutines reading from a queue of
// queueSize. Actions receive a context that is cancelled by Close.
func NewDispatcher(ctx context.Context, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		ctx:    ctx,
		cancel: cancel,
		logger: logging.OrDefault(logger).With("component", "dispatcher"),
		queue:  make(chan job, queueSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command panic", "command", j.name, "panic", r)
		}
	}()
	j.run(d.ctx)
}

// Submit schedules a. After Close it is dropped.
func (d *Dispatcher) Submit(name string, a Action) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job{name: name, run: a}:
	default:
		d.overflow.Add(1)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(job{name: name, run: a})
		}()
	}
}

// Overflow returns how many actions ran outside the pool because the
// queue was full.
func (d *Dispatcher) Overflow() uint64 {
	return d.overflow.Load()
}

// Close cancels running actions, drains the queue and waits for every
// worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cancel()
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Package probe is the relay client that runs inside (or on behalf of) a
// foreign process. A probe is dormant until activated; while active it
// queues captured input and IME events for the relay server without
// waiting for any reply.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"auralink/internal/ipc"
	"auralink/internal/logging"
	"auralink/internal/relay"
)

// DialFunc opens the connection to the relay.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

const (
	// queueSize bounds the pushes waiting for the relay. Pushes beyond it
	// are dropped.
	queueSize = 256

	// quitTimeout bounds how long Deactivate waits for queued pushes and
	// Quit to be written.
	quitTimeout = 500 * time.Millisecond
)

// ErrQuitTimeout is returned by Deactivate when the relay did not take the
// queued pushes in time. The connection is closed regardless.
var ErrQuitTimeout = errors.New("relay not reading")

// Probe holds at most one relay connection.
type Probe struct {
	addr   string
	dial   DialFunc
	logger *slog.Logger

	mu      sync.Mutex
	sess    *session
	dropped uint64
}

// session is one relay connection and the goroutine writing to it, so
// that a stalled relay never blocks the capturing thread.
type session struct {
	ch    *ipc.Channel[relay.Packet, relay.Packet]
	queue chan relay.Packet
	done  chan error
}

// New returns an inactive probe for the relay at addr.
func New(addr string, logger *slog.Logger) *Probe {
	return &Probe{
		addr:   addr,
		dial:   ipc.Dial,
		logger: logging.OrDefault(logger).With("component", "probe"),
	}
}

// WithDialer replaces the dialer. Tests use it to connect over net.Pipe.
func (p *Probe) WithDialer(dial DialFunc) *Probe {
	p.dial = dial
	return p
}

// Activate connects to the relay. Activating an active probe is a no-op.
func (p *Probe) Activate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil {
		return nil
	}
	conn, err := p.dial(ctx, p.addr)
	if err != nil {
		return fmt.Errorf("activate probe: %w", err)
	}
	s := &session{
		ch:    ipc.NewChannel[relay.Packet, relay.Packet](conn),
		queue: make(chan relay.Packet, queueSize),
		done:  make(chan error, 1),
	}
	p.sess = s
	go p.write(s)
	p.logger.Debug("probe activated", "addr", p.addr)
	return nil
}

// write sends queued packets until the queue is closed, then sends Quit.
// A failed write drops the session.
func (p *Probe) write(s *session) {
	for pkt := range s.queue {
		if err := s.ch.Send(pkt); err != nil {
			p.logger.Debug("relay write failed, deactivating", "kind", pkt.Payload.Kind(), "error", err)
			p.mu.Lock()
			if p.sess == s {
				p.sess = nil
			}
			p.mu.Unlock()
			s.ch.Close()
			s.done <- err
			return
		}
	}
	if err := s.ch.Send(relay.Packet{Payload: relay.Quit{}}); err != nil {
		s.done <- fmt.Errorf("send quit: %w", err)
		return
	}
	s.done <- nil
}

// Deactivate flushes the queued pushes, sends Quit and releases the
// connection. Deactivating an inactive probe is a no-op.
func (p *Probe) Deactivate() error {
	p.mu.Lock()
	s := p.sess
	p.sess = nil
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	// No push can reach the queue once the session is unset.
	close(s.queue)

	timer := time.NewTimer(quitTimeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-s.done:
	case <-timer.C:
		err = ErrQuitTimeout
	}
	closeErr := s.ch.Close()
	p.logger.Debug("probe deactivated")
	if err != nil {
		return err
	}
	return closeErr
}

// Active reports whether the probe holds a connection.
func (p *Probe) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil
}

// Dropped returns how many pushes were discarded because the relay fell
// behind.
func (p *Probe) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// push queues payload if active. It never blocks.
func (p *Probe) push(payload relay.Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return
	}
	select {
	case p.sess.queue <- relay.Packet{Payload: payload}:
	default:
		p.dropped++
		if p.dropped == 1 || p.dropped%queueSize == 0 {
			p.logger.Debug("relay behind, dropping", "kind", payload.Kind(), "dropped", p.dropped)
		}
	}
}

func (p *Probe) InputChar(code rune) {
	p.push(relay.InputChar{Code: code})
}

func (p *Probe) IMECandidateList(selection, pageStart int, items []string) {
	p.push(relay.IMECandidateList{Selection: selection, PageStart: pageStart, Items: items})
}

func (p *Probe) IMEConversionMode(flags uint32) {
	p.push(relay.IMEConversionMode{Flags: flags})
}

// Logf sends a diagnostic line that the server writes to its log.
func (p *Probe) Logf(format string, args ...any) {
	p.push(relay.Log{Text: fmt.Sprintf(format, args...)})
}

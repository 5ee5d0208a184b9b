package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"auralink/internal/ipc"
	"auralink/internal/logging"
)

var (
	// ErrClosed is returned by calls that were pending or issued after the
	// channel ended.
	ErrClosed = errors.New("rpc channel closed")

	// ErrUnexpectedResponse is returned by the typed helpers when the
	// server answers with a response of the wrong shape.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// DefaultQuitGrace bounds how long Quit waits for QuitAck.
const DefaultQuitGrace = 500 * time.Millisecond

// Client issues correlated calls over one channel. It is safe for
// concurrent use. At most one goroutine reads from the channel at a time;
// responses for other callers are stashed by id.
type Client struct {
	ch     *ipc.Channel[RequestPacket, ResponsePacket]
	logger *slog.Logger
	nextID atomic.Uint32

	mu        sync.Mutex
	stash     map[uint32]Response
	abandoned map[uint32]struct{}
	reading   bool
	readErr   error
	wake      chan struct{}

	// QuitGrace overrides DefaultQuitGrace when positive.
	QuitGrace time.Duration
}

// NewClient wraps conn. logger may be nil.
func NewClient(conn io.ReadWriteCloser, logger *slog.Logger) *Client {
	return &Client{
		ch:        ipc.NewChannel[RequestPacket, ResponsePacket](conn),
		logger:    logging.OrDefault(logger).With("component", "rpc"),
		stash:     make(map[uint32]Response),
		abandoned: make(map[uint32]struct{}),
		wake:      make(chan struct{}),
	}
}

// Call sends req and waits for the response carrying the same id. A
// RemoteError answer is returned as the response, not as an error.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	id := c.nextID.Add(1)
	if err := c.ch.Send(RequestPacket{ID: id, Request: req}); err != nil {
		c.mu.Lock()
		readErr := c.readErr
		c.mu.Unlock()
		if readErr != nil {
			return nil, fmt.Errorf("%s: %w", req.Kind(), ErrClosed)
		}
		return nil, fmt.Errorf("send %s: %w", req.Kind(), err)
	}
	resp, err := c.await(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Kind(), err)
	}
	return resp, nil
}

func (c *Client) await(ctx context.Context, id uint32) (Response, error) {
	for {
		c.mu.Lock()
		if resp, ok := c.stash[id]; ok {
			delete(c.stash, id)
			c.mu.Unlock()
			return resp, nil
		}
		if c.readErr != nil {
			err := c.readErr
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		if !c.reading {
			c.reading = true
			go c.readOne()
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			c.mu.Lock()
			if _, ok := c.stash[id]; ok {
				delete(c.stash, id)
			} else {
				c.abandoned[id] = struct{}{}
			}
			c.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// readOne reads until one response (or a terminal error) arrives, files it
// and wakes every waiter.
func (c *Client) readOne() {
	for {
		pkt, err := c.ch.Recv()
		if err != nil && ipc.IsDecodeError(err) {
			c.logger.Warn("skipping malformed response", "error", err)
			continue
		}

		c.mu.Lock()
		c.reading = false
		switch {
		case err != nil:
			c.readErr = err
		default:
			if _, gone := c.abandoned[pkt.ID]; gone {
				delete(c.abandoned, pkt.ID)
			} else {
				c.stash[pkt.ID] = pkt.Response
			}
		}
		close(c.wake)
		c.wake = make(chan struct{})
		c.mu.Unlock()
		return
	}
}

// Quit asks the server to stop and waits briefly for QuitAck. A missing
// ack is not an error.
func (c *Client) Quit(ctx context.Context) error {
	grace := c.QuitGrace
	if grace <= 0 {
		grace = DefaultQuitGrace
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	_, err := c.Call(ctx, Quit{})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrClosed):
		c.logger.Debug("quit not acknowledged", "error", err)
		return nil
	default:
		return err
	}
}

// Close closes the channel. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	return c.ch.Close()
}

func callAs[T Response](ctx context.Context, c *Client, req Request) (T, error) {
	var zero T
	resp, err := c.Call(ctx, req)
	if err != nil {
		return zero, err
	}
	if remote, ok := resp.(RemoteError); ok {
		return zero, remote
	}
	v, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s answered with %s", ErrUnexpectedResponse, req.Kind(), resp.Kind())
	}
	return v, nil
}

func (c *Client) SetRate(ctx context.Context, rate float64) error {
	_, err := callAs[Ack](ctx, c, SetRate{Rate: rate})
	return err
}

func (c *Client) Rate(ctx context.Context) (float64, error) {
	v, err := callAs[Value](ctx, c, GetRate{})
	return v.Value, err
}

func (c *Client) SetPitch(ctx context.Context, pitch float64) error {
	_, err := callAs[Ack](ctx, c, SetPitch{Pitch: pitch})
	return err
}

func (c *Client) Pitch(ctx context.Context) (float64, error) {
	v, err := callAs[Value](ctx, c, GetPitch{})
	return v.Value, err
}

func (c *Client) SetVolume(ctx context.Context, volume float64) error {
	_, err := callAs[Ack](ctx, c, SetVolume{Volume: volume})
	return err
}

func (c *Client) Volume(ctx context.Context) (float64, error) {
	v, err := callAs[Value](ctx, c, GetVolume{})
	return v.Value, err
}

func (c *Client) SetVoice(ctx context.Context, id string) error {
	_, err := callAs[Ack](ctx, c, SetVoice{Voice: id})
	return err
}

func (c *Client) Voice(ctx context.Context) (string, error) {
	v, err := callAs[Voice](ctx, c, GetVoice{})
	return v.ID, err
}

func (c *Client) Voices(ctx context.Context) ([]VoiceInfo, error) {
	v, err := callAs[Voices](ctx, c, ListVoices{})
	return v.Voices, err
}

// Synthesize renders text with the current parameters.
func (c *Client) Synthesize(ctx context.Context, text string) (Audio, error) {
	return callAs[Audio](ctx, c, Synthesize{Text: text})
}

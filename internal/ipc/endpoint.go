package ipc

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrAddressInUse is returned by Listen when another process already
	// serves the endpoint.
	ErrAddressInUse = errors.New("endpoint already in use")

	// ErrNotListening is returned by Dial when nothing serves the endpoint.
	ErrNotListening = errors.New("endpoint is not listening")
)

// Endpoint names of the built-in subsystems.
const (
	RelayEndpoint = "relay"
)

// Listen binds the endpoint at addr (as returned by Address). On Windows
// addr is a named pipe path; elsewhere it is a unix socket path.
func Listen(addr string) (net.Listener, error) {
	return listen(addr)
}

// Dial connects to the endpoint at addr.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	return dial(ctx, addr)
}

// DialRetry dials addr until it succeeds, ctx is done, or timeout elapses.
// Only ErrNotListening is retried; any other failure is returned at once.
func DialRetry(ctx context.Context, addr string, timeout, interval time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		conn, err := dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, ErrNotListening) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(interval):
		}
	}
}

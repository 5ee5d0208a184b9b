//go:build windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

const (
	pipeBufferSize = 64 * 1024

	// FILE_FLAG_FIRST_PIPE_INSTANCE
	firstPipeInstance = 0x00080000
)

// Address maps a logical endpoint name to a per-user named pipe path.
func Address(name string) string {
	username := os.Getenv("USERNAME")
	if username == "" {
		username = "default"
	}
	return fmt.Sprintf(`\\.\pipe\auralink-%s-%s`, username, name)
}

// RuntimeDir is unused for named pipes but kept for API parity.
func RuntimeDir() string {
	return os.TempDir()
}

func createPipe(name string, first bool) (windows.Handle, error) {
	path, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return windows.InvalidHandle, err
	}
	openMode := uint32(windows.PIPE_ACCESS_DUPLEX | windows.FILE_FLAG_OVERLAPPED)
	if first {
		openMode |= firstPipeInstance
	}
	return windows.CreateNamedPipe(
		path,
		openMode,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT|windows.PIPE_REJECT_REMOTE_CLIENTS,
		windows.PIPE_UNLIMITED_INSTANCES,
		pipeBufferSize,
		pipeBufferSize,
		0,
		nil,
	)
}

// pipeListener implements net.Listener over a named pipe. A fresh pipe
// instance is created for every accepted client so any number of clients
// can be connected at once.
type pipeListener struct {
	name string

	mu        sync.Mutex
	pending   windows.Handle
	accepting bool
	closed    bool
}

func listen(addr string) (net.Listener, error) {
	h, err := createPipe(addr, true)
	if err != nil {
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) || errors.Is(err, windows.ERROR_PIPE_BUSY) {
			return nil, fmt.Errorf("%s: %w", addr, ErrAddressInUse)
		}
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	return &pipeListener{name: addr, pending: h}, nil
}

func (l *pipeListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, net.ErrClosed
	}
	h := l.pending
	if h == windows.InvalidHandle {
		var err error
		h, err = createPipe(l.name, false)
		if err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("create pipe: %w", err)
		}
		l.pending = h
	}
	l.accepting = true
	l.mu.Unlock()

	err := overlappedIO(h, func(ov *windows.Overlapped) error {
		return windows.ConnectNamedPipe(h, ov)
	}, nil)
	if errors.Is(err, windows.ERROR_PIPE_CONNECTED) {
		err = nil
	}

	l.mu.Lock()
	l.pending = windows.InvalidHandle
	l.accepting = false
	closed := l.closed
	l.mu.Unlock()

	if closed {
		windows.CloseHandle(h)
		return nil, net.ErrClosed
	}
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("connect pipe: %w", err)
	}
	return &pipeConn{handle: h, name: l.name, server: true}, nil
}

func (l *pipeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	switch {
	case l.pending == windows.InvalidHandle:
	case l.accepting:
		// Wakes the Accept blocked in ConnectNamedPipe; it closes the handle.
		windows.CancelIoEx(l.pending, nil)
	default:
		// The first instance reserves the name until it is closed.
		windows.CloseHandle(l.pending)
		l.pending = windows.InvalidHandle
	}
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr(l.name) }

func dial(ctx context.Context, addr string) (net.Conn, error) {
	path, err := windows.UTF16PtrFromString(addr)
	if err != nil {
		return nil, err
	}
	for {
		h, err := windows.CreateFile(
			path,
			windows.GENERIC_READ|windows.GENERIC_WRITE,
			0,
			nil,
			windows.OPEN_EXISTING,
			windows.FILE_FLAG_OVERLAPPED,
			0,
		)
		if err == nil {
			return &pipeConn{handle: h, name: addr}, nil
		}
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return nil, fmt.Errorf("%s: %w", addr, ErrNotListening)
		}
		if !errors.Is(err, windows.ERROR_PIPE_BUSY) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// overlappedIO issues op with a fresh event and waits for its completion.
// n, when non-nil, receives the transferred byte count.
func overlappedIO(h windows.Handle, op func(*windows.Overlapped) error, n *uint32) error {
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(event)

	ov := &windows.Overlapped{HEvent: event}
	err = op(ov)
	if err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		return err
	}
	var done uint32
	if err := windows.GetOverlappedResult(h, ov, &done, true); err != nil {
		return err
	}
	if n != nil {
		*n = done
	}
	return nil
}

// pipeConn implements net.Conn over an overlapped pipe handle, which lets
// a blocked Read coexist with a concurrent Write.
type pipeConn struct {
	handle windows.Handle
	name   string
	server bool

	closeOnce sync.Once
}

func (c *pipeConn) Read(b []byte) (int, error) {
	var n uint32
	err := overlappedIO(c.handle, func(ov *windows.Overlapped) error {
		return windows.ReadFile(c.handle, b, nil, ov)
	}, &n)
	if err != nil {
		if errors.Is(err, windows.ERROR_BROKEN_PIPE) || errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED) {
			return int(n), io.EOF
		}
		if errors.Is(err, windows.ERROR_OPERATION_ABORTED) || errors.Is(err, windows.ERROR_INVALID_HANDLE) {
			return int(n), net.ErrClosed
		}
		return int(n), err
	}
	if n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return int(n), nil
}

func (c *pipeConn) Write(b []byte) (int, error) {
	var n uint32
	err := overlappedIO(c.handle, func(ov *windows.Overlapped) error {
		return windows.WriteFile(c.handle, b, nil, ov)
	}, &n)
	if err != nil {
		if errors.Is(err, windows.ERROR_NO_DATA) || errors.Is(err, windows.ERROR_BROKEN_PIPE) {
			return int(n), net.ErrClosed
		}
		return int(n), err
	}
	return int(n), nil
}

func (c *pipeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		windows.CancelIoEx(c.handle, nil)
		if c.server {
			windows.FlushFileBuffers(c.handle)
			windows.DisconnectNamedPipe(c.handle)
		}
		err = windows.CloseHandle(c.handle)
	})
	return err
}

func (c *pipeConn) LocalAddr() net.Addr  { return pipeAddr(c.name) }
func (c *pipeConn) RemoteAddr() net.Addr { return pipeAddr(c.name) }

// Deadlines are not supported on pipe connections; callers use context
// cancellation and Close instead.
func (c *pipeConn) SetDeadline(time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

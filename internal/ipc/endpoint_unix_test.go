//go:build !windows

package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortSocketPath(t *testing.T) string {
	t.Helper()
	// unix socket paths are limited to ~104 bytes; t.TempDir can exceed that.
	dir, err := os.MkdirTemp("", "al")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func TestAddressUsesRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/auralink/relay.sock", Address(RelayEndpoint))
}

func TestListenDialRoundTrip(t *testing.T) {
	addr := shortSocketPath(t)

	ln, err := Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(addr)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	accepted := make(chan *Channel[testMsg, testMsg], 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- NewChannel[testMsg, testMsg](conn)
	}()

	conn, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	client := NewChannel[testMsg, testMsg](conn)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, client.Send(testMsg{ID: 1, Text: "ping"}))
	got, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ping", got.Text)
}

func TestListenAddressInUse(t *testing.T) {
	addr := shortSocketPath(t)

	ln, err := Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	_, err = Listen(addr)
	assert.ErrorIs(t, err, ErrAddressInUse)
}

func TestListenReclaimsSocketPath(t *testing.T) {
	addr := shortSocketPath(t)

	ln, err := Listen(addr)
	require.NoError(t, err)
	ln.Close()

	// A regular file at the path is left alone.
	require.NoError(t, os.WriteFile(addr, nil, 0600))
	_, err = Listen(addr)
	assert.Error(t, err, "regular file must not be removed")

	require.NoError(t, os.Remove(addr))
	ln, err = Listen(addr)
	require.NoError(t, err)
	ln.Close()
}

func TestDialNotListening(t *testing.T) {
	addr := shortSocketPath(t)
	_, err := Dial(context.Background(), addr)
	assert.ErrorIs(t, err, ErrNotListening)
}

func TestDialRetryWaitsForListener(t *testing.T) {
	addr := shortSocketPath(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		ln, err := Listen(addr)
		if err != nil {
			return
		}
		defer ln.Close()
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	conn, err := DialRetry(context.Background(), addr, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	conn.Close()
}

func TestDialRetryTimesOut(t *testing.T) {
	addr := shortSocketPath(t)
	_, err := DialRetry(context.Background(), addr, 100*time.Millisecond, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotListening)
}

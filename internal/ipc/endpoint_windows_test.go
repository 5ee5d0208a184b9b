//go:build windows

package ipc

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeName(t *testing.T) string {
	return Address(fmt.Sprintf("test-%d-%d", os.Getpid(), time.Now().UnixNano()))
}

func TestCloseWithoutAcceptReleasesName(t *testing.T) {
	addr := testPipeName(t)

	ln, err := Listen(addr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	ln, err = Listen(addr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestCloseWakesAccept(t *testing.T) {
	addr := testPipeName(t)
	ln, err := Listen(addr)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ln.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after Close")
	}

	ln, err = Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go ln.Accept()
	conn, err := Dial(ctx, addr)
	require.NoError(t, err)
	conn.Close()
}

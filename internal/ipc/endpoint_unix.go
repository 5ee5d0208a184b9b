//go:build !windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// Address maps a logical endpoint name to a unix socket path in the
// per-user runtime directory.
func Address(name string) string {
	return filepath.Join(RuntimeDir(), name+".sock")
}

// RuntimeDir is $XDG_RUNTIME_DIR/auralink, falling back to a per-uid
// directory under the system temp dir.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "auralink")
	}
	return filepath.Join(os.TempDir(), "auralink-"+strconv.Itoa(os.Getuid()))
}

func listen(addr string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(addr), 0700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if isListening(addr) {
		return nil, fmt.Errorf("%s: %w", addr, ErrAddressInUse)
	}
	if err := cleanupSocket(addr); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(addr, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return ln, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%s: %w", addr, ErrNotListening)
		}
		return nil, err
	}
	return conn, nil
}

// cleanupSocket removes a stale socket file left by a crashed process.
func cleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

func isListening(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"auralink/internal/ipc"
	"auralink/internal/logging"
)

// ErrHelperExited is returned by Spawn when the helper process exits
// before accepting the connection.
var ErrHelperExited = errors.New("helper exited before connecting")

// SpawnConfig configures the helper process.
type SpawnConfig struct {
	// HelperPath is the helper executable. It is started with the bridge
	// endpoint name as its only argument.
	HelperPath string

	ConnectTimeout time.Duration // default 5s
	QuitTimeout    time.Duration // default 2s

	// Stdout and Stderr receive the helper's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

var bridgeSeq atomic.Uint32

// nextBridgeName returns a process-unique endpoint name.
func nextBridgeName() string {
	return fmt.Sprintf("bridge-%d-%d", os.Getpid(), bridgeSeq.Add(1))
}

// Bridge owns a helper process and the client connected to it.
type Bridge struct {
	*Client

	name        string
	cmd         *exec.Cmd
	exited      chan struct{}
	waitErr     error
	quitTimeout time.Duration
	logger      *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Spawn starts the helper and connects to it. The helper must listen on
// ipc.Address(name) for the name it receives.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Bridge, error) {
	if cfg.HelperPath == "" {
		return nil, errors.New("spawn: helper path is empty")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.QuitTimeout <= 0 {
		cfg.QuitTimeout = 2 * time.Second
	}
	logger := logging.OrDefault(cfg.Logger).With("component", "bridge")

	name := nextBridgeName()
	cmd := exec.Command(cfg.HelperPath, name)
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start helper: %w", err)
	}
	logger.Info("helper started", "pid", cmd.Process.Pid, "endpoint", name)

	b := &Bridge{
		name:        name,
		cmd:         cmd,
		exited:      make(chan struct{}),
		quitTimeout: cfg.QuitTimeout,
		logger:      logger,
	}
	go func() {
		b.waitErr = cmd.Wait()
		close(b.exited)
	}()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.exited:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := ipc.DialRetry(dialCtx, ipc.Address(name), cfg.ConnectTimeout, 25*time.Millisecond)
	if err != nil {
		select {
		case <-b.exited:
			return nil, fmt.Errorf("%w: %v", ErrHelperExited, b.waitErr)
		default:
		}
		b.kill()
		return nil, fmt.Errorf("connect helper: %w", err)
	}

	b.Client = NewClient(conn, cfg.Logger)
	return b, nil
}

// Name returns the endpoint name passed to the helper.
func (b *Bridge) Name() string { return b.name }

// Exited is closed once the helper process has exited.
func (b *Bridge) Exited() <-chan struct{} { return b.exited }

func (b *Bridge) kill() {
	if err := b.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		b.logger.Warn("kill helper", "error", err)
	}
	<-b.exited
}

// Close sends Quit, waits for the helper to exit and kills it if it does
// not within the quit timeout.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.quitTimeout)
		defer cancel()

		if err := b.Client.Quit(ctx); err != nil {
			b.logger.Debug("quit helper", "error", err)
		}
		b.Client.Close()

		select {
		case <-b.exited:
		case <-ctx.Done():
			b.logger.Warn("helper did not exit, killing", "pid", b.cmd.Process.Pid)
			b.kill()
		}
		var exitErr *exec.ExitError
		if b.waitErr != nil && !errors.As(b.waitErr, &exitErr) {
			b.closeErr = b.waitErr
		}
	})
	return b.closeErr
}

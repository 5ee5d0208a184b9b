package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"auralink/internal/ipc"
	"auralink/internal/logging"
)

// ErrServerClosed is returned by Listen and Serve after Close.
var ErrServerClosed = errors.New("relay: server closed")

// Config configures a Server.
type Config struct {
	// MaxSessions caps concurrently connected probes. Zero means no cap.
	MaxSessions int
	Logger      *slog.Logger
}

// Server accepts probe connections and dispatches their events.
type Server struct {
	logger      *slog.Logger
	maxSessions int
	listeners   registry

	mu       sync.Mutex
	ln       net.Listener
	sessions map[uint64]*session
	closed   bool
	nextID   atomic.Uint64
	wg       sync.WaitGroup

	dispatched atomic.Uint64
}

type session struct {
	id   uint64
	conn io.ReadWriteCloser
}

// NewServer creates a server. It does not listen until Listen.
func NewServer(cfg Config) *Server {
	return &Server{
		logger:      logging.OrDefault(cfg.Logger).With("component", "relay"),
		maxSessions: cfg.MaxSessions,
		sessions:    make(map[uint64]*session),
	}
}

// Listen binds addr.
func (s *Server) Listen(addr string) error {
	ln, err := ipc.Listen(addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ln.Close()
		return ErrServerClosed
	}
	if s.ln != nil {
		ln.Close()
		return errors.New("relay: already listening")
	}
	s.ln = ln
	s.logger.Info("relay listening", "addr", addr)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the accept loop until ctx is done or Close is called. Accept
// failures are logged and retried with backoff.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("relay: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		backoff = 0

		if err := s.startSession(ctx, conn); err != nil {
			s.logger.Warn("rejecting probe", "error", err)
			conn.Close()
		}
	}
}

// ServeConn runs one probe session on conn and returns when it ends.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	sess, err := s.register(conn)
	if err != nil {
		conn.Close()
		return err
	}
	s.serveSession(ctx, sess)
	return nil
}

func (s *Server) startSession(ctx context.Context, conn io.ReadWriteCloser) error {
	sess, err := s.register(conn)
	if err != nil {
		return err
	}
	go s.serveSession(ctx, sess)
	return nil
}

func (s *Server) register(conn io.ReadWriteCloser) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return nil, fmt.Errorf("session limit %d reached", s.maxSessions)
	}
	sess := &session{id: s.nextID.Add(1), conn: conn}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return sess, nil
}

func (s *Server) serveSession(ctx context.Context, sess *session) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		sess.conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { sess.conn.Close() })
	defer stop()

	logger := s.logger.With("probe", sess.id)
	logger.Debug("probe connected")

	ch := ipc.NewChannel[Packet, Packet](sess.conn)
	for {
		pkt, err := ch.Recv()
		if err != nil {
			if ipc.IsDecodeError(err) {
				logger.Warn("skipping malformed packet", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				logger.Warn("probe read failed", "error", err)
			} else {
				logger.Debug("probe disconnected")
			}
			return
		}

		switch p := pkt.Payload.(type) {
		case Log:
			logger.Info("probe log", "text", p.Text)
		case Quit:
			logger.Debug("probe quit")
			return
		default:
			s.dispatch(logger, p)
		}
	}
}

func (s *Server) dispatch(logger *slog.Logger, p Payload) {
	for _, fn := range s.listeners.get(p.Kind()) {
		s.invoke(logger, fn, p)
	}
	s.dispatched.Add(1)
}

func (s *Server) invoke(logger *slog.Logger, fn Listener, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("listener panic", "kind", p.Kind(), "panic", r)
		}
	}()
	fn(p)
}

// AddListener registers fn for every future payload of kind, on every
// session. Listeners run in registration order on the session's decode
// loop. It is safe to call from inside a listener; Close is not, use Stop.
func (s *Server) AddListener(kind Kind, fn Listener) {
	s.listeners.add(kind, fn)
}

// OnInputChar registers a typed InputChar listener.
func (s *Server) OnInputChar(fn func(InputChar)) {
	s.AddListener(KindInputChar, func(p Payload) { fn(p.(InputChar)) })
}

// OnIMECandidateList registers a typed IMECandidateList listener.
func (s *Server) OnIMECandidateList(fn func(IMECandidateList)) {
	s.AddListener(KindIMECandidateList, func(p Payload) { fn(p.(IMECandidateList)) })
}

// OnIMEConversionMode registers a typed IMEConversionMode listener.
func (s *Server) OnIMEConversionMode(fn func(IMEConversionMode)) {
	s.AddListener(KindIMEConversionMode, func(p Payload) { fn(p.(IMEConversionMode)) })
}

// Sessions returns the number of connected probes.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Dispatched returns how many payloads have been handed to listeners.
func (s *Server) Dispatched() uint64 {
	return s.dispatched.Load()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stop stops accepting and ends every session without waiting for them.
// Listeners use Stop to shut the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	return err
}

// Close stops the server like Stop and waits for every decode loop to
// return. Listeners run on a decode loop and must not call Close.
func (s *Server) Close() error {
	err := s.Stop()
	s.wg.Wait()
	return err
}

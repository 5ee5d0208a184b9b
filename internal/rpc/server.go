package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"auralink/internal/ipc"
	"auralink/internal/logging"
)

// Server answers requests from one client connection.
type Server struct {
	handler Handler
	logger  *slog.Logger
}

// NewServer creates a server backed by handler. logger may be nil.
func NewServer(handler Handler, logger *slog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logging.OrDefault(logger).With("component", "rpc-server"),
	}
}

// Serve answers requests on conn until the client sends Quit, the stream
// ends, or ctx is done. End of stream and Quit return nil. conn is closed
// on return.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	ch := ipc.NewChannel[ResponsePacket, RequestPacket](conn)
	defer ch.Close()
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	for {
		pkt, err := ch.Recv()
		if err != nil {
			if ipc.IsDecodeError(err) {
				s.logger.Warn("skipping malformed request", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("client disconnected")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		if _, ok := pkt.Request.(Quit); ok {
			if err := ch.Send(ResponsePacket{ID: pkt.ID, Response: QuitAck{}}); err != nil {
				s.logger.Debug("send quit ack", "error", err)
			}
			s.logger.Info("quit requested")
			return nil
		}

		resp, err := s.handle(ctx, pkt.Request)
		if err != nil {
			s.logger.Warn("request failed", "id", pkt.ID, "kind", pkt.Request.Kind(), "error", err)
			resp = RemoteError{Message: err.Error()}
		}
		err = ch.Send(ResponsePacket{ID: pkt.ID, Response: resp})
		if errors.Is(err, ipc.ErrFrameTooLarge) {
			s.logger.Warn("response too large", "id", pkt.ID, "kind", pkt.Request.Kind(), "error", err)
			err = ch.Send(ResponsePacket{ID: pkt.ID, Response: RemoteError{Message: err.Error()}})
		}
		if err != nil {
			return fmt.Errorf("send response: %w", err)
		}
	}
}

func (s *Server) handle(ctx context.Context, req Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	resp, err = s.handler.Handle(ctx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("no response for %s", req.Kind())
	}
	return resp, err
}

// ServeListener accepts exactly one connection from ln, closes ln and
// serves the connection.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	conn, err := ln.Accept()
	stop()
	ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept: %w", err)
	}
	s.logger.Info("client connected", "addr", ln.Addr().String())
	return s.Serve(ctx, conn)
}

// Package server accepts MQTT connections and feeds their packets into the
// session registry.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/life-stream-dev/mqtt-session-core/internal/config"
	"github.com/life-stream-dev/mqtt-session-core/internal/connection"
	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
	"github.com/life-stream-dev/mqtt-session-core/internal/session"
)

type Options struct {
	Listen         string
	MaxConnections int
	// ConnectRate is the number of accepted connections per second, 0 for no
	// limit.
	ConnectRate    int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	MaxPacketSize  int
}

// OptionsFromConfig reads the server section.
func OptionsFromConfig(cfg config.ServerConfig) Options {
	return Options{
		Listen:         cfg.Listen,
		MaxConnections: cfg.MaxConnections,
		ConnectRate:    cfg.ConnectRate,
		ConnectTimeout: config.Duration(cfg.ConnectTimeout, time.Minute),
		WriteTimeout:   config.Duration(cfg.WriteTimeout, 10*time.Second),
	}
}

type Server struct {
	opts     Options
	registry *session.Registry
	conns    *connection.ConnectionManager
	limiter  *rate.Limiter
	sem      chan struct{}

	mu       sync.Mutex
	listener net.Listener
	handlers sync.WaitGroup
}

func New(registry *session.Registry, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = time.Minute
	}
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = 1 << 20
	}
	limit := rate.Inf
	if opts.ConnectRate > 0 {
		limit = rate.Limit(opts.ConnectRate)
	}
	return &Server{
		opts:     opts,
		registry: registry,
		conns:    connection.NewConnectionManager(),
		limiter:  rate.NewLimiter(limit, max(opts.ConnectRate, 1)),
		sem:      make(chan struct{}, opts.MaxConnections),
	}
}

// ListenAndServe listens on Options.Listen and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			logger.WarnF("Connection limit %d reached, rejecting %s", s.opts.MaxConnections, conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())
		c := connection.NewConnection(conn, s.opts.WriteTimeout)
		s.conns.AddConnection(c)
		s.handlers.Add(1)
		go func() {
			defer func() {
				s.conns.RemoveConnection(c)
				<-s.sem
				s.handlers.Done()
			}()
			handler := &ConnectionHandler{server: s, conn: c}
			handler.handleConnection(ctx)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// Shutdown stops accepting, closes every connection and waits for the
// handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.ErrorF("Server close error: %v", err)
		}
	}
	s.mu.Unlock()

	if err := s.conns.CloseAll(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke lets the cleaner shut the server down.
func (s *Server) Invoke(ctx context.Context) error {
	return s.Shutdown(ctx)
}

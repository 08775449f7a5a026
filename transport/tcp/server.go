// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-node/transport"
)

const (
	defaultMaxConns    = 32
	defaultReadTimeout = time.Second
	defaultIdleTimeout = 60 * time.Second
)

// ConnObserver is notified when connections open and close.
type ConnObserver interface {
	ConnOpened()
	ConnClosed()
}

type nopConnObserver struct{}

func (nopConnObserver) ConnOpened() {}
func (nopConnObserver) ConnClosed() {}

var _ transport.Upstream = (*Server)(nil)

// Server implements a Modbus TCP Server. Each accepted connection gets its
// own goroutine which loops Processor.HandleRequest until it returns false.
type Server struct {
	Address string
	// MaxConns bounds concurrent connections; extra ones are closed on accept.
	MaxConns int
	// ReadTimeout bounds a single wait for request bytes. Expiry is not an
	// error, the connection is polled again.
	ReadTimeout time.Duration
	// IdleTimeout closes connections without a complete request for this long.
	IdleTimeout time.Duration

	processor *Processor
	observer  ConnObserver

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new TCP Server answering requests with p.
func NewServer(address string, p *Processor) *Server {
	return &Server{
		Address:     address,
		MaxConns:    defaultMaxConns,
		ReadTimeout: defaultReadTimeout,
		IdleTimeout: defaultIdleTimeout,
		processor:   p,
		observer:    nopConnObserver{},
		conns:       make(map[net.Conn]struct{}),
	}
}

// SetObserver registers o for connection open/close notifications.
func (s *Server) SetObserver(o ConnObserver) {
	if o != nil {
		s.observer = o
	}
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens on Address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	slog.Info("Modbus TCP server listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.MaxConns {
			s.mu.Unlock()
			slog.Warn("Max connections reached, rejecting", "addr", conn.RemoteAddr())
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(ctx, conn)
	}
}

// Close closes the listener and every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.observer.ConnClosed()
		s.wg.Done()
	}()
	s.observer.ConnOpened()
	slog.Info("New TCP client connected", "addr", conn.RemoteAddr())

	c := NewConn(conn)
	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
				slog.Error("Failed to set read deadline", "addr", conn.RemoteAddr(), "err", err)
				return
			}
		}

		handled := c.Handled()
		if !s.processor.HandleRequest(c) {
			slog.Info("TCP client disconnected", "addr", conn.RemoteAddr())
			return
		}
		if c.Handled() != handled {
			lastActivity = time.Now()
		}
		if s.IdleTimeout > 0 {
			if idle := time.Since(lastActivity); idle >= s.IdleTimeout {
				slog.Debug("modbus: closing tcp connection due to idle timeout", "addr", conn.RemoteAddr(), "idle", idle)
				return
			}
		}
	}
}

// Package frontend accepts raw connections, classifies each by its first
// bytes and hands it to the matching service: the GET dispatcher, the SOCKS5
// proxy or the yamux tunnel
package frontend

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"getshim/internal/sniff"
	"getshim/internal/tunnel"
)

const name = "getshim/internal/frontend"

// Dispatcher serves a connection classified as HTTP GET
type Dispatcher interface {
	HandleRequest(ctx context.Context, conn net.Conn) error
}

// ConnServer serves a whole connection and closes it
type ConnServer interface {
	ServeConn(conn net.Conn) error
}

// Server is the accept loop and protocol multiplexer
type Server struct {
	dispatcher  Dispatcher
	socks       ConnServer
	tunnel      *tunnel.Tunnel
	logger      *slog.Logger
	readTimeout time.Duration
	connections metric.Int64Counter

	isListening atomic.Bool
	mu          sync.Mutex
	listeners   map[net.Listener]struct{}
	conns       sync.WaitGroup
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSocks hands SOCKS5 connections to srv. Without it they are closed.
func WithSocks(srv ConnServer) Option {
	return func(s *Server) {
		s.socks = srv
	}
}

// WithTunnel accepts plain yamux sessions on the listener. Streams opened in
// a session are served by this Server like any other connection.
func WithTunnel(opts ...tunnel.Option) Option {
	return func(s *Server) {
		s.tunnel = tunnel.New(s.ServeConn, opts...)
	}
}

// WithReadTimeout bounds the wait for the first bytes of a connection
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = d
	}
}

// WithMeterProvider sets the meter provider, otel's global one by default
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) {
		s.connections = newConnectionCounter(mp)
	}
}

// New creates a Server routing HTTP GET connections to dispatcher
func New(dispatcher Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: dispatcher,
		listeners:  make(map[net.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = otelslog.NewLogger(name)
	}
	if s.connections == nil {
		s.connections = newConnectionCounter(otel.GetMeterProvider())
	}
	s.isListening.Store(true)
	return s
}

func newConnectionCounter(mp metric.MeterProvider) metric.Int64Counter {
	counter, err := mp.Meter(name).Int64Counter("getshim.connections",
		metric.WithDescription("Accepted connections, by detected protocol"),
		metric.WithUnit("{connection}"))
	if err != nil {
		otel.Handle(err)
	}
	return counter
}

// acceptBackoff paces retries after accept errors that leave the listener
// open, such as running out of file descriptors
func acceptBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Serve accepts connections from l until l is closed or Close is called.
// Each connection is classified and served on its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if !s.track(l) {
		return net.ErrClosed
	}
	defer s.untrack(l)

	retry := acceptBackoff()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !s.isListening.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay := retry.NextBackOff()
			s.logger.Warn("accept connection", "err", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		retry.Reset()

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn classifies conn and serves it. conn is closed by the time the
// protocol it speaks is done with it. Cancelling ctx does not abort a
// connection; shutdown goes through Close and Wait so requests already read
// still get their response.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	ctx = context.WithoutCancel(ctx)
	c := sniff.NewConn(conn)
	remote := conn.RemoteAddr().String()

	if s.readTimeout > 0 {
		c.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	proto, err := sniff.Classify(c)
	if s.readTimeout > 0 {
		c.SetReadDeadline(time.Time{})
	}
	if err != nil {
		s.logger.Debug("classify connection", "remote", remote, "err", err)
		sniff.Shutdown(c)
		return
	}

	if s.connections != nil {
		s.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("protocol", proto.String())))
	}

	switch proto {
	case sniff.ProtocolHTTP:
		if err := s.dispatcher.HandleRequest(ctx, c); err != nil {
			s.logger.Debug("dispatch", "remote", remote, "err", err)
		}
	case sniff.ProtocolSOCKS5:
		if s.socks == nil {
			sniff.Shutdown(c)
			return
		}
		if err := s.socks.ServeConn(c); err != nil {
			s.logger.Debug("socks5", "remote", remote, "err", err)
		}
	case sniff.ProtocolYamux:
		if s.tunnel == nil {
			sniff.Shutdown(c)
			return
		}
		if err := s.tunnel.ServeConn(ctx, c); err != nil {
			s.logger.Debug("tunnel", "remote", remote, "err", err)
		}
	default:
		s.logger.Debug("unrecognised protocol", "remote", remote, "protocol", proto.String())
		sniff.Shutdown(c)
	}
}

// Close stops every Serve loop and ends live tunnel sessions. It does not
// wait for in-flight connections; use Wait for that.
func (s *Server) Close() error {
	if !s.isListening.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	var errs []error
	for l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()

	if s.tunnel != nil {
		if err := s.tunnel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until connections accepted by Serve are done or ctx ends
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isListening.Load() {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrack(l net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

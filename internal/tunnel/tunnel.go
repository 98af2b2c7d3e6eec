// Package tunnel carries many logical connections over one transport using
// yamux. Every stream accepted from a session is handed back to a connection
// handler, so tunnelled clients get the same front-end as direct ones.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/yamux"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"getshim/internal/xorrw"
)

const name = "getshim/internal/tunnel"

// ConnHandler serves one stream. It owns the stream and must close it.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Tunnel accepts yamux sessions on raw connections
type Tunnel struct {
	handler ConnHandler
	logger  *slog.Logger
	xorKey  []byte
	config  *yamux.Config

	mu       sync.Mutex
	sessions map[*yamux.Session]struct{}
	closed   bool
}

// Option configures a Tunnel
type Option func(*Tunnel)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tunnel) {
		t.logger = logger
	}
}

// WithXorKey XOR-encodes the whole session with key
func WithXorKey(key []byte) Option {
	return func(t *Tunnel) {
		t.xorKey = key
	}
}

// WithKeepAlive sets the yamux keep-alive interval; zero disables it
func WithKeepAlive(interval time.Duration) Option {
	return func(t *Tunnel) {
		t.config.EnableKeepAlive = interval > 0
		if interval > 0 {
			t.config.KeepAliveInterval = interval
		}
	}
}

// New creates a Tunnel handing streams to handler
func New(handler ConnHandler, opts ...Option) *Tunnel {
	config := yamux.DefaultConfig()
	config.EnableKeepAlive = true
	config.KeepAliveInterval = 30 * time.Second
	config.ConnectionWriteTimeout = 10 * time.Second

	t := &Tunnel{
		handler:  handler,
		config:   config,
		sessions: make(map[*yamux.Session]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = otelslog.NewLogger(name)
	}

	// yamux refuses a config with both an output and a logger
	t.config.LogOutput = nil
	t.config.Logger = slog.NewLogLogger(t.logger.Handler(), slog.LevelWarn)

	return t
}

// wrap applies the XOR layer when a key is configured
func (t *Tunnel) wrap(conn net.Conn) (io.ReadWriteCloser, error) {
	if len(t.xorKey) == 0 {
		return conn, nil
	}
	return xorrw.NewConn(conn, t.xorKey)
}

// ServeConn runs a server session on conn until the peer goes away or the
// tunnel is closed. conn is always closed on return.
func (t *Tunnel) ServeConn(ctx context.Context, conn net.Conn) error {
	rwc, err := t.wrap(conn)
	if err != nil {
		conn.Close()
		return err
	}

	session, err := yamux.Server(rwc, t.config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create yamux session: %w", err)
	}
	if !t.track(session) {
		session.Close()
		return net.ErrClosed
	}
	defer t.untrack(session)

	// Streams are closed with the session; their handlers are waited on after
	var wg sync.WaitGroup
	defer wg.Wait()
	defer session.Close()

	t.logger.Debug("tunnel session started", "remote", conn.RemoteAddr().String())

	for {
		stream, err := session.Accept()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, yamux.ErrSessionShutdown) {
				t.logger.Debug("tunnel session closed", "remote", conn.RemoteAddr().String())
				return nil
			}
			return fmt.Errorf("accept stream: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.handler(ctx, stream)
		}()
	}
}

// Serve accepts transports from l and runs a session on each
func (t *Tunnel) Serve(ctx context.Context, l net.Listener) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay := retry.NextBackOff()
			t.logger.Warn("tunnel accept", "err", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		retry.Reset()

		go func() {
			if err := t.ServeConn(ctx, conn); err != nil {
				t.logger.Warn("tunnel session", "remote", conn.RemoteAddr().String(), "err", err)
			}
		}()
	}
}

// Close shuts down every live session
func (t *Tunnel) Close() error {
	t.mu.Lock()
	t.closed = true
	sessions := make([]*yamux.Session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tunnel) track(s *yamux.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.sessions[s] = struct{}{}
	return true
}

func (t *Tunnel) untrack(s *yamux.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s)
}

// Dial opens a client session over conn, XOR-encoded when key is non-empty.
// Each stream opened on the session reaches the remote front-end.
func Dial(conn net.Conn, key []byte) (*yamux.Session, error) {
	var rwc io.ReadWriteCloser = conn
	if len(key) > 0 {
		xc, err := xorrw.NewConn(conn, key)
		if err != nil {
			return nil, err
		}
		rwc = xc
	}

	config := yamux.DefaultConfig()
	config.LogOutput = io.Discard
	return yamux.Client(rwc, config)
}

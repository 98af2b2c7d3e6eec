package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"getshim/internal/dispatch"
	"getshim/internal/registry"
	"getshim/internal/response"
	"getshim/internal/socks"
	"getshim/internal/tunnel"
	"getshim/internal/workpool"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	server *Server
	addr   string
	reader *sdkmetric.ManualReader
}

func startServer(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return startServerContext(t, context.Background(), opts...)
}

// startServerContext serves with ctx, which tests may cancel while the
// server keeps running
func startServerContext(t *testing.T, ctx context.Context, opts ...Option) *harness {
	t.Helper()

	reg := registry.New()
	reg.MustHandle("/foo", func() response.Response {
		return response.Text("hi", "text/plain")
	})

	pool, err := workpool.New(2, 4)
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	engine := dispatch.New(reg, pool, dispatch.WithLogger(discard))
	opts = append([]Option{WithLogger(discard), WithMeterProvider(mp)}, opts...)
	srv := New(engine, opts...)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, l)
	}()

	t.Cleanup(func() {
		srv.Close()
		l.Close()
		if err := <-served; err != nil {
			// Serve lost the race with Close and never started
			assert.ErrorIs(t, err, net.ErrClosed)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Wait(ctx))
		pool.Close()
	})

	return &harness{server: srv, addr: l.Addr().String(), reader: reader}
}

// exchange writes raw on a fresh connection and returns everything read
// until the server closes it. Read errors are ignored: a server closing with
// unread input may reset the connection, and only the bytes matter here.
func (h *harness) exchange(t *testing.T, raw string) string {
	t.Helper()

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)

	got, _ := io.ReadAll(conn)
	return string(got)
}

func (h *harness) protocolCounts(t *testing.T) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "getshim.connections" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value("protocol")
				counts[v.AsString()] += dp.Value
			}
		}
	}
	return counts
}

func TestServeHTTP(t *testing.T) {
	h := startServer(t)

	assert.Equal(t, "HTTP/1.0 200 Ok\r\n\r\nhi", h.exchange(t, "GET /foo HTTP/1.0\r\n"))
	assert.Equal(t, "HTTP/1.0 404 Not Found\r\n\r\n", h.exchange(t, "GET /missing HTTP/1.0\r\n"))
}

func TestNonGETIsNotDispatched(t *testing.T) {
	h := startServer(t)

	// POST does not pass the sniffer, so it is dropped without a 501
	assert.Empty(t, h.exchange(t, "POST /foo HTTP/1.0\r\n"))
	assert.Empty(t, h.exchange(t, "\x16\x03\x01\x00"))

	assert.Equal(t, map[string]int64{"unknown": 2}, h.protocolCounts(t))
}

func TestSocksDisabledClosesConnection(t *testing.T) {
	h := startServer(t)
	assert.Empty(t, h.exchange(t, "\x05\x01\x00"))
}

func TestSocksHandoff(t *testing.T) {
	proxy, err := socks.NewServer(socks.Config{Logger: discard})
	require.NoError(t, err)
	h := startServer(t, WithSocks(proxy))

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, reply)

	assert.Equal(t, map[string]int64{"socks5": 1}, h.protocolCounts(t))
}

func TestTunnelStreamsAreServed(t *testing.T) {
	h := startServer(t, WithTunnel(tunnel.WithLogger(discard), tunnel.WithKeepAlive(0)))

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()

	session, err := tunnel.Dial(conn, nil)
	require.NoError(t, err)
	defer session.Close()

	for _, tc := range []struct{ req, want string }{
		{"GET /foo HTTP/1.0\r\n", "HTTP/1.0 200 Ok\r\n\r\nhi"},
		{"GET /nope HTTP/1.0\r\n", "HTTP/1.0 404 Not Found\r\n\r\n"},
	} {
		stream, err := session.Open()
		require.NoError(t, err)
		stream.SetDeadline(time.Now().Add(5 * time.Second))

		_, err = stream.Write([]byte(tc.req))
		require.NoError(t, err)

		got, err := io.ReadAll(stream)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(got))
		stream.Close()
	}

	counts := h.protocolCounts(t)
	assert.Equal(t, int64(1), counts["yamux"])
	assert.Equal(t, int64(2), counts["http"])
}

func TestConcurrentClients(t *testing.T) {
	h := startServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/foo"
			want := "HTTP/1.0 200 Ok\r\n\r\nhi"
			if i%2 == 1 {
				path = fmt.Sprintf("/missing-%d", i)
				want = "HTTP/1.0 404 Not Found\r\n\r\n"
			}
			assert.Equal(t, want, h.exchange(t, "GET "+path+" HTTP/1.0\r\n"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, map[string]int64{"http": 20}, h.protocolCounts(t))
}

func TestServeAfterClose(t *testing.T) {
	srv := New(dispatch.New(registry.New(), workpool.Inline{}, dispatch.WithLogger(discard)), WithLogger(discard))
	require.NoError(t, srv.Close())
	// Closing twice is harmless
	require.NoError(t, srv.Close())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	assert.ErrorIs(t, srv.Serve(context.Background(), l), net.ErrClosed)
}

func TestReadTimeoutDropsSilentClients(t *testing.T) {
	h := startServer(t, WithReadTimeout(50*time.Millisecond))

	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Send nothing; the server gives up and closes
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCancelledServeContextStillResponds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := startServerContext(t, ctx)

	// Prove the server is up before the context goes away
	assert.Equal(t, "HTTP/1.0 200 Ok\r\n\r\nhi", h.exchange(t, "GET /foo HTTP/1.0\r\n"))
	cancel()

	// Every request read after cancellation is still handed to the pool
	for i := 0; i < 50; i++ {
		assert.Equal(t, "HTTP/1.0 200 Ok\r\n\r\nhi", h.exchange(t, "GET /foo HTTP/1.0\r\n"))
	}
}

func TestServeConnIgnoresCancelledContext(t *testing.T) {
	reg := registry.New()
	reg.MustHandle("/foo", func() response.Response {
		return response.Text("hi", "text/plain")
	})
	pool, err := workpool.New(2, 64)
	require.NoError(t, err)
	defer pool.Close()

	srv := New(dispatch.New(reg, pool, dispatch.WithLogger(discard)), WithLogger(discard))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 50; i++ {
		server, client := net.Pipe()
		go srv.ServeConn(ctx, server)

		client.SetDeadline(time.Now().Add(5 * time.Second))
		_, err := client.Write([]byte("GET /foo HTTP/1.0\r\n"))
		require.NoError(t, err)
		got, _ := io.ReadAll(client)
		client.Close()
		require.Equal(t, "HTTP/1.0 200 Ok\r\n\r\nhi", string(got), "request %d", i)
	}
}

// flakyListener fails Accept a fixed number of times and then reports closed
type flakyListener struct {
	failures int
	accepts  int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.accepts++
	if l.accepts <= l.failures {
		return nil, errors.New("accept: too many open files")
	}
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error   { return nil }
func (l *flakyListener) Addr() net.Addr { return &net.TCPAddr{} }

func TestServeBacksOffOnAcceptErrors(t *testing.T) {
	srv := New(dispatch.New(registry.New(), workpool.Inline{}, dispatch.WithLogger(discard)), WithLogger(discard))
	l := &flakyListener{failures: 3}

	start := time.Now()
	require.NoError(t, srv.Serve(context.Background(), l))

	assert.Equal(t, 4, l.accepts)
	// Three retries starting at 5ms, each jittered by at most half
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

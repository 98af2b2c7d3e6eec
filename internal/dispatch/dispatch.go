// Package dispatch turns a connection already classified as an HTTP GET into
// a routed, executed and written response
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"getshim/internal/parse"
	"getshim/internal/registry"
	"getshim/internal/response"
	"getshim/internal/sniff"
	"getshim/internal/workpool"
)

const name = "getshim/internal/dispatch"

const (
	// readChunk is the size of each read while looking for the end of the request line
	readChunk = 128

	// DefaultMaxLineLength caps the request line, CRLF excluded
	DefaultMaxLineLength = 8 * 1024
)

var (
	// ErrRead is returned when the request line cannot be read from the peer
	ErrRead = errors.New("read request line")

	// ErrRequestLineTooLong is returned when no CRLF shows up within the line limit
	ErrRequestLineTooLong = errors.New("request line too long")

	// ErrMalformedRequestLine is returned when the request line has fewer than 3 tokens
	ErrMalformedRequestLine = errors.New("malformed request line")
)

var crlf = []byte(parse.CRLF)

// Executor runs handler work off the calling goroutine
type Executor interface {
	Submit(ctx context.Context, task workpool.Task) error
}

// Engine reads a request line, routes it through a registry and writes the
// status line and body produced by the handler
type Engine struct {
	registry    *registry.Registry
	exec        Executor
	logger      *slog.Logger
	maxLine     int
	readTimeout time.Duration

	tracer   trace.Tracer
	requests metric.Int64Counter
}

// Option configures an Engine
type Option func(*engineOptions)

type engineOptions struct {
	logger         *slog.Logger
	maxLine        int
	readTimeout    time.Duration
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithLogger sets the logger. The default logs through the global
// OpenTelemetry logger provider.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithMaxLineLength sets the request line limit in bytes
func WithMaxLineLength(n int) Option {
	return func(o *engineOptions) {
		o.maxLine = n
	}
}

// WithReadTimeout bounds the wait for the request line. Zero waits forever.
func WithReadTimeout(d time.Duration) Option {
	return func(o *engineOptions) {
		o.readTimeout = d
	}
}

// WithTracerProvider sets the tracer provider, otel's global one by default
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *engineOptions) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider, otel's global one by default
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *engineOptions) {
		o.meterProvider = mp
	}
}

// New creates an Engine. reg must not change while the engine is in use.
func New(reg *registry.Registry, exec Executor, opts ...Option) *Engine {
	o := engineOptions{
		maxLine: DefaultMaxLineLength,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = otelslog.NewLogger(name)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.maxLine <= 0 {
		o.maxLine = DefaultMaxLineLength
	}

	requests, err := o.meterProvider.Meter(name).Int64Counter("getshim.requests",
		metric.WithDescription("Requests dispatched, by outcome"),
		metric.WithUnit("{request}"))
	if err != nil {
		otel.Handle(err)
	}

	return &Engine{
		registry:    reg,
		exec:        exec,
		logger:      o.logger,
		maxLine:     o.maxLine,
		readTimeout: o.readTimeout,
		tracer:      o.tracerProvider.Tracer(name),
		requests:    requests,
	}
}

// HandleRequest serves one request with a throwaway Engine
func HandleRequest(ctx context.Context, conn net.Conn, exec Executor, reg *registry.Registry) error {
	return New(reg, exec).HandleRequest(ctx, conn)
}

// HandleRequest serves the single request on conn, which the caller has
// already classified as HTTP GET. The connection is always closed: here on
// the reject paths, or by the worker once the response is written.
// Errors are returned only for failures that happen before work is submitted.
func (e *Engine) HandleRequest(ctx context.Context, conn net.Conn) error {
	ctx, span := e.tracer.Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("net.peer.addr", remoteAddr(conn))))

	raw, err := e.readRequestLine(conn)
	if err != nil {
		sniff.Shutdown(conn)
		e.record(ctx, "error")
		e.fail(span, err)
		span.End()
		return err
	}

	rl, err := parse.ParseRequestLine(raw)
	if err != nil {
		e.write(conn, response.LineBadRequest, response.Separator)
		sniff.Shutdown(conn)
		e.record(ctx, "400")
		err = fmt.Errorf("%w: %q", ErrMalformedRequestLine, firstLine(raw))
		e.fail(span, err)
		span.End()
		return err
	}

	span.SetAttributes(
		attribute.String("http.method", rl.Method),
		attribute.String("http.target", rl.Target),
		attribute.String("http.version", rl.Version))

	if rl.Method != "GET" {
		e.write(conn, response.LineNotImplemented)
		sniff.Shutdown(conn)
		e.record(ctx, "501")
		span.End()
		return nil
	}

	err = e.exec.Submit(ctx, func() {
		e.respond(ctx, span, conn, rl)
	})
	if err != nil {
		sniff.Shutdown(conn)
		e.record(ctx, "error")
		err = fmt.Errorf("submit %s: %w", rl.Target, err)
		e.fail(span, err)
		span.End()
		return err
	}

	return nil
}

// readRequestLine reads until the accumulated bytes contain a CRLF
func (e *Engine) readRequestLine(conn net.Conn) (string, error) {
	if e.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(e.readTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	var acc []byte
	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)
		// Only the tail of the previous chunk can start a CRLF split across reads
		from := len(acc) - 1
		if from < 0 {
			from = 0
		}
		acc = append(acc, buf[:n]...)

		if i := bytes.Index(acc[from:], crlf); i >= 0 {
			if from+i > e.maxLine {
				return "", ErrRequestLineTooLong
			}
			return string(acc), nil
		}
		if len(acc) > e.maxLine {
			return "", ErrRequestLineTooLong
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return "", fmt.Errorf("%w: %w", ErrRead, err)
		}
	}
}

// respond runs on a worker: route, invoke, write, close
func (e *Engine) respond(ctx context.Context, span trace.Span, conn net.Conn, rl parse.RequestLine) {
	defer span.End()
	defer sniff.Shutdown(conn)

	handler, ok := e.registry.Lookup(rl.Target)
	if !ok {
		e.write(conn, response.LineNotFound, response.Separator)
		e.record(ctx, "404")
		span.SetAttributes(attribute.Int("http.status_code", 404))
		return
	}

	resp, err := invoke(handler)
	if err != nil {
		e.logger.Error("handler failed", "path", rl.Target, "remote", remoteAddr(conn), "err", err)
		e.record(ctx, "panic")
		e.fail(span, err)
		return
	}

	line := response.StatusLine(resp.Status)
	span.SetAttributes(
		attribute.Int("http.status_code", statusCode(line)),
		attribute.String("http.response.content_type", resp.ContentType),
		attribute.Int("http.response.body.size", resp.Body.Len()))

	bufs := net.Buffers{[]byte(line), []byte(response.Separator), resp.Body.Bytes()}
	if _, err := bufs.WriteTo(conn); err != nil {
		e.logger.Warn("write response", "path", rl.Target, "remote", remoteAddr(conn), "err", err)
		e.record(ctx, "error")
		return
	}
	e.record(ctx, fmt.Sprint(statusCode(line)))
}

// invoke calls handler and turns a panic into an error
func invoke(handler registry.Handler) (resp response.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(), nil
}

// write writes parts in order. Failures are only logged since the
// connection is closed right after either way.
func (e *Engine) write(conn net.Conn, parts ...string) {
	bufs := make(net.Buffers, 0, len(parts))
	for _, p := range parts {
		bufs = append(bufs, []byte(p))
	}
	if _, err := bufs.WriteTo(conn); err != nil {
		e.logger.Debug("write status line", "remote", remoteAddr(conn), "err", err)
	}
}

func (e *Engine) record(ctx context.Context, outcome string) {
	if e.requests == nil {
		return
	}
	e.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (e *Engine) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func statusCode(line string) int {
	switch line {
	case response.LineNotFound:
		return 404
	case response.LineBadRequest:
		return 400
	case response.LineNotImplemented:
		return 501
	default:
		return 200
	}
}

func firstLine(raw string) string {
	if i := strings.Index(raw, parse.CRLF); i >= 0 {
		return raw[:i]
	}
	return raw
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// Main entry point for the GET front-end server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"getshim/internal/common"
	"getshim/internal/dispatch"
	"getshim/internal/frontend"
	"getshim/internal/handlers"
	"getshim/internal/registry"
	"getshim/internal/socks"
	"getshim/internal/telemetry"
	"getshim/internal/tunnel"
	"getshim/internal/workpool"
)

const serviceName = "getshim"

// Config holds the command line options
type Config struct {
	ListenAddr   string
	TunnelAddr   string
	XorKey       string
	Workers      int
	Queue        int
	MaxLine      int
	ReadTimeout  time.Duration
	EnableSocks  bool
	SocksUser    string
	SocksPass    string
	FilesPath    string
	OTLPEndpoint string
	Verbose      bool
}

func main() {
	if err := run(); err != nil {
		log.Fatalln(err)
	}
}

func run() error {
	config := parseFlags(os.Args[1:])

	// Handle SIGINT and SIGTERM gracefully
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, shutdownTelemetry, err := setupLogging(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg, err := buildRegistry(config)
	if err != nil {
		return err
	}

	pool, err := workpool.New(config.Workers, config.Queue)
	if err != nil {
		return err
	}
	defer pool.Close()

	front, err := newFrontend(config, reg, pool, logger)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", config.ListenAddr, err)
	}
	logger.Info("front-end listening", "addr", listener.Addr().String(),
		"workers", config.Workers, "routes", reg.Len())
	go func() {
		if err := front.Serve(ctx, listener); err != nil {
			logger.Error("front-end stopped", "err", err)
		}
	}()

	if config.TunnelAddr != "" {
		tun, _, err := startTunnel(ctx, config, front, logger)
		if err != nil {
			front.Close()
			return err
		}
		defer tun.Close()
	}

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	front.Close()
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := front.Wait(waitCtx); err != nil {
		logger.Warn("connections still open at shutdown", "err", err)
	}
	return nil
}

// parseFlags parses command line flags
func parseFlags(args []string) *Config {
	config := &Config{}
	fs := flag.NewFlagSet(serviceName, flag.ExitOnError)

	fs.StringVar(&config.ListenAddr, "listen", "127.0.0.1:8080", "Address to listen on")
	fs.StringVar(&config.TunnelAddr, "tunnel", "", "Address for the yamux tunnel listener, empty to disable")
	fs.StringVar(&config.XorKey, "xor-key", "", "XOR key for tunnel connections")
	fs.IntVar(&config.Workers, "workers", runtime.NumCPU(), "Number of handler workers")
	fs.IntVar(&config.Queue, "queue", 64, "Pending handler work before submissions block")
	fs.IntVar(&config.MaxLine, "max-line", dispatch.DefaultMaxLineLength, "Maximum request line length in bytes")
	fs.DurationVar(&config.ReadTimeout, "read-timeout", 0, "Wait limit for the first bytes and the request line, 0 for none")
	fs.BoolVar(&config.EnableSocks, "enable-socks", true, "Serve SOCKS5 clients on the listen address")
	fs.StringVar(&config.SocksUser, "socks-user", "", "SOCKS5 username")
	fs.StringVar(&config.SocksPass, "socks-pass", "", "SOCKS5 password")
	fs.StringVar(&config.FilesPath, "files", "", "Directory whose files are served under /files/")
	fs.StringVar(&config.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for logs, metrics and traces")
	fs.BoolVar(&config.Verbose, "v", false, "Verbose logging")

	fs.Parse(args)

	return config
}

// setupLogging returns the logger to inject. With an OTLP endpoint the
// logger writes through the OpenTelemetry pipeline, otherwise to stderr.
func setupLogging(ctx context.Context, config *Config) (*slog.Logger, telemetry.ShutdownFunc, error) {
	if config.OTLPEndpoint == "" {
		level := slog.LevelInfo
		if config.Verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return logger, func(context.Context) error { return nil }, nil
	}

	shutdown, err := telemetry.Setup(ctx, config.OTLPEndpoint, serviceName, common.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("set up telemetry: %w", err)
	}
	return otelslog.NewLogger(serviceName), shutdown, nil
}

// buildRegistry registers every route before the first connection is accepted
func buildRegistry(config *Config) (*registry.Registry, error) {
	reg := registry.New()
	if err := handlers.Register(reg, config.FilesPath); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	return reg, nil
}

// newFrontend wires the dispatcher and the optional SOCKS5 and tunnel services
func newFrontend(config *Config, reg *registry.Registry, pool *workpool.Pool, logger *slog.Logger) (*frontend.Server, error) {
	engine := dispatch.New(reg, pool,
		dispatch.WithLogger(logger),
		dispatch.WithMaxLineLength(config.MaxLine),
		dispatch.WithReadTimeout(config.ReadTimeout))

	opts := []frontend.Option{
		frontend.WithLogger(logger),
		frontend.WithReadTimeout(config.ReadTimeout),
		frontend.WithTunnel(tunnel.WithLogger(logger)),
	}

	if config.EnableSocks {
		proxy, err := socks.NewServer(socks.Config{
			Username: config.SocksUser,
			Password: config.SocksPass,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, frontend.WithSocks(proxy))
	}

	return frontend.New(engine, opts...), nil
}

// startTunnel accepts XOR-encoded yamux sessions whose streams re-enter the front-end
func startTunnel(ctx context.Context, config *Config, front *frontend.Server, logger *slog.Logger) (*tunnel.Tunnel, net.Addr, error) {
	if config.XorKey == "" {
		return nil, nil, errors.New("-tunnel requires -xor-key")
	}

	listener, err := net.Listen("tcp", config.TunnelAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", config.TunnelAddr, err)
	}

	tun := tunnel.New(front.ServeConn,
		tunnel.WithLogger(logger),
		tunnel.WithXorKey([]byte(config.XorKey)))

	logger.Info("tunnel listening", "addr", listener.Addr().String())
	go func() {
		if err := tun.Serve(ctx, listener); err != nil {
			logger.Error("tunnel stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	return tun, listener.Addr(), nil
}

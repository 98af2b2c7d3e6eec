// Package socks serves SOCKS5 clients that land on the front-end listener
package socks

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/armon/go-socks5"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const name = "getshim/internal/socks"

// Config holds the SOCKS5 options
type Config struct {
	// Username and Password enable user/password authentication when both are set
	Username string
	Password string

	// Logger receives the proxy's own log lines
	Logger *slog.Logger
}

// Server is a SOCKS5 proxy serving connections handed to it one at a time
type Server struct {
	server *socks5.Server
	logger *slog.Logger
}

// NewServer creates a SOCKS5 server
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = otelslog.NewLogger(name)
	}

	conf := &socks5.Config{
		Logger: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.Username != "" && cfg.Password != "" {
		creds := socks5.StaticCredentials{cfg.Username: cfg.Password}
		conf.AuthMethods = []socks5.Authenticator{
			socks5.UserPassAuthenticator{Credentials: creds},
		}
	}

	server, err := socks5.New(conf)
	if err != nil {
		return nil, fmt.Errorf("create socks5 server: %w", err)
	}

	return &Server{
		server: server,
		logger: logger,
	}, nil
}

// ServeConn runs the SOCKS5 exchange on conn and relays traffic until either
// side closes. conn is closed on return.
func (s *Server) ServeConn(conn net.Conn) error {
	s.logger.Debug("socks5 connection", "remote", conn.RemoteAddr().String())
	return s.server.ServeConn(conn)
}

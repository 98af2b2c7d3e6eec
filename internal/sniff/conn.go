package sniff

import (
	"bufio"
	"net"
)

// peekSize is enough to hold every prefix a classifier looks at
const peekSize = 16

// Conn wraps a net.Conn with a read buffer so leading bytes can be
// inspected without consuming them
type Conn struct {
	net.Conn
	reader *bufio.Reader
}

// NewConn wraps conn. A conn that is already a *Conn is returned as is so
// bytes peeked earlier are not lost behind a second buffer.
func NewConn(conn net.Conn) *Conn {
	if conn == nil {
		return nil
	}
	if c, ok := conn.(*Conn); ok {
		return c
	}
	return &Conn{
		Conn:   conn,
		reader: bufio.NewReaderSize(conn, peekSize),
	}
}

// Peek returns the next n bytes without advancing the reader
func (c *Conn) Peek(n int) ([]byte, error) {
	return c.reader.Peek(n)
}

// Read reads buffered bytes first, then from the underlying connection
func (c *Conn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// CloseRead shuts down the reading side when the transport supports it
func (c *Conn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

// CloseWrite shuts down the writing side when the transport supports it
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Shutdown shuts down both directions and then releases the connection.
// Close is always attempted, even if a half-close fails.
func Shutdown(conn net.Conn) error {
	if conn == nil {
		return nil
	}

	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}

	var err error
	if hc, ok := conn.(halfCloser); ok {
		if werr := hc.CloseWrite(); werr != nil {
			err = werr
		}
		if rerr := hc.CloseRead(); rerr != nil && err == nil {
			err = rerr
		}
	}
	if cerr := conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

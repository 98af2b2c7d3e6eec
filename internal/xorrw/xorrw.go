// Package xorrw provides XOR-based obfuscation for tunnel streams
package xorrw

import (
	"errors"
	"io"
	"net"
	"sync"
)

// ErrEmptyKey is returned when a stream is created without a key
var ErrEmptyKey = errors.New("xor key must not be empty")

// cipher walks the key one byte at a time, wrapping around
type cipher struct {
	mu  sync.Mutex
	key []byte
	pos int
}

func (c *cipher) apply(dst, src []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range src {
		dst[i] = src[i] ^ c.key[c.pos]
		c.pos = (c.pos + 1) % len(c.key)
	}
}

// XorReaderWriter applies the key to everything read from and written to rw.
// Each direction keeps its own key position so a duplex stream stays in step
// with a peer using the same key.
type XorReaderWriter struct {
	rw    io.ReadWriter
	read  cipher
	write cipher
}

// NewXorReaderWriter wraps rw with key
func NewXorReaderWriter(rw io.ReadWriter, key []byte) (*XorReaderWriter, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	k := append([]byte(nil), key...)
	return &XorReaderWriter{
		rw:    rw,
		read:  cipher{key: k},
		write: cipher{key: k},
	}, nil
}

// Read reads from the underlying reader and decodes in place
func (x *XorReaderWriter) Read(p []byte) (int, error) {
	n, err := x.rw.Read(p)
	if n > 0 {
		x.read.apply(p[:n], p[:n])
	}
	return n, err
}

// Write encodes a copy of p and writes it to the underlying writer
func (x *XorReaderWriter) Write(p []byte) (int, error) {
	encoded := make([]byte, len(p))
	x.write.apply(encoded, p)
	return x.rw.Write(encoded)
}

// Close closes the underlying stream if it is closable
func (x *XorReaderWriter) Close() error {
	if closer, ok := x.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Conn is a net.Conn whose payload is XOR-encoded
type Conn struct {
	net.Conn
	xor *XorReaderWriter
}

// NewConn wraps conn with key
func NewConn(conn net.Conn, key []byte) (*Conn, error) {
	xor, err := NewXorReaderWriter(conn, key)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, xor: xor}, nil
}

// Read reads and decodes
func (c *Conn) Read(b []byte) (int, error) {
	return c.xor.Read(b)
}

// Write encodes and writes
func (c *Conn) Write(b []byte) (int, error) {
	return c.xor.Write(b)
}

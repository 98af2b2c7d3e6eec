// Package sniff classifies freshly accepted connections by their first bytes
// without consuming them
package sniff

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Protocol is the classification of a connection
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP
	ProtocolSOCKS5
	ProtocolYamux
)

// First-byte markers of the protocols the front-end understands
const (
	socks5Version byte = 0x05
	yamuxVersion  byte = 0x00
)

// ErrPeek signals a transport failure while peeking; the connection is unusable
var ErrPeek = errors.New("peek failed")

var httpGet = []byte("GET ")

// String returns the protocol name used in logs and metrics
func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolSOCKS5:
		return "socks5"
	case ProtocolYamux:
		return "yamux"
	default:
		return "unknown"
	}
}

// IsHTTP reports whether the connection starts with an HTTP GET request line.
// It looks at up to 4 bytes: "GET" followed by a space, or "GET" alone when
// the peer closed or a read deadline expired after 3 bytes. Without a
// deadline, a peer that sends "GET" and goes quiet blocks the call.
// The bytes stay in the buffer for later reads.
// A nil conn is not HTTP. Transport errors are returned wrapped in ErrPeek.
func IsHTTP(c *Conn) (bool, error) {
	if c == nil {
		return false, nil
	}

	buf, err := c.Peek(len(httpGet))
	switch {
	case err == nil, errors.Is(err, io.EOF):
	case errors.Is(err, os.ErrDeadlineExceeded) && len(buf) >= 3:
		// classify from what arrived before the deadline
	default:
		return false, fmt.Errorf("%w: %v", ErrPeek, err)
	}

	return len(buf) >= 3 && bytes.HasPrefix(httpGet, buf), nil
}

// Classify inspects the first byte and, for a possible GET, the first four.
// Only a single byte is required up front so protocols with short greetings,
// such as SOCKS5, are not stalled waiting for more data.
func Classify(c *Conn) (Protocol, error) {
	if c == nil {
		return ProtocolUnknown, nil
	}

	first, err := c.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ProtocolUnknown, nil
		}
		return ProtocolUnknown, fmt.Errorf("%w: %v", ErrPeek, err)
	}

	switch first[0] {
	case httpGet[0]:
		ok, err := IsHTTP(c)
		if err != nil {
			return ProtocolUnknown, err
		}
		if ok {
			return ProtocolHTTP, nil
		}
	case socks5Version:
		return ProtocolSOCKS5, nil
	case yamuxVersion:
		return ProtocolYamux, nil
	}

	return ProtocolUnknown, nil
}

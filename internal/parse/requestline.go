package parse

import (
	"errors"
	"strings"
)

// CRLF terminates the request line
const CRLF = "\r\n"

// ErrTooFewTokens is returned when a request line lacks method, target or version
var ErrTooFewTokens = errors.New("request line has fewer than 3 tokens")

// RequestLine is the first line of a request: METHOD TARGET VERSION
type RequestLine struct {
	Method  string
	Target  string
	Version string
	// Extra holds any tokens after the version; they are ignored by routing.
	Extra []string
}

// ParseRequestLine tokenizes the text up to the first CRLF on single spaces.
// Anything after the CRLF is ignored, so "GET /foo \r\n" yields two tokens
// and is rejected.
func ParseRequestLine(raw string) (RequestLine, error) {
	if i := strings.Index(raw, CRLF); i >= 0 {
		raw = raw[:i]
	}

	tokens := Split(raw, " ")
	if len(tokens) < 3 {
		return RequestLine{}, ErrTooFewTokens
	}

	return RequestLine{
		Method:  tokens[0],
		Target:  tokens[1],
		Version: tokens[2],
		Extra:   tokens[3:],
	}, nil
}

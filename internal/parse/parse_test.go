package parse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSingleCharDelim(t *testing.T) {
	res := Split("Hello, World!", ",")
	require.Len(t, res, 2)
	assert.Equal(t, "Hello", res[0])
	assert.Equal(t, " World!", res[1])
}

func TestSplitMultiCharDelim(t *testing.T) {
	res := Split("Hello, World!", "llo")
	require.Len(t, res, 2)
	assert.Equal(t, "He", res[0])
	assert.Equal(t, ", World!", res[1])
}

func TestSplitEdgeCases(t *testing.T) {
	cases := []struct {
		name  string
		input string
		delim string
		want  []string
	}{
		{"empty input", "", ",", []string{}},
		{"no delimiter", "abc", ",", []string{"abc"}},
		{"trailing delimiter", "a,b,", ",", []string{"a", "b"}},
		{"leading delimiter", ",a", ",", []string{"", "a"}},
		{"adjacent delimiters kept", "a,,b", ",", []string{"a", "", "b"}},
		{"only delimiter", ",", ",", []string{""}},
		{"leftmost match wins", "aaa", "aa", []string{"", "a"}},
		{"empty delimiter", "abc", "", []string{"abc"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Split(tc.input, tc.delim))
		})
	}
}

func TestSplitPiecesNeverContainDelim(t *testing.T) {
	inputs := []string{
		"GET /foo HTTP/1.0",
		"a::b::::c",
		"::x",
		"one two  three   ",
	}
	for _, delim := range []string{" ", "::", "o"} {
		for _, in := range inputs {
			for _, piece := range Split(in, delim) {
				assert.NotContains(t, piece, delim)
			}
			// Joining the pieces restores the input minus one trailing delimiter at most
			joined := strings.Join(Split(in, delim), delim)
			assert.True(t, strings.HasPrefix(in, joined), "%q is not a prefix of %q", joined, in)
		}
	}
}

func TestParseRequestLine(t *testing.T) {
	rl, err := ParseRequestLine("GET /foo HTTP/1.0\r\nHost: example\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "GET", rl.Method)
	assert.Equal(t, "/foo", rl.Target)
	assert.Equal(t, "HTTP/1.0", rl.Version)
	assert.Empty(t, rl.Extra)

	rl, err = ParseRequestLine("GET /a?b=c HTTP/1.1 extra tokens\r\n")
	require.NoError(t, err)
	assert.Equal(t, "/a?b=c", rl.Target)
	assert.Equal(t, []string{"extra", "tokens"}, rl.Extra)
}

func TestParseRequestLineTooFewTokens(t *testing.T) {
	for _, raw := range []string{"\r\n", "GET\r\n", "GET /foo\r\n", "GET /foo \r\n"} {
		_, err := ParseRequestLine(raw)
		assert.ErrorIs(t, err, ErrTooFewTokens, "raw=%q", raw)
	}
}

func TestParseRequestLineTrailingSpaceIsNotAVersion(t *testing.T) {
	// The CRLF is cut before tokenizing, so it never stands in for the version
	assert.Equal(t, []string{"GET", "/foo"}, Split("GET /foo ", " "))
	_, err := ParseRequestLine("GET /foo \r\n")
	assert.ErrorIs(t, err, ErrTooFewTokens)
}

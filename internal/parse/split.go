// Package parse provides the small text utilities used to read request lines
package parse

import "strings"

// Split cuts input on every literal occurrence of delim, scanning left to right.
// Empty pieces between adjacent delimiters are kept. The remainder after the last
// delimiter is appended only when it is non-empty, so a trailing delimiter does
// not produce an empty final element.
func Split(input, delim string) []string {
	result := []string{}
	if input == "" {
		return result
	}
	if delim == "" {
		return append(result, input)
	}

	rest := input
	for rest != "" {
		i := strings.Index(rest, delim)
		if i < 0 {
			result = append(result, rest)
			break
		}
		result = append(result, rest[:i])
		rest = rest[i+len(delim):]
	}

	return result
}

// Package response defines what a path handler returns and how its status
// is rendered on the wire
package response

// Status is the closed set of statuses a Response can carry
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusBadRequest
	StatusNotImplemented
)

// Wire status lines. Only the request line's HTTP/1.0 form is ever emitted.
const (
	LineOK             = "HTTP/1.0 200 Ok\r\n"
	LineNotFound       = "HTTP/1.0 404 Not Found\r\n"
	LineBadRequest     = "HTTP/1.0 400 Bad Request\r\n"
	LineNotImplemented = "HTTP/1.0 501 Not Implemented\r\n"
)

// Separator ends the status line block before the body
const Separator = "\r\n"

// String returns the status code and reason, as used in logs
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "200 Ok"
	case StatusNotFound:
		return "404 Not Found"
	case StatusBadRequest:
		return "400 Bad Request"
	case StatusNotImplemented:
		return "501 Not Implemented"
	default:
		return "unknown"
	}
}

// StatusLine maps a handler's status to the status line written before its body.
// NotFound is the only status honored as such; every other value, including
// ones outside the enum, is served as 200.
func StatusLine(s Status) string {
	switch s {
	case StatusNotFound:
		return LineNotFound
	default:
		return LineOK
	}
}

// BodyKind tags which representation of the body is populated
type BodyKind int

const (
	BodyText BodyKind = iota
	BodyBinary
)

// Body holds either a text payload or an opaque byte payload, never both
type Body struct {
	kind BodyKind
	text string
	data []byte
}

// Kind returns which representation is populated
func (b Body) Kind() BodyKind {
	return b.kind
}

// Text returns the text payload and whether the body is the text variant
func (b Body) Text() (string, bool) {
	return b.text, b.kind == BodyText
}

// Binary returns the byte payload and whether the body is the binary variant
func (b Body) Binary() ([]byte, bool) {
	return b.data, b.kind == BodyBinary
}

// Bytes returns the raw bytes written on the wire for either variant
func (b Body) Bytes() []byte {
	if b.kind == BodyBinary {
		return b.data
	}
	return []byte(b.text)
}

// Len returns the payload size in bytes
func (b Body) Len() int {
	if b.kind == BodyBinary {
		return len(b.data)
	}
	return len(b.text)
}

// Response is produced by a Handler. The zero value is an empty 200 text response.
// ContentType travels with the response but is not written on the wire.
type Response struct {
	Status      Status
	Body        Body
	ContentType string
}

// Text creates a 200 response with a text body
func Text(body, contentType string) Response {
	return Response{
		Status:      StatusOK,
		Body:        Body{kind: BodyText, text: body},
		ContentType: contentType,
	}
}

// Binary creates a 200 response with an opaque byte body
func Binary(data []byte, contentType string) Response {
	return Response{
		Status:      StatusOK,
		Body:        Body{kind: BodyBinary, data: data},
		ContentType: contentType,
	}
}

// WithStatus returns a copy of r carrying status s
func (r Response) WithStatus(s Status) Response {
	r.Status = s
	return r
}

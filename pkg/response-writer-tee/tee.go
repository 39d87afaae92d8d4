// Package tee wraps an http.ResponseWriter so the response can be captured
// for caching while it streams to the client.
package tee

import (
	"bytes"
	"fmt"
	"net/http"
)

// ResponseSaver records the response in serialized HTTP/1.1 form (status
// line, headers, blank line, body) while passing it through to the wrapped
// writer. The serialized form is what gets cached; it can be replayed with
// http.ReadResponse.
type ResponseSaver struct {
	rw          http.ResponseWriter
	buf         bytes.Buffer
	header      http.Header
	status      int
	wroteHeader bool
	bodyStart   int
}

// NewResponseSaver wraps w. A nil w records without forwarding, which is
// used when refreshing cache entries with no client attached.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	s := &ResponseSaver{rw: w}
	if w == nil {
		s.header = make(http.Header)
	} else {
		s.header = w.Header()
	}
	return s
}

func (s *ResponseSaver) Header() http.Header {
	return s.header
}

func (s *ResponseSaver) WriteHeader(statusCode int) {
	s.wroteHeader = true
	s.status = statusCode
	fmt.Fprintf(&s.buf, "HTTP/1.1 %d %s\n", statusCode, http.StatusText(statusCode))
	s.header.Write(&s.buf)
	s.buf.WriteString("\n")
	s.bodyStart = s.buf.Len()
	if s.rw != nil {
		s.rw.WriteHeader(statusCode)
	}
}

func (s *ResponseSaver) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	if s.rw != nil {
		if _, err := s.rw.Write(b); err != nil {
			return 0, err
		}
	}
	return s.buf.Write(b)
}

// Response returns the serialized response recorded so far.
func (s *ResponseSaver) Response() []byte {
	return s.buf.Bytes()
}

// Body returns just the recorded body bytes, without status line and
// headers.
func (s *ResponseSaver) Body() []byte {
	return s.buf.Bytes()[s.bodyStart:]
}

// StatusCode returns the recorded status code, or zero if the handler never
// wrote one.
func (s *ResponseSaver) StatusCode() int {
	return s.status
}

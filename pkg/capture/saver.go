package capture

import (
	"bytes"
	"net/http"
)

// ResponseSaver wraps an http.ResponseWriter, passing the response through
// while keeping a copy of the body.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	status       int
	wroteHeaders bool
}

func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		rw: w,
		b:  &bytes.Buffer{},
	}
}

// Implementation of http.ResponseWriter
func (s *ResponseSaver) Header() http.Header {
	return s.rw.Header()
}

// Implementation of http.ResponseWriter
func (s *ResponseSaver) WriteHeader(statusCode int) {
	if s.wroteHeaders {
		return
	}
	s.wroteHeaders = true
	s.status = statusCode
	s.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (s *ResponseSaver) Write(b []byte) (int, error) {
	if !s.wroteHeaders {
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.rw.Write(b)
	s.b.Write(b[:n])
	return n, err
}

// Body returns the response body written so far.
func (s *ResponseSaver) Body() string {
	return s.b.String()
}

// StatusCode returns the status code of the response, 200 if the handler never set one.
func (s *ResponseSaver) StatusCode() int {
	if !s.wroteHeaders {
		return http.StatusOK
	}
	return s.status
}

package transport

import (
	"errors"
	"fmt"

	"github.com/zimagi/zimagi-sub000/internal/schema"
)

// ParseError is a client-side schema violation. No request was sent.
type ParseError struct {
	Command string
	Err     *schema.ValidationError
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("transport: parse %s: %v", e.Command, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConnectionError is a severed or refused connection. It is retried.
type ConnectionError struct {
	Method   string
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: %s %s: connection failed after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError is a non-2xx answer before any streaming. It is not retried.
type RequestError struct {
	Status  int
	Message string
	Body    map[string]any
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("transport: request failed (%d): %s", e.Status, e.Message)
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

package relay

import (
	"errors"
	"fmt"
)

// ErrNoMessages is returned when Stream or Complete is called without messages.
var ErrNoMessages = errors.New("no messages to relay")

// StatusError reports a non-success response from the upstream API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "API error: " + e.Body
}

// TransportError reports a failure to talk to the upstream API: dial
// errors, resets, timeouts and broken reads.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError reports an upstream body that could not be decoded.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse upstream response: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

package stream

import "fmt"

// TransportError represents a failure of the duplex connection itself
type TransportError struct {
	Op  string // "dial", "send", "recv"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError represents an explicit error frame sent by the server
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	if e.Reason == "" {
		return "server error"
	}
	return fmt.Sprintf("server error: %s", e.Reason)
}

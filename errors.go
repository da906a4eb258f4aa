package caselink

import (
	"fmt"
	"time"
)

// APIError is a server-reported failure carried inside a result envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ConnectionError indicates the stream endpoint was unreachable or the
// connection attempt timed out. The failed Connect call must not be retried;
// callers issue a fresh Connect instead.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError indicates the remote end rejected the client's identity.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "identity rejected: " + e.Reason
}

// UploadError indicates an attachment transfer failed. A send that fails at
// the upload stage aborts before any optimistic insert is made.
type UploadError struct {
	FileName string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.FileName, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// SendTimeoutError indicates no confirmation arrived for an outbound message
// within the bounded wait. The message remains visible in the Failed state.
type SendTimeoutError struct {
	ProvisionalID string
	Wait          time.Duration
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("send %s: no confirmation within %s", e.ProvisionalID, e.Wait)
}

// NotConnectedError indicates a stream operation was attempted while
// disconnected and no fallback exists for that operation.
type NotConnectedError struct {
	Op string
}

func (e *NotConnectedError) Error() string {
	return "not connected: " + e.Op
}

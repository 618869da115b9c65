package forcestream

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrDisposed indicates the streaming client has been closed.
	ErrDisposed = errors.New("streaming client disposed")

	// ErrAuthentication indicates credentials could not be obtained or were
	// rejected after every allowed re-authentication.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransient indicates an operation kept failing with retryable errors
	// until its retries ran out.
	ErrTransient = errors.New("transient failure")

	// ErrInvalidTopic indicates a blank or malformed topic name.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrNilListener indicates a nil listener was passed to SubscribeTopic.
	ErrNilListener = errors.New("listener is nil")

	// ErrInvalidListener indicates a listener whose type cannot be matched
	// by identity, such as a map, slice or func type.
	ErrInvalidListener = errors.New("listener type is not comparable")

	// ErrNotConnected indicates an operation needs a connected session.
	ErrNotConnected = errors.New("not connected")

	// ErrCursorNotFound indicates a ReplayStore has no cursor for a topic.
	ErrCursorNotFound = errors.New("replay cursor not found")
)

// AuthError reports an authentication failure. It matches ErrAuthentication.
type AuthError struct {
	Op  string // operation that was being attempted
	Err error  // last underlying error
}

func (e *AuthError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is implements errors.Is for sentinel error matching.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthentication
}

// TransientError reports that transient retries were exhausted.
// It matches ErrTransient.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is implements errors.Is for sentinel error matching.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// ReplayCursorError reports that the server rejected a replay cursor.
// Topic is empty when the server message did not name the channel.
type ReplayCursorError struct {
	Topic   string
	Cursor  int64
	Message string
}

func (e *ReplayCursorError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("replay cursor %d rejected: %s", e.Cursor, e.Message)
	}
	return fmt.Sprintf("replay cursor %d rejected for %s: %s", e.Cursor, e.Topic, e.Message)
}

// ServerError is an unclassified error reported by the streaming server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed is a transport-level failure; Connect may be retried.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrServiceNotFound means the peripheral lacks the measurement service or one of its characteristics.
	ErrServiceNotFound = errors.New("service not found")
	// ErrPeripheralRejectedConfig means the peripheral answered the start request with a nonzero status.
	ErrPeripheralRejectedConfig = errors.New("peripheral rejected configuration")
	// ErrSessionBusy is returned by Connect while a connection attempt or stream is in progress.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionSpent is returned by Connect once the session has streamed or failed fatally.
	ErrSessionSpent = errors.New("session spent")
	// ErrSessionClosed is returned by Connect after Close.
	ErrSessionClosed = errors.New("session closed")
)

// RejectedError carries the status code of a rejected start request.
type RejectedError struct {
	RequestID byte
	Status    byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: request %d status %d", ErrPeripheralRejectedConfig, e.RequestID, e.Status)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrPeripheralRejectedConfig
}

// fatal reports whether reason rules out another Connect on the same session.
func fatal(reason error) bool {
	return errors.Is(reason, ErrServiceNotFound) || errors.Is(reason, ErrPeripheralRejectedConfig)
}

func wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, cause)
}

// ErrLinkLost is returned by AwaitStreaming when the session falls back to
// Disconnected before streaming started.
var ErrLinkLost = errors.New("link lost before streaming")

package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations attempted while the connection is down.
	// Nothing is queued for later delivery.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrTimeout is returned when the server does not acknowledge a request in time.
	ErrTimeout = errors.New("realtime: request timed out")
	// ErrReconnectFailed is matched by the terminal ConnectionError.
	ErrReconnectFailed = errors.New("realtime: reconnect failed")
)

// AckError carries the message of a failed acknowledgement.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("realtime: %s rejected: %s", e.Event, e.Message)
}

// ConnectionError is the terminal state after the reconnect budget is spent. It stays set until
// Connect is called again.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime: reconnect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrReconnectFailed) match.
func (e *ConnectionError) Is(target error) bool { return target == ErrReconnectFailed }

// LoadError reports a failed REST fetch. Status is zero for transport failures.
type LoadError struct {
	Op     string
	Status int
	Err    error
}

func (e *LoadError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("realtime: %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("realtime: %s failed: %v", e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

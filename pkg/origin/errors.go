package origin

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUnavailable matches every failure to obtain a complete response from an origin.
	ErrUnavailable = errors.New("origin unavailable")
	// ErrInvalidRequest means the outbound request could not be built.
	ErrInvalidRequest = errors.New("invalid origin request")
)

// UnavailableError wraps the transport error behind ErrUnavailable.
type UnavailableError struct {
	Method string
	URL    string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("origin unavailable: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Timeout reports whether the origin failed to answer in time.
func (e *UnavailableError) Timeout() bool {
	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

package alphavantage

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUnavailable matches every transient failure: timeouts, connection
// failures and hard rate limiting. Callers retry these on the next cycle or
// request, never inline.
var ErrUnavailable = errors.New("upstream unavailable")

var (
	ErrTimeout     error = &unavailableError{msg: "upstream timeout"}
	ErrConnection  error = &unavailableError{msg: "upstream connection failure"}
	ErrRateLimited error = &unavailableError{msg: "upstream rate limited"}

	ErrMalformed = errors.New("malformed upstream response")
	ErrNoData    = errors.New("no data returned")
)

type unavailableError struct{ msg string }

func (e *unavailableError) Error() string { return e.msg }

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

// UpstreamError is a failure reported by the provider itself, either as a
// non-200 status or an "Error Message" body.
type UpstreamError struct {
	StatusCode int
	Message    string
	Call       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("alphavantage %s error: %s (status: %d)", e.Call, e.Message, e.StatusCode)
}

// classifyTransport maps an http.Client error onto the failure taxonomy.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// status labels an outcome for metrics.
func status(err error) string {
	var upErr *UpstreamError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.As(err, &upErr):
		return "upstream_error"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrNoData):
		return "no_data"
	default:
		return "error"
	}
}

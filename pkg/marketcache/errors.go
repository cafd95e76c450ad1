package marketcache

import (
	"errors"
	"fmt"
)

// ErrNotFound matches every *NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports that neither the requested symbol nor its corrected
// form produced data.
type NotFoundError struct {
	Symbol string
	// Suggestion is the corrected symbol when it differs from Symbol.
	Suggestion string
	// Resolved is false when symbol search produced nothing usable.
	Resolved bool
	Cause    error
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("no data for symbol %s", e.Symbol)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (tried %s)", e.Suggestion)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Unwrap() error { return e.Cause }

// Message is the user-facing explanation with a correction hint.
func (e *NotFoundError) Message() string {
	msg := "Stock data not found for symbol: " + e.Symbol
	switch {
	case e.Suggestion != "":
		msg += fmt.Sprintf(". Did you mean: %s?", e.Suggestion)
	case !e.Resolved:
		msg += ". Please check the symbol format (e.g., TCS.NS for NSE stocks)"
	}
	return msg
}

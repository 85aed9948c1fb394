package repositories

import "fmt"

// CounterErrorCode classifies counter failures so callers can react without
// string matching.
type CounterErrorCode string

const (
	// CounterErrorUnknown covers failures with no more specific code.
	CounterErrorUnknown CounterErrorCode = "counter_unknown"
	// CounterErrorInvalidInput reports bad arguments such as a blank counter id.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted reports a counter that reached its configured
	// maximum; run numbering stops rather than wrapping.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError carries a machine readable code alongside the message.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterError builds a CounterError, defaulting the message to the code.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

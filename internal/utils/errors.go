package utils

import "fmt"

// Failure classifications for the errors that can abort an analysis run. All
// other error conditions degrade the session instead of failing it.
const (
	KindCaptureUnavailable = "capture_unavailable"
	KindConfigInvalid      = "config_invalid"
)

// AppError attaches the failing operation and a failure classification to an
// underlying error.
type AppError struct {
	Op   string
	Kind string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, kind string, err error) error {
	return &AppError{Op: op, Kind: kind, Err: err}
}

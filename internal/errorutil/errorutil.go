package errorutil

import (
	"errors"
	"fmt"
)

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues in a submitted trace.
var ErrDataIntegrity = errors.New("data integrity error")

// Integrityf formats an error wrapping ErrDataIntegrity.
func Integrityf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDataIntegrity, fmt.Sprintf(format, args...))
}

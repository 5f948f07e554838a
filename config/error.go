package config

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error reports an invalid or missing configuration
// value.
//
// Configuration errors are permanent: they are never
// retried and must abort process startup.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// Errorf creates an *Error for the given key.
func Errorf(key, format string, args ...interface{}) error {
	return &Error{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// IsError checks if err is or wraps an *Error.
func IsError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

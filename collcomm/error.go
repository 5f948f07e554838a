package collcomm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error reports a failed collective operation.
//
// A collective that fails mid-operation leaves the group
// in an unknown state, so an Error is always fatal to the
// training step that issued it.
type Error struct {
	Group string
	Rank  int
	Op    int64
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("collective %d in group %q failed at rank %d: %v", e.Op, e.Group, e.Rank, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsError checks if err is or wraps an *Error.
func IsError(err error) bool {
	var commErr *Error
	return errors.As(err, &commErr)
}

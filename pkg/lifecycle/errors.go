package lifecycle

import (
	"fmt"
)

// ValidationError rejects a malformed ping before any writes happen.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// DuplicateRunError rejects a ping against an already-completed test run.
// Configuration-tree writes performed before the check are kept; only the
// run document itself is protected from regression.
type DuplicateRunError struct {
	TestRunID string
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf(
		"test run %s is already completed", e.TestRunID,
	)
}

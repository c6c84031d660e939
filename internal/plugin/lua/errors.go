package lua

import (
	"errors"
	"fmt"
)

// Lua runtime errors.
var (
	// ErrStateClosed is returned when using a closed Lua state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNotAFunction is returned when calling a value that is not a function.
	ErrNotAFunction = errors.New("value is not a function")

	// ErrNoModuleTable is returned when a plugin chunk does not return a table.
	ErrNoModuleTable = errors.New("plugin entry file must return a module table")
)

// ValidationError reports the first field of a plugin module that violates
// the plugin contract.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plugin contract violation at %s: %s", e.Field, e.Reason)
}

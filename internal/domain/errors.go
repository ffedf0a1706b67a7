package domain

import "fmt"

// ValidationError rejects malformed deploy input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

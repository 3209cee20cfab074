package custom_errors

import (
	"errors"
	"fmt"
)

// ValidationError collects every problem found while validating a value so
// callers can report them together instead of failing on the first one.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (c *ValidationError) Add(err error) {
	if err == nil {
		return
	}
	c.Errors = append(c.Errors, err)
}

// Addf records a formatted validation failure.
func (c *ValidationError) Addf(format string, args ...any) {
	c.Errors = append(c.Errors, fmt.Errorf(format, args...))
}

func (c *ValidationError) HasError() bool {
	return len(c.Errors) > 0
}

// ErrOrNil returns c when it holds at least one error and nil otherwise.
func (c *ValidationError) ErrOrNil() error {
	if c.HasError() {
		return c
	}
	return nil
}

func (c *ValidationError) Unwrap() []error {
	return c.Errors
}

func (c *ValidationError) Error() string {
	if len(c.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("validation failed: %v", errors.Join(c.Errors...))
}

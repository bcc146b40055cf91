package nn

import "fmt"

// ShapeError reports a tensor whose dimensions do not match what an operation expects.
type ShapeError struct {
	Op       string
	Expected []int
	Got      []int
	Reason   string
}

func (e *ShapeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: shape error: %s (got %v)", e.Op, e.Reason, e.Got)
	}
	return fmt.Sprintf("%s: shape error: expected %v, got %v", e.Op, e.Expected, e.Got)
}

// ConfigError reports an invalid layer or network configuration. It is returned by constructors
// so that a bad configuration fails before any inference is attempted.
type ConfigError struct {
	Component string
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: invalid configuration: %s", e.Component, e.Reason)
}

func shapeErr(op string, expected, got []int) error {
	return &ShapeError{Op: op, Expected: expected, Got: got}
}

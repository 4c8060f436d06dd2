package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

var ErrNilInput = errors.New("workflow input is nil")

// TypeNotFoundError is the extraction miss: a step input or the final
// return value could not be resolved from memory.
type TypeNotFoundError struct {
	Type reflect.Type
}

func (e *TypeNotFoundError) Error() string {
	return fmt.Sprintf("type %s not found in workflow memory", e.Type)
}

// ConfigurationError marks misuse of the engine itself, surfaced at the
// point of the bad call rather than deferred.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("workflow configuration error: %s", e.Reason)
}

// PanicError wraps a fault recovered inside the railway adapter.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step panicked: %v", e.Value)
}

// StepError ties a failure to the step that produced it. Unwrap preserves
// the original error for errors.Is / errors.As at the caller.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsCancellation distinguishes the cancellation signal from business
// failure; it is never retried or folded into a failure value.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

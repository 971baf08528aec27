package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides how the runner treats a stage failure.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassTransient  ErrorClass = "transient"
	ClassPermanent  ErrorClass = "permanent"
	ClassCancelled  ErrorClass = "cancelled"
)

// Retryable reports whether the runner may attempt the stage again.
func (c ErrorClass) Retryable() bool { return c == ClassTransient }

// ErrCancelled marks a stage stopped by its cancel signal.
var ErrCancelled = errors.New("agent cancelled")

// AgentError attaches a class to a stage failure.
type AgentError struct {
	Class ErrorClass
	Err   error
}

func (e *AgentError) Error() string {
	if e.Err == nil {
		return string(e.Class) + " agent error"
	}
	return e.Err.Error()
}

func (e *AgentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable (network, rate limit, timeout).
func Transient(err error) error { return &AgentError{Class: ClassTransient, Err: err} }

// Permanent wraps err as an unrecoverable stage fault.
func Permanent(err error) error { return &AgentError{Class: ClassPermanent, Err: err} }

// Invalid wraps err as an input the stage cannot consume.
func Invalid(err error) error { return &AgentError{Class: ClassValidation, Err: err} }

// ClassOf classifies err. Unclassified errors are treated as transient.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Class
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassTransient
}

// ValidationError reports bad submit input. Such requests are never admitted.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid analysis request: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is wrapped by every request validation failure.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrInfeasible means the request cannot fit in the model's context
	// window. It is reported before any forward computation.
	ErrInfeasible = errors.New("infeasible generation request")
	// ErrPrecondition marks an integration bug: a broken cache or model
	// contract. It is never retried.
	ErrPrecondition = errors.New("precondition violated")
	ErrCacheCorrupt = fmt.Errorf("%w: attention cache out of step", ErrPrecondition)
)

type invalidRequestError struct {
	field string
	msg   string
}

func (e invalidRequestError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidRequest, e.field, e.msg)
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(field, format string, args ...any) error {
	return invalidRequestError{field: field, msg: fmt.Sprintf(format, args...)}
}

// InfeasibleError carries the lengths that did not fit.
type InfeasibleError struct {
	ContextLength      int
	MaxGeneratedLength int
	MaxSeqLen          int
}

func (e *InfeasibleError) Error() string {
	if e.MaxGeneratedLength == Unbounded {
		return fmt.Sprintf("%s: context_length %d > max_seq_len %d",
			ErrInfeasible, e.ContextLength, e.MaxSeqLen)
	}
	return fmt.Sprintf("%s: context_length %d + max_generated_length %d > max_seq_len %d",
		ErrInfeasible, e.ContextLength, e.MaxGeneratedLength, e.MaxSeqLen)
}

func (e *InfeasibleError) Unwrap() error {
	return ErrInfeasible
}

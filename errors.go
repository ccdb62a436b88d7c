package agentguard

import (
	"errors"
	"fmt"
)

// Sentinel errors for common coordination failures.
// These errors can be used with errors.Is() for error checking.
var (
	// ErrAgentNotFound indicates a request, release, or query referenced an
	// unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrResourceNotFound indicates an unknown resource type id.
	ErrResourceNotFound = errors.New("resource type not found")

	// ErrAgentAlreadyRegistered indicates a caller-supplied agent id is
	// already in use. The default registration path assigns fresh ids and
	// never returns this.
	ErrAgentAlreadyRegistered = errors.New("agent already registered")

	// ErrMaxClaimExceeded indicates a static-mode request would push the
	// agent's allocation past its declared maximum need.
	ErrMaxClaimExceeded = errors.New("request exceeds declared max claim")

	// ErrCapacityExceeded indicates a single request exceeds the resource's
	// total capacity, independent of current allocation.
	ErrCapacityExceeded = errors.New("request exceeds total capacity")

	// ErrQueueFull indicates the pending-request queue is saturated.
	ErrQueueFull = errors.New("request queue is full")

	// ErrInvalidCapacity indicates a resource was constructed with negative
	// capacity.
	ErrInvalidCapacity = errors.New("resource capacity must be non-negative")

	// ErrLimitReached indicates the configured cap on registered agents or
	// resource types was hit.
	ErrLimitReached = errors.New("registration limit reached")
)

// Error kinds categorize errors by their type.
const (
	// KindNotFound represents errors where an agent or resource was not found.
	KindNotFound = "not_found"

	// KindValidation represents errors related to input validation.
	KindValidation = "validation"

	// KindCapacity represents errors related to capacity or claim limits.
	KindCapacity = "capacity"

	// KindQueue represents errors related to the request queue.
	KindQueue = "queue"

	// KindTimeout represents errors related to operation timeouts.
	KindTimeout = "timeout"

	// KindInternal represents internal coordination errors.
	KindInternal = "internal"
)

// GuardError is a structured error type that wraps underlying errors with
// the operation that failed and the category of failure.
//
// GuardError implements the error interface and supports error unwrapping,
// making it compatible with errors.Is() and errors.As().
type GuardError struct {
	// Op is the operation that failed (e.g. "Manager.RequestResources").
	Op string

	// Kind categorizes the error (e.g. KindNotFound, KindCapacity).
	Kind string

	// Err is the underlying error that caused this error.
	Err error

	// Context provides additional debugging information (optional), such
	// as the agent id or requested quantity.
	Context map[string]any
}

// Error implements the error interface.
func (e *GuardError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("agentguard: %s: %s", e.Op, e.Kind)
	}
	if len(e.Context) > 0 {
		return fmt.Sprintf("agentguard: %s (%s): %v [context: %+v]", e.Op, e.Kind, e.Err, e.Context)
	}
	return fmt.Sprintf("agentguard: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error, allowing errors.Is() and errors.As()
// to work correctly with wrapped errors.
func (e *GuardError) Unwrap() error {
	return e.Err
}

// Is matches either another GuardError by Kind (and Op when the target sets
// one) or the underlying error chain.
func (e *GuardError) Is(target error) bool {
	if target == nil {
		return false
	}
	if t, ok := target.(*GuardError); ok {
		if t.Kind != "" && e.Kind == t.Kind {
			if t.Op == "" || e.Op == t.Op {
				return true
			}
		}
	}
	return errors.Is(e.Err, target)
}

// WithContext returns a copy of the error with the provided context merged in.
func (e *GuardError) WithContext(ctx map[string]any) *GuardError {
	out := *e
	out.Context = make(map[string]any, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		out.Context[k] = v
	}
	for k, v := range ctx {
		out.Context[k] = v
	}
	return &out
}

// NewNotFoundError creates a GuardError with KindNotFound.
func NewNotFoundError(op string, err error) *GuardError {
	return &GuardError{Op: op, Kind: KindNotFound, Err: err}
}

// NewValidationError creates a GuardError with KindValidation.
func NewValidationError(op string, err error) *GuardError {
	return &GuardError{Op: op, Kind: KindValidation, Err: err}
}

// NewCapacityError creates a GuardError with KindCapacity.
func NewCapacityError(op string, err error) *GuardError {
	return &GuardError{Op: op, Kind: KindCapacity, Err: err}
}

// NewQueueError creates a GuardError with KindQueue.
func NewQueueError(op string, err error) *GuardError {
	return &GuardError{Op: op, Kind: KindQueue, Err: err}
}

// NewTimeoutError creates a GuardError with KindTimeout.
func NewTimeoutError(op string, err error) *GuardError {
	return &GuardError{Op: op, Kind: KindTimeout, Err: err}
}

// NewInternalError creates a GuardError with KindInternal.
func NewInternalError(op string, err error) *GuardError {
	return &GuardError{Op: op, Kind: KindInternal, Err: err}
}

package domain

import "errors"

var (
	// ErrWorkItemNotFound is returned when a work item cannot be found in the database
	ErrWorkItemNotFound = errors.New("work item not found")

	// ErrWorkItemNotPending is returned when claiming or discarding a work item that left the pending state
	ErrWorkItemNotPending = errors.New("work item not in pending status")

	// ErrWorkItemNotProcessing is returned when finishing an attempt on a work item that is not claimed
	ErrWorkItemNotProcessing = errors.New("work item not in processing status")

	// ErrWorkItemTerminal is returned when transitioning a work item that is already resolved or failed
	ErrWorkItemTerminal = errors.New("work item already resolved or failed")

	// ErrInvalidWorkItem is returned when a work item cannot be processed as written
	ErrInvalidWorkItem = errors.New("invalid work item")

	// ErrUnknownAuditType is returned when a work item carries an audit type outside the supported set
	ErrUnknownAuditType = errors.New("unknown audit type")

	// ErrUnknownInvariant is returned when a work item restricts the audit to an invariant that is not registered
	ErrUnknownInvariant = errors.New("unknown invariant")

	// ErrUnsupportedEntityType is returned for entity types no auditor can load
	ErrUnsupportedEntityType = errors.New("unsupported entity type")

	// ErrEntityNotFound is returned when the audited entity does not exist
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEntityBusy is returned when another audit holds the entity lease
	ErrEntityBusy = errors.New("entity is being audited by another worker")

	// ErrLeaseHeld is returned by lease managers when the key is already leased
	ErrLeaseHeld = errors.New("lease already held")

	// ErrInvalidCursor is returned when a pagination cursor cannot be decoded
	ErrInvalidCursor = errors.New("invalid cursor")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is wrapped in a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// Package apierr defines the error kinds shared across the control plane.
// Jobs and the HTTP layer dispatch on these kinds: NotFound maps to 404,
// ValidationError to 400, LockUnavailable to "skip this cycle".
package apierr

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a requested group or instance does not exist.
// Fatal inside a job, 404 at the API edge.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// NewNotFound creates a NotFoundError for the given resource.
func NewNotFound(kind, name string) *NotFoundError {
	return &NotFoundError{Kind: kind, Name: name}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ValidationError indicates an invalid request, such as a desired-count
// combination violating min <= desired <= max.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// NewValidation creates a ValidationError with the given reason.
func NewValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrLockUnavailable is returned when a distributed lock could not be
// acquired. Transient: the caller skips the current cycle and the next
// producer interval retries.
var ErrLockUnavailable = errors.New("lock unavailable")

// IsLockUnavailable returns true if the error indicates lock contention.
func IsLockUnavailable(err error) bool {
	return errors.Is(err, ErrLockUnavailable)
}

// CloudError wraps a provider failure surfaced after the adapter's own
// retries. A partial scale-up (fewer launches than requested) is a
// CloudError too: the job fails and the next cycle retries.
type CloudError struct {
	Cloud string
	Op    string
	Err   error
}

func (e *CloudError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cloud %s: %s: %v", e.Cloud, e.Op, e.Err)
	}
	return fmt.Sprintf("cloud %s: %s", e.Cloud, e.Op)
}

func (e *CloudError) Unwrap() error { return e.Err }

// NewCloudError creates a CloudError.
func NewCloudError(cloud, op string, err error) *CloudError {
	return &CloudError{Cloud: cloud, Op: op, Err: err}
}

// IsCloudError returns true if the error is a CloudError.
func IsCloudError(err error) bool {
	var ce *CloudError
	return errors.As(err, &ce)
}

// ThrottledError indicates the untracked-instance throttle refused a
// scale-up pass. Same disposition as CloudError, kept distinct so the
// two show up separately in logs and metrics.
type ThrottledError struct {
	Group     string
	Untracked int
	Threshold int
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("group %s throttled: %d untracked instances >= threshold %d",
		e.Group, e.Untracked, e.Threshold)
}

// IsThrottled returns true if the error is a ThrottledError.
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}

// StoreError wraps an underlying KV failure.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a StoreError.
func NewStoreError(op, key string, err error) *StoreError {
	return &StoreError{Op: op, Key: key, Err: err}
}

// IsStoreError returns true if the error is a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

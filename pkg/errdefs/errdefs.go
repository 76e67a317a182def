// Package errdefs defines the typed error kinds surfaced by the
// orchestration core. Domain sentinels wrap the base classes from
// github.com/containerd/errdefs so that callers can classify with
// errors.Is at either granularity: a caller may match ErrTerminalJob
// exactly, or match errdefs.IsConflict to treat every conflict alike.
//
// Classification replaces string matching everywhere: retry and
// circuit-breaker decisions are driven by IsTransient, never by
// inspecting error text.
package errdefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Validation errors. Non-retryable, surfaced directly to the caller.
var (
	ErrInvalidArgument = errdefs.ErrInvalidArgument
	ErrMissingField    = fmt.Errorf("missing field: %w", errdefs.ErrInvalidArgument)
)

// Authentication and authorization errors. The owning session is aborted.
var (
	ErrInvalidToken       = fmt.Errorf("invalid token: %w", errdefs.ErrPermissionDenied)
	ErrCertificateExpired = fmt.Errorf("certificate expired: %w", errdefs.ErrPermissionDenied)
	ErrCertificateRevoked = fmt.Errorf("certificate revoked: %w", errdefs.ErrPermissionDenied)
	ErrNodeBlocked        = fmt.Errorf("node blocked: %w", errdefs.ErrPermissionDenied)
	ErrBootstrapDisabled  = fmt.Errorf("bootstrap enrollment disabled: %w", errdefs.ErrPermissionDenied)
	ErrInvalidSignature   = fmt.Errorf("invalid signature: %w", errdefs.ErrPermissionDenied)
)

// State errors. Non-retryable at the core boundary.
var (
	ErrIllegalTransition = fmt.Errorf("illegal transition: %w", errdefs.ErrConflict)
	ErrTerminalJob       = fmt.Errorf("job is terminal: %w", errdefs.ErrConflict)
	ErrUnknownJob        = fmt.Errorf("unknown job: %w", errdefs.ErrNotFound)
	ErrUnknownAgent      = fmt.Errorf("unknown agent: %w", errdefs.ErrNotFound)
	ErrUnknownEnrollment = fmt.Errorf("unknown enrollment: %w", errdefs.ErrNotFound)
)

// Capacity errors. Handled inside the dispatcher; jobs stay Pending and
// are retried on the next tick. Never surfaced to submitters.
var (
	ErrQueueFull       = fmt.Errorf("agent queue full: %w", errdefs.ErrResourceExhausted)
	ErrNoEligibleAgent = fmt.Errorf("no eligible agent: %w", errdefs.ErrUnavailable)
)

// Transient I/O errors. Retried by the resilience wrapper subject to the
// circuit breaker.
var (
	ErrTransportClosed = fmt.Errorf("transport closed: %w", errdefs.ErrUnavailable)
	ErrTimeout         = fmt.Errorf("operation timed out: %w", context.DeadlineExceeded)
)

// Fatal configuration and key-store errors. Startup refuses on these.
var (
	ErrConfigInvalid       = fmt.Errorf("invalid configuration: %w", errdefs.ErrInvalidArgument)
	ErrKeyStoreUnavailable = fmt.Errorf("key store unavailable: %w", errdefs.ErrUnavailable)
)

// IsTransient reports whether an operation that returned err may be
// retried. Unavailable and deadline-exceeded classes are transient;
// everything else short-circuits.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errdefs.IsUnavailable(err) || errdefs.IsDeadlineExceeded(err)
}

// IsNotFound reports whether err is a not-found class error.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// IsConflict reports whether err is a conflict class error.
func IsConflict(err error) bool {
	return errdefs.IsConflict(err)
}

// IsPermissionDenied reports whether err is an auth class error.
func IsPermissionDenied(err error) bool {
	return errdefs.IsPermissionDenied(err)
}

// IsInvalidArgument reports whether err is a validation class error.
func IsInvalidArgument(err error) bool {
	return errdefs.IsInvalidArgument(err)
}

// Is is re-exported for callers matching domain sentinels directly.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

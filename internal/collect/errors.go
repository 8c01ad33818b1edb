package collect

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors surfaced across package boundaries.
var (
	// ErrNotFound is returned by stores when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRateLimitExceeded marks a task attempt that waited out its bounded
	// queue time at the per-job limiter. Retryable.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrTargetInactive marks a task whose complex was deactivated between run
	// creation and execution. The task is skipped.
	ErrTargetInactive = errors.New("target inactive")
	// ErrRunFinalized rejects task updates against a run in a terminal state.
	ErrRunFinalized = errors.New("run already finalized")
	// ErrCancelled marks work abandoned because its run was cancelled.
	ErrCancelled = errors.New("run cancelled")
)

// ValidationError rejects a bad job/complex/request spec synchronously;
// nothing is persisted when it is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NoTargetsError is returned when target resolution yields zero entities.
// The run is not created.
type NoTargetsError struct {
	Scope string
}

func (e *NoTargetsError) Error() string {
	return fmt.Sprintf("no active targets resolved for %s", e.Scope)
}

// UpstreamFetchError wraps a failure talking to an external data source.
// Temporary failures (timeouts, 5xx, upstream throttling) are retried up to
// the configured ceiling.
type UpstreamFetchError struct {
	Source     string
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch failed (status %d): %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch failed: %v", e.Source, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// Retryable reports whether a task error warrants a retry transition rather
// than a terminal failure. Context cancellation is never retryable here; the
// executor separately distinguishes run cancellation from attempt timeouts.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimitExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var upstream *UpstreamFetchError
	if errors.As(err, &upstream) {
		return upstream.Temporary
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Values recorded in the error_type column and surfaced to polling clients.
const (
	ErrorTypeRateLimit      = "rate_limit"
	ErrorTypeTargetInactive = "target_inactive"
	ErrorTypeCancelled      = "cancelled"
	ErrorTypeTimeout        = "timeout"
	ErrorTypeUpstreamFetch  = "upstream_fetch"
	ErrorTypeValidation     = "validation"
	ErrorTypeStale          = "stale"
	ErrorTypeInternal       = "internal"
)

// ErrorType maps a task error onto the error_type column recorded on the
// task row and surfaced to polling clients.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimitExceeded):
		return ErrorTypeRateLimit
	case errors.Is(err, ErrTargetInactive):
		return ErrorTypeTargetInactive
	case errors.Is(err, ErrCancelled):
		return ErrorTypeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	default:
		var upstream *UpstreamFetchError
		if errors.As(err, &upstream) {
			return ErrorTypeUpstreamFetch
		}
		var validation *ValidationError
		if errors.As(err, &validation) {
			return ErrorTypeValidation
		}
		return ErrorTypeInternal
	}
}

package errors

import "maps"

// ErrorCategory routes an error to the subsystem it belongs to.
type ErrorCategory string

const (
	// CategoryConfig covers user-facing configuration and input errors.
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"

	// CategoryStore covers persistence errors.
	CategoryStore ErrorCategory = "store"

	// CategoryScheduler, CategoryDispatch and CategoryBuild cover the
	// change-to-build pipeline.
	CategoryScheduler ErrorCategory = "scheduler"
	CategoryDispatch  ErrorCategory = "dispatch"
	CategoryBuild     ErrorCategory = "build"

	// CategoryWorker covers worker transport and session errors.
	CategoryWorker ErrorCategory = "worker"

	// CategoryMQ covers message queue errors.
	CategoryMQ ErrorCategory = "mq"

	// CategorySecrets covers secret resolution errors.
	CategorySecrets ErrorCategory = "secrets"

	// CategoryRuntime and CategoryInternal cover infrastructure and
	// invariant violations.
	CategoryRuntime  ErrorCategory = "runtime"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution completely
	SeverityError   ErrorSeverity = "error"   // Fails the current operation
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// RetryStrategy indicates how an error should be handled in retry scenarios.
type RetryStrategy string

const (
	RetryNever      RetryStrategy = "never"     // Permanent failure, don't retry
	RetryImmediate  RetryStrategy = "immediate" // Retry immediately
	RetryBackoff    RetryStrategy = "backoff"   // Retry with backoff
	RetryUserAction RetryStrategy = "user"      // Requires user intervention
)

// ErrorContext provides structured context for errors.
type ErrorContext map[string]any

// Set adds or updates a context value.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	c[key] = value
	return c
}

// Get retrieves a context value.
func (c ErrorContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	value, exists := c[key]
	return value, exists
}

// Merge combines another context into this one, the other side winning on
// key conflicts.
func (c ErrorContext) Merge(other ErrorContext) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	maps.Copy(c, other)
	return c
}

package errors

// Error codes for categorizing errors.
// These codes map to HTTP status codes where the gateway surfaces them.
const (
	// CodeOK indicates success (not an error).
	CodeOK = "OK"

	// CodeCancelled indicates the operation was cancelled.
	CodeCancelled = "CANCELLED"

	// CodeInvalidArgument indicates client specified an invalid argument.
	CodeInvalidArgument = "INVALID_ARGUMENT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound = "NOT_FOUND"

	// CodeInternal indicates internal errors.
	CodeInternal = "INTERNAL"

	// CodeUnavailable indicates the service is currently unavailable.
	CodeUnavailable = "UNAVAILABLE"

	// Domain-specific error codes

	// CodeValidation indicates input validation failed.
	CodeValidation = "VALIDATION_ERROR"

	// CodeTimeout indicates an operation timed out.
	CodeTimeout = "TIMEOUT"

	// CodeRateLimit indicates rate limit was exceeded.
	CodeRateLimit = "RATE_LIMIT_EXCEEDED"

	// CodeServiceUnavailable indicates a change feed source is unavailable.
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// CodeDatabaseError indicates a database operation failed.
	CodeDatabaseError = "DATABASE_ERROR"

	// CodeNetworkError indicates a network operation failed.
	CodeNetworkError = "NETWORK_ERROR"

	// CodeConfigError indicates a configuration error.
	CodeConfigError = "CONFIG_ERROR"

	// CodeSerializationError indicates a change document could not be decoded or encoded.
	CodeSerializationError = "SERIALIZATION_ERROR"
)

// IsRetryable returns true if an error with the given code should be retried.
func IsRetryable(code string) bool {
	switch code {
	case CodeTimeout, CodeServiceUnavailable, CodeUnavailable,
		CodeNetworkError, CodeDatabaseError:
		return true
	default:
		return false
	}
}

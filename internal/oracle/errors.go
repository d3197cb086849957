package oracle

import "errors"

// Error taxonomy for the oracle boundary. The guard's retry policy keys off
// these sentinels: only ErrUnavailable is retryable.
var (
	// ErrUnavailable indicates a connection failure, timeout, or server
	// error. Transient; the guard retries it.
	ErrUnavailable = errors.New("embedding oracle unavailable")

	// ErrInvalidInput indicates the oracle rejected the request (client
	// error). Never retried.
	ErrInvalidInput = errors.New("invalid oracle input")

	// ErrMalformedResponse indicates the oracle answered but the response
	// was missing or malformed fields. Never retried.
	ErrMalformedResponse = errors.New("malformed oracle response")
)

// Retryable reports whether err is worth retrying under the guard's policy.
// Validation and malformed-response errors are deterministic; circuit-open
// is already the breaker's verdict on the dependency.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return true
}

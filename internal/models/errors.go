package models

// Attempt reason codes recorded on failed attempts. The retry decider treats
// NON_RETRYABLE as an immediate DLQ transition; everything else retries until
// max_attempts.
const (
	ReasonTimeout      = "TIMEOUT"
	ReasonNonRetryable = "NON_RETRYABLE"
	ReasonHTTPError    = "HTTP_ERROR"
	ReasonDBError      = "DB_ERROR"
	ReasonBadPayload   = "BAD_PAYLOAD"
	ReasonUnknown      = "UNKNOWN"
)

// Error codes surfaced on attempts or HTTP responses.
const (
	ErrCodeLeaseExpired   = "LEASE_EXPIRED"
	ErrCodeUnknownJobType = "UNKNOWN_JOB_TYPE"
	ErrCodePanic          = "PANIC"
)

// SuggestedAction maps the last attempt reason code to an operator hint used
// by the explain endpoint.
func SuggestedAction(reasonCode string) string {
	switch reasonCode {
	case ReasonTimeout:
		return "Increase the handler timeout or reduce payload/work. Check downstream latency and retries."
	case ReasonNonRetryable:
		return "Non-retryable. Fix the producer or the handler, then replay the job."
	case ReasonHTTPError:
		return "Back off. Check the upstream service, respect Retry-After, lower concurrency."
	case ReasonDBError:
		return "Retry is OK. Reduce lock contention: consistent row ordering, smaller transactions."
	case ReasonBadPayload:
		return "Non-retryable. Validate the payload schema/fields. Fix the producer or add a transform step."
	default:
		return "Inspect error_message and logs. Decide if retryable; add a mapping once understood."
	}
}

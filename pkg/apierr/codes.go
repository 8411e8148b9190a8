// Package apierr defines the stable error taxonomy presented to
// clients at the API boundary.
package apierr

// Code is one of the stable, wire-visible error identifiers.
type Code string

const (
	Unauthorized       Code = "unauthorized"
	UnknownClient      Code = "unknown_client"
	DuplicateClient    Code = "duplicate_client"
	NoAssignment       Code = "no_assignment"
	RoundNotCollecting Code = "round_not_collecting"
	RateLimited        Code = "rate_limited"
	DuplicateUpdate    Code = "duplicate_update"
	MalformedDelta     Code = "malformed_delta"
	InvalidValues      Code = "invalid_values"
	UnknownRound       Code = "unknown_round"
	UnknownVersion     Code = "unknown_version"
	NotReady           Code = "not_ready"
	AggregationFailed  Code = "aggregation_failed"
	NoTaskAvailable    Code = "no_task_available"
	InternalError      Code = "internal_error"
)

// Error pairs a stable Code with a human-readable message. The message
// is for operator logs and debugging; only Code is a wire contract.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

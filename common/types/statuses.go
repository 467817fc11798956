package types

// RequestStatus represents the lifecycle state of a transfer request.
type RequestStatus string

const (
	// StatusReceived is the status of a request on intake, before validation.
	StatusReceived RequestStatus = "RECEIVED"
	// StatusValidated is the status of a request that passed all admission checks.
	StatusValidated RequestStatus = "VALIDATED"
	// StatusRejected is the status of a request that failed an admission check.
	StatusRejected RequestStatus = "REJECTED"
	// StatusPending is the status of an admitted request awaiting submission.
	StatusPending RequestStatus = "PENDING"
	// StatusSubmitting is the status of a request holding a reserved signing nonce.
	StatusSubmitting RequestStatus = "SUBMITTING"
	// StatusSubmitted is the status of a request whose transaction is in the chain's pending pool.
	StatusSubmitted RequestStatus = "SUBMITTED"
	// StatusConfirmed is the terminal status of a request finalized on-chain.
	StatusConfirmed RequestStatus = "CONFIRMED"
	// StatusFailed is the terminal status of a request that can no longer progress.
	StatusFailed RequestStatus = "FAILED"
)

// IsTerminal reports whether the status permits no further transitions.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// validTransitions encodes the request state machine:
// RECEIVED -> {VALIDATED -> PENDING | REJECTED};
// PENDING -> SUBMITTING; SUBMITTING -> {SUBMITTED | PENDING | FAILED};
// SUBMITTED -> {CONFIRMED | FAILED | PENDING}.
var validTransitions = map[RequestStatus][]RequestStatus{
	StatusReceived:   {StatusValidated, StatusRejected},
	StatusValidated:  {StatusPending},
	StatusPending:    {StatusSubmitting},
	StatusSubmitting: {StatusSubmitted, StatusPending, StatusFailed},
	StatusSubmitted:  {StatusConfirmed, StatusFailed, StatusPending},
}

// CanTransition reports whether moving a request from one status to
// another is a legal state machine transition.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

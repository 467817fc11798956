package store

import (
	"context"

	"github.com/AlwinBrauns/servicenode/common/types"
)

// StateStore is the durable record of bids and transfer requests and the
// single source of truth for their lifecycle state. All cross-component
// coordination happens through compare-and-set style transitions on a
// request's status, so a crash mid-operation leaves the record in a
// well-defined, resumable state.
//
// Every transition method is atomic and durable. Transition methods fail
// with errors.ErrInvalidTransition when the record is not in the expected
// source state, which is how concurrent writers lose a race safely.
type StateStore interface {
	// PutBid stores a bid and makes it the current bid for its route,
	// superseding (but not deleting) the previous current bid.
	PutBid(ctx context.Context, bid *types.Bid) error

	// CurrentBid returns the current bid for the route.
	// Fails with errors.ErrBidNotFound if no bid was ever issued for it.
	CurrentBid(ctx context.Context, route types.Route) (*types.Bid, error)

	// GetBid returns a bid by its ID, whether current or superseded.
	// Fails with errors.ErrBidNotFound if unknown.
	GetBid(ctx context.Context, id string) (*types.Bid, error)

	// CreateRequest persists a new request if no request with the same
	// RequestID exists. On a duplicate it returns the existing record and
	// created = false; two concurrent creations of the same RequestID yield
	// exactly one winner and the loser observes the winner's record.
	CreateRequest(ctx context.Context, request *types.TransferRequest) (stored *types.TransferRequest, created bool, err error)

	// GetRequest returns a request by its ID.
	// Fails with errors.ErrRequestNotFound if unknown.
	GetRequest(ctx context.Context, id string) (*types.TransferRequest, error)

	// SenderNonceUsed reports whether the sender already used the given
	// protocol nonce in a request other than excludeRequestID.
	SenderNonceUsed(ctx context.Context, sender string, nonce uint64, excludeRequestID string) (bool, error)

	// OldestPending returns the oldest PENDING request, FIFO by admission
	// time with ties broken by RequestID, or nil if none is pending.
	OldestPending(ctx context.Context) (*types.TransferRequest, error)

	// RequestsInStatus returns all requests currently in the given status.
	RequestsInStatus(ctx context.Context, status types.RequestStatus) ([]*types.TransferRequest, error)

	// ReserveNonce transitions a request PENDING -> SUBMITTING and assigns
	// the next signing nonce as a single durable operation. A request that
	// kept its nonce from a dropped submission is re-assigned that same
	// nonce; otherwise the nonce counter advances. Nonce assignment is
	// strictly monotonic and never hands the same nonce to two requests.
	ReserveNonce(ctx context.Context, id string) (uint64, error)

	// MarkSubmitted transitions a request SUBMITTING -> SUBMITTED and
	// records the broadcast transaction hash.
	MarkSubmitted(ctx context.Context, id string, txHash string) error

	// ReleaseForRetry transitions a request SUBMITTING -> PENDING after a
	// recoverable submission error. The nonce reservation is released back
	// for reassignment and the retry counter is incremented.
	ReleaseForRetry(ctx context.Context, id string, reason string) (*types.TransferRequest, error)

	// RequeueSubmitted transitions a request SUBMITTED -> PENDING after its
	// transaction was observed dropped. With keepNonce the request retains
	// its assigned nonce and is resubmitted with it; otherwise the nonce is
	// recorded consumed-and-voided and a fresh one is reserved later.
	RequeueSubmitted(ctx context.Context, id string, keepNonce bool, reason string) error

	// MarkConfirmed transitions a request SUBMITTED -> CONFIRMED (terminal).
	MarkConfirmed(ctx context.Context, id string) error

	// MarkFailed transitions a request SUBMITTING/SUBMITTED -> FAILED
	// (terminal). With voidNonce a held nonce is recorded
	// consumed-and-voided so the scheduler never reassigns it; without it
	// the reservation is released back (used when nothing was broadcast).
	MarkFailed(ctx context.Context, id string, reason string, voidNonce bool) error

	// ReopenFailed transitions a request FAILED -> PENDING. This is the one
	// sanctioned exception to terminal immutability: a client-initiated
	// retry revalidated by the RequestValidator. The retry counter and
	// failure reason are reset; voided nonces stay voided.
	ReopenFailed(ctx context.Context, id string) error

	// NextNonce returns the next signing nonce the scheduler would assign.
	NextNonce(ctx context.Context) (uint64, error)

	// SetNextNonce overrides the nonce counter. Used only by startup
	// reconciliation against the chain's account nonce.
	SetNextNonce(ctx context.Context, nonce uint64) error

	// VoidedNonces returns the nonces recorded consumed-and-voided.
	VoidedNonces(ctx context.Context) ([]uint64, error)

	// Close releases the underlying storage resources.
	Close() error
}

package errors

import "github.com/pkg/errors"

// Admission errors are reported synchronously to the caller and never
// retried automatically.
var (
	ErrMalformedRequest = errors.New("malformed transfer request")
	ErrInvalidSignature = errors.New("client signature does not verify against sender address")
	ErrAlreadyFailed    = errors.New("request with this id already failed")
	ErrSenderNonceUsed  = errors.New("sender nonce is not unique")
	ErrBidNotFound      = errors.New("referenced bid not found")
	ErrBidExpired       = errors.New("referenced bid is outside its validity window")
	ErrAmountOutOfRange = errors.New("amount is outside the configured bounds for the route")
	ErrUnsupportedRoute = errors.New("route is not supported by this service node")
)

// Pipeline errors.
var (
	ErrExhaustedRetries  = errors.New("submission retry limit exhausted")
	ErrOnChainRevert     = errors.New("transaction reverted on-chain")
	ErrRequestNotFound   = errors.New("request not found")
	ErrInvalidTransition = errors.New("invalid request state transition")
	ErrNonceConflict     = errors.New("request holds no valid nonce reservation")
	ErrDatabaseConnect   = errors.New("failed to connect to database")
)

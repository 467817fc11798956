package validator

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/AlwinBrauns/servicenode/metrics"
	"github.com/AlwinBrauns/servicenode/signer"
	"github.com/AlwinBrauns/servicenode/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RouteTable exposes the static route support table the validator checks
// admitted amounts against. Implemented by the bid engine.
type RouteTable interface {
	RouteLimits(route types.Route) (min *big.Int, max *big.Int, ok bool)
}

// Validator verifies inbound signed transfer requests against previously
// issued bids and admits them into the state store. Admission is the
// system's sole defense against replay and stale-price exploitation.
type Validator struct {
	store  store.StateStore
	routes RouteTable
	logger *logrus.Logger
}

// New creates a request validator.
//
// Parameters:
// - stateStore: the store admitted requests are persisted to.
// - routes: the route support table with amount bounds.
// - logger: the logger for logging events.
//
// Returns:
// - *Validator: the new validator instance.
func New(stateStore store.StateStore, routes RouteTable, logger *logrus.Logger) *Validator {
	return &Validator{
		store:  stateStore,
		routes: routes,
		logger: logger,
	}
}

// Admit validates an inbound raw request and persists it as PENDING.
//
// The checks run in a fixed order and the first failing check is the
// rejection reason: structure, client signature, duplicate request ID,
// sender nonce uniqueness, referenced bid validity, amount bounds.
// A duplicate of a live or confirmed request returns the existing record
// unchanged, which makes resubmission idempotent. Rejected requests are
// never persisted.
//
// Parameters:
// - ctx: the context for managing the request.
// - raw: the inbound request as received from the intake layer.
//
// Returns:
// - *types.TransferRequest: the admitted (or previously admitted) record.
// - error: the rejection reason, wrapping one of the admission sentinels.
func (v *Validator) Admit(ctx context.Context, raw *types.RawTransferRequest) (*types.TransferRequest, error) {
	request, err := v.admit(ctx, raw)
	if err != nil {
		metrics.RequestsRejected.WithLabelValues(rejectionLabel(err)).Inc()

		v.logger.WithFields(logrus.Fields{
			"sender": raw.SenderAddress,
			"nonce":  raw.Nonce,
		}).WithError(err).Warn("Transfer request rejected")

		return nil, err
	}

	return request, nil
}

func (v *Validator) admit(ctx context.Context, raw *types.RawTransferRequest) (*types.TransferRequest, error) {
	// 1. Structural well-formedness, no expensive computations yet.
	request, err := parseRequest(raw)
	if err != nil {
		return nil, err
	}

	// 2. The client signature must recover to the sender over the exact
	// payload bytes.
	recovered, err := signer.RecoverSigner(request.SigningPayload(), request.ClientSignature)
	if err != nil || !strings.EqualFold(recovered.Hex(), request.Sender) {
		return nil, errors.Wrapf(commonerrors.ErrInvalidSignature, "sender %s", request.Sender)
	}

	// 3. Idempotent duplicate detection by request ID.
	existing, err := v.store.GetRequest(ctx, request.RequestID)
	if err != nil && !errors.Is(err, commonerrors.ErrRequestNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Status != types.StatusFailed {
			return existing, nil
		}
		if !raw.AllowRetry {
			return nil, errors.Wrapf(commonerrors.ErrAlreadyFailed, "request %s", request.RequestID)
		}
		// Client-initiated retry of a failed request: revalidate below and
		// reopen the record instead of creating a duplicate.
	}

	// 3a. Sender nonce must be unused by any other request of this sender.
	used, err := v.store.SenderNonceUsed(ctx, request.Sender, request.SenderNonce, request.RequestID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, errors.Wrapf(commonerrors.ErrSenderNonceUsed, "nonce %d", request.SenderNonce)
	}

	// 4. The referenced bid must exist (current or recently superseded) and
	// still be inside its validity window at admission time.
	bid, err := v.store.GetBid(ctx, request.BidID)
	if err != nil {
		if errors.Is(err, commonerrors.ErrBidNotFound) {
			return nil, errors.Wrapf(commonerrors.ErrBidNotFound, "bid %s", request.BidID)
		}

		return nil, err
	}
	if !bid.ValidAt(time.Now().Unix()) {
		return nil, errors.Wrapf(commonerrors.ErrBidExpired, "bid %s valid until %d", bid.ID, bid.ValidUntil)
	}

	// 5. Amount and route must be consistent with the bid and bounds.
	if !request.Route.Equal(bid.Route) {
		return nil, errors.Wrapf(commonerrors.ErrMalformedRequest,
			"request route %s does not match bid route %s", request.Route, bid.Route)
	}

	minAmount, maxAmount, ok := v.routes.RouteLimits(request.Route)
	if !ok {
		return nil, errors.Wrapf(commonerrors.ErrUnsupportedRoute, "route %s", request.Route)
	}
	if request.Amount.Cmp(minAmount) < 0 || request.Amount.Cmp(maxAmount) > 0 {
		return nil, errors.Wrapf(commonerrors.ErrAmountOutOfRange,
			"amount %s not in [%s, %s]", request.Amount, minAmount, maxAmount)
	}

	if existing != nil {
		// Failed record with retry allowed: reopen it as pending.
		if err := v.store.ReopenFailed(ctx, request.RequestID); err != nil {
			return nil, err
		}

		reopened, err := v.store.GetRequest(ctx, request.RequestID)
		if err != nil {
			return nil, err
		}

		metrics.RequestsAdmitted.Inc()

		return reopened, nil
	}

	request.Status = types.StatusPending

	stored, created, err := v.store.CreateRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	if created {
		metrics.RequestsAdmitted.Inc()

		v.logger.WithFields(logrus.Fields{
			"request": stored.RequestID,
			"route":   stored.Route.Key(),
			"amount":  stored.Amount.String(),
		}).Info("Transfer request admitted")
	}

	return stored, nil
}

// parseRequest checks structural well-formedness and converts the raw
// request into its internal form.
func parseRequest(raw *types.RawTransferRequest) (*types.TransferRequest, error) {
	if raw == nil {
		return nil, errors.Wrap(commonerrors.ErrMalformedRequest, "empty request")
	}

	if !common.IsHexAddress(raw.SenderAddress) {
		return nil, errors.Wrapf(commonerrors.ErrMalformedRequest, "invalid sender address %q", raw.SenderAddress)
	}
	if !common.IsHexAddress(raw.RecipientAddress) || isZeroAddress(raw.RecipientAddress) {
		return nil, errors.Wrapf(commonerrors.ErrMalformedRequest, "invalid recipient address %q", raw.RecipientAddress)
	}
	if raw.TokenAddress != "" && !common.IsHexAddress(raw.TokenAddress) {
		return nil, errors.Wrapf(commonerrors.ErrMalformedRequest, "invalid token address %q", raw.TokenAddress)
	}
	if raw.SourceChainID == 0 || raw.DestinationChainID == 0 {
		return nil, errors.Wrap(commonerrors.ErrMalformedRequest, "missing chain ids")
	}
	if raw.BidID == "" {
		return nil, errors.Wrap(commonerrors.ErrMalformedRequest, "missing bid id")
	}

	amount, ok := new(big.Int).SetString(raw.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, errors.Wrapf(commonerrors.ErrMalformedRequest, "invalid amount %q", raw.Amount)
	}

	signature, err := hex.DecodeString(strings.TrimPrefix(raw.Signature, "0x"))
	if err != nil || len(signature) != 65 {
		return nil, errors.Wrap(commonerrors.ErrMalformedRequest, "invalid signature encoding")
	}

	return &types.TransferRequest{
		RequestID: types.RequestIDFromSignature(signature),
		Sender:    raw.SenderAddress,
		Recipient: raw.RecipientAddress,
		Amount:    amount,
		Route: types.Route{
			SourceChainID: raw.SourceChainID,
			DestChainID:   raw.DestinationChainID,
			Token:         raw.TokenAddress,
		},
		BidID:           raw.BidID,
		SenderNonce:     raw.Nonce,
		ClientSignature: signature,
		Status:          types.StatusReceived,
		AllowRetry:      raw.AllowRetry,
		ReceivedAt:      time.Now().UTC(),
	}, nil
}

func isZeroAddress(address string) bool {
	return common.HexToAddress(address) == (common.Address{})
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, commonerrors.ErrMalformedRequest):
		return "malformed"
	case errors.Is(err, commonerrors.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, commonerrors.ErrAlreadyFailed):
		return "already_failed"
	case errors.Is(err, commonerrors.ErrSenderNonceUsed):
		return "sender_nonce_used"
	case errors.Is(err, commonerrors.ErrBidNotFound):
		return "bid_not_found"
	case errors.Is(err, commonerrors.ErrBidExpired):
		return "bid_expired"
	case errors.Is(err, commonerrors.ErrAmountOutOfRange):
		return "amount_out_of_range"
	case errors.Is(err, commonerrors.ErrUnsupportedRoute):
		return "unsupported_route"
	default:
		return "internal"
	}
}

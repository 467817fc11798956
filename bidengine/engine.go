package bidengine

import (
	"context"
	"math/big"
	"time"

	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/AlwinBrauns/servicenode/metrics"
	"github.com/AlwinBrauns/servicenode/pricing"
	"github.com/AlwinBrauns/servicenode/signer"
	"github.com/AlwinBrauns/servicenode/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SupportedRoute declares a corridor the service node serves, together with
// the amount bounds admitted on it.
type SupportedRoute struct {
	Route     types.Route
	MinAmount *big.Int
	MaxAmount *big.Int
}

// Engine computes and signs fee quotes for supported routes and keeps the
// current bid per route refreshed in the state store.
type Engine struct {
	store           store.StateStore
	signer          signer.Signer
	fees            pricing.FeeSource
	routes          map[string]SupportedRoute
	routeList       []types.Route
	bidTTL          time.Duration
	refreshInterval time.Duration
	logger          *logrus.Logger
}

// New creates a bid engine for the given supported routes.
//
// Parameters:
// - stateStore: the store bids are written to.
// - sgn: the service node signing identity.
// - fees: the pricing collaborator supplying raw cost figures.
// - supported: the static route support table with amount bounds.
// - bidTTL: validity window length of issued bids.
// - refreshInterval: period of the bid refresh loop.
// - logger: the logger for logging events.
//
// Returns:
// - *Engine: the new bid engine instance.
func New(
	stateStore store.StateStore,
	sgn signer.Signer,
	fees pricing.FeeSource,
	supported []SupportedRoute,
	bidTTL time.Duration,
	refreshInterval time.Duration,
	logger *logrus.Logger,
) *Engine {
	routes := make(map[string]SupportedRoute, len(supported))
	routeList := make([]types.Route, 0, len(supported))

	for _, route := range supported {
		routes[route.Route.Key()] = route
		routeList = append(routeList, route.Route)
	}

	return &Engine{
		store:           stateStore,
		signer:          sgn,
		fees:            fees,
		routes:          routes,
		routeList:       routeList,
		bidTTL:          bidTTL,
		refreshInterval: refreshInterval,
		logger:          logger,
	}
}

// Routes returns the supported routes in configuration order.
func (e *Engine) Routes() []types.Route {
	return e.routeList
}

// SupportsRoute reports whether the route is in the static support table.
func (e *Engine) SupportsRoute(route types.Route) bool {
	_, ok := e.routes[route.Key()]

	return ok
}

// RouteLimits returns the configured amount bounds for the route.
//
// Returns:
// - *big.Int: the minimum admitted amount.
// - *big.Int: the maximum admitted amount.
// - bool: false if the route is not supported.
func (e *Engine) RouteLimits(route types.Route) (*big.Int, *big.Int, bool) {
	supported, ok := e.routes[route.Key()]
	if !ok {
		return nil, nil, false
	}

	return supported.MinAmount, supported.MaxAmount, true
}

// ComputeBid computes, signs and stores a new current bid for the route,
// superseding (but not deleting) the previous one.
//
// Parameters:
// - ctx: the context for managing the request.
// - route: the corridor to quote.
//
// Returns:
// - *types.Bid: the newly issued bid.
// - error: ErrUnsupportedRoute if the route is not served, or an error from
//   the pricing collaborator, signer or store.
func (e *Engine) ComputeBid(ctx context.Context, route types.Route) (*types.Bid, error) {
	if !e.SupportsRoute(route) {
		return nil, errors.Wrapf(commonerrors.ErrUnsupportedRoute, "route %s", route)
	}

	fee, err := e.fees.QuoteFee(ctx, route)
	if err != nil {
		return nil, errors.Wrap(err, "failed to quote fee")
	}

	now := time.Now().Unix()
	bid := &types.Bid{
		Route:      route,
		Fee:        fee,
		ValidFrom:  now,
		ValidUntil: now + int64(e.bidTTL.Seconds()),
	}

	signature, err := e.signer.Sign(bid.SigningPayload())
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign bid")
	}

	bid.Signature = signature
	bid.ID = bid.ComputeID()

	if err := e.store.PutBid(ctx, bid); err != nil {
		return nil, errors.Wrap(err, "failed to store bid")
	}

	metrics.BidsIssued.Inc()

	e.logger.WithFields(logrus.Fields{
		"route": route.Key(),
		"bid":   bid.ID,
		"fee":   fee.String(),
	}).Debug("Issued new bid")

	return bid, nil
}

// CurrentBid returns the current bid for the route, computing a fresh one
// on-demand if none exists or the stored one already expired.
func (e *Engine) CurrentBid(ctx context.Context, route types.Route) (*types.Bid, error) {
	if !e.SupportsRoute(route) {
		return nil, errors.Wrapf(commonerrors.ErrUnsupportedRoute, "route %s", route)
	}

	bid, err := e.store.CurrentBid(ctx, route)
	if err == nil && bid.ValidAt(time.Now().Unix()) {
		return bid, nil
	}
	if err != nil && !errors.Is(err, commonerrors.ErrBidNotFound) {
		return nil, err
	}

	return e.ComputeBid(ctx, route)
}

// Run refreshes the bids for all supported routes on the configured
// interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Bid engine started")

	e.refreshAll(ctx)

	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Bid engine stopped")
			return
		case <-ticker.C:
		}

		e.refreshAll(ctx)
	}
}

func (e *Engine) refreshAll(ctx context.Context) {
	for _, route := range e.routeList {
		if _, err := e.ComputeBid(ctx, route); err != nil {
			e.logger.WithField("route", route.Key()).WithError(err).Error("Failed to refresh bid")
		}
	}
}

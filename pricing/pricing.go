package pricing

import (
	"context"
	"math/big"
	"sync"

	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/pkg/errors"
)

// FeeSource supplies the raw cost figure the bid engine signs over.
type FeeSource interface {
	// QuoteFee returns the fee amount to quote for a transfer on the route.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - route: the corridor to quote.
	//
	// Returns:
	// - *big.Int: the fee amount.
	// - error: an error if no fee can be quoted for the route.
	QuoteFee(ctx context.Context, route types.Route) (*big.Int, error)
}

// MarginFeeSource quotes fees from a static per-route base cost table with a
// configured percent margin on top.
type MarginFeeSource struct {
	baseFees   map[string]*big.Int
	marginPct  int64
	tableMutex sync.RWMutex
}

// NewMarginFeeSource creates a margin-based fee source.
//
// Parameters:
// - marginPct: percent margin added on top of the base cost.
//
// Returns:
// - *MarginFeeSource: the new fee source with an empty base cost table.
func NewMarginFeeSource(marginPct int64) *MarginFeeSource {
	return &MarginFeeSource{
		baseFees:  make(map[string]*big.Int),
		marginPct: marginPct,
	}
}

// SetBaseFee sets the base cost for a route.
func (f *MarginFeeSource) SetBaseFee(route types.Route, baseFee *big.Int) {
	f.tableMutex.Lock()
	defer f.tableMutex.Unlock()

	f.baseFees[route.Key()] = new(big.Int).Set(baseFee)
}

// QuoteFee returns the base cost for the route plus the configured margin.
func (f *MarginFeeSource) QuoteFee(_ context.Context, route types.Route) (*big.Int, error) {
	f.tableMutex.RLock()
	baseFee, ok := f.baseFees[route.Key()]
	f.tableMutex.RUnlock()

	if !ok {
		return nil, errors.Errorf("no base fee configured for route %s", route)
	}

	fee := new(big.Int).Mul(baseFee, big.NewInt(100+f.marginPct))
	fee = fee.Div(fee, big.NewInt(100))

	return fee, nil
}

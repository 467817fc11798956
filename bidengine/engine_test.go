package bidengine

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/AlwinBrauns/servicenode/pricing"
	"github.com/AlwinBrauns/servicenode/signer"
	"github.com/AlwinBrauns/servicenode/store/boltstore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testRoute = types.Route{
	SourceChainID: 1,
	DestChainID:   137,
	Token:         "0x3333333333333333333333333333333333333333",
}

type fixture struct {
	engine *Engine
	store  *boltstore.BoltStore
	signer signer.Signer
}

func newFixture(t *testing.T, bidTTL time.Duration) *fixture {
	t.Helper()

	store, err := boltstore.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	nodeSigner, err := signer.NewSigner(key)
	require.NoError(t, err)

	fees := pricing.NewMarginFeeSource(10)
	fees.SetBaseFee(testRoute, big.NewInt(1000))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	supported := []SupportedRoute{{
		Route:     testRoute,
		MinAmount: big.NewInt(100),
		MaxAmount: big.NewInt(1000000),
	}}

	return &fixture{
		engine: New(store, nodeSigner, fees, supported, bidTTL, time.Minute, logger),
		store:  store,
		signer: nodeSigner,
	}
}

func TestComputeBid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5*time.Minute)

	bid, err := f.engine.ComputeBid(ctx, testRoute)
	require.NoError(t, err)

	t.Run("fee carries the configured margin", func(t *testing.T) {
		require.Equal(t, big.NewInt(1100), bid.Fee)
	})

	t.Run("validity window matches the ttl", func(t *testing.T) {
		require.Equal(t, bid.ValidFrom+300, bid.ValidUntil)
		require.True(t, bid.ValidAt(bid.ValidFrom))
		require.False(t, bid.ValidAt(bid.ValidUntil))
	})

	t.Run("signature recovers to the node identity", func(t *testing.T) {
		recovered, err := signer.RecoverSigner(bid.SigningPayload(), bid.Signature)
		require.NoError(t, err)
		require.Equal(t, f.signer.Address(), recovered)
	})

	t.Run("bid id is derived from payload and signature", func(t *testing.T) {
		require.Equal(t, bid.ComputeID(), bid.ID)
	})

	t.Run("bid is persisted as current", func(t *testing.T) {
		current, err := f.store.CurrentBid(ctx, testRoute)
		require.NoError(t, err)
		require.Equal(t, bid.ID, current.ID)
	})

	t.Run("unsupported route is refused", func(t *testing.T) {
		other := types.Route{SourceChainID: 10, DestChainID: 1, Token: "0xabc"}

		_, err := f.engine.ComputeBid(ctx, other)
		require.ErrorIs(t, err, commonerrors.ErrUnsupportedRoute)
	})
}

func TestCurrentBid(t *testing.T) {
	ctx := context.Background()

	t.Run("computes on demand when none exists", func(t *testing.T) {
		f := newFixture(t, 5*time.Minute)

		bid, err := f.engine.CurrentBid(ctx, testRoute)
		require.NoError(t, err)
		require.NotEmpty(t, bid.ID)
	})

	t.Run("returns the stored bid while valid", func(t *testing.T) {
		f := newFixture(t, 5*time.Minute)

		first, err := f.engine.CurrentBid(ctx, testRoute)
		require.NoError(t, err)

		second, err := f.engine.CurrentBid(ctx, testRoute)
		require.NoError(t, err)
		require.Equal(t, first.ID, second.ID)
	})

	t.Run("recomputes once the stored bid expired", func(t *testing.T) {
		f := newFixture(t, 5*time.Minute)

		now := time.Now().Unix()
		expired := &types.Bid{
			ID:         "bid-expired",
			Route:      testRoute,
			Fee:        big.NewInt(1100),
			ValidFrom:  now - 600,
			ValidUntil: now - 60,
			Signature:  []byte{1},
		}
		require.NoError(t, f.store.PutBid(ctx, expired))

		fresh, err := f.engine.CurrentBid(ctx, testRoute)
		require.NoError(t, err)
		require.NotEqual(t, "bid-expired", fresh.ID)
		require.True(t, fresh.ValidAt(time.Now().Unix()))
	})

	t.Run("supersedes but keeps the old bid", func(t *testing.T) {
		f := newFixture(t, 5*time.Minute)

		first, err := f.engine.ComputeBid(ctx, testRoute)
		require.NoError(t, err)

		_, err = f.engine.ComputeBid(ctx, testRoute)
		require.NoError(t, err)

		superseded, err := f.store.GetBid(ctx, first.ID)
		require.NoError(t, err)
		require.Equal(t, first.Fee, superseded.Fee)
	})
}

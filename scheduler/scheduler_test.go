package scheduler

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/AlwinBrauns/servicenode/chainclient"
	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/AlwinBrauns/servicenode/store/boltstore"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// scriptedSubmitter returns a fixed sequence of outcomes and records the
// nonce each submission was handed.
type scriptedSubmitter struct {
	outcomes []types.SubmitOutcome
	calls    int
	nonces   []uint64
}

func (s *scriptedSubmitter) Submit(_ context.Context, request *types.TransferRequest) types.SubmitOutcome {
	outcome := s.outcomes[s.calls]
	s.calls++

	if request.AssignedNonce != nil {
		s.nonces = append(s.nonces, *request.AssignedNonce)
	}

	return outcome
}

type stubChain struct {
	accountNonce uint64
	nonceErr     error
}

func (c *stubChain) BroadcastTransaction(context.Context, *ethtypes.Transaction) error {
	return errors.New("not implemented")
}

func (c *stubChain) TransactionStatus(context.Context, string) (types.TxStatus, error) {
	return types.TxStatusNotFound, errors.New("not implemented")
}

func (c *stubChain) AccountNonce(context.Context, common.Address) (uint64, error) {
	return c.accountNonce, c.nonceErr
}

func (c *stubChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("not implemented")
}

func (c *stubChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return nil, errors.New("not implemented")
}

func (c *stubChain) EIP1559GasPrice(context.Context) (*chainclient.GasPriceData, error) {
	return nil, errors.New("not implemented")
}

func newTestStore(t *testing.T) *boltstore.BoltStore {
	t.Helper()

	store, err := boltstore.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func seedPending(t *testing.T, store *boltstore.BoltStore, id string, receivedAt time.Time) {
	t.Helper()

	_, created, err := store.CreateRequest(context.Background(), &types.TransferRequest{
		RequestID: id,
		Sender:    "0x1111111111111111111111111111111111111111",
		Recipient: "0x2222222222222222222222222222222222222222",
		Amount:    big.NewInt(1000),
		Route: types.Route{
			SourceChainID: 1,
			DestChainID:   137,
			Token:         "0x3333333333333333333333333333333333333333",
		},
		BidID:       "bid-1",
		SenderNonce: uint64(receivedAt.UnixNano()),
		Status:      types.StatusPending,
		ReceivedAt:  receivedAt,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return logger
}

func newTestScheduler(store *boltstore.BoltStore, submitter ChainSubmitter, chain chainclient.Client) *Scheduler {
	return New(store, submitter, chain, common.Address{}, Config{RetryLimit: 3}, testLogger())
}

func TestStepAcceptedSubmission(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	seedPending(t, store, "req-1", now)
	seedPending(t, store, "req-2", now.Add(time.Second))

	submitter := &scriptedSubmitter{outcomes: []types.SubmitOutcome{
		types.Accepted("0xaaa"),
		types.Accepted("0xbbb"),
	}}
	scheduler := newTestScheduler(store, submitter, &stubChain{})

	worked, err := scheduler.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	worked, err = scheduler.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	// FIFO order and strictly monotonic nonces.
	require.Equal(t, []uint64{0, 1}, submitter.nonces)

	first, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusSubmitted, first.Status)
	require.Equal(t, "0xaaa", first.TxHash)
	require.NotNil(t, first.SubmittedAt)

	t.Run("idle when nothing is pending", func(t *testing.T) {
		worked, err := scheduler.Step(ctx)
		require.NoError(t, err)
		require.False(t, worked)
	})
}

func TestStepRecoverableSubmission(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedPending(t, store, "req-1", time.Now().UTC())

	submitter := &scriptedSubmitter{outcomes: []types.SubmitOutcome{
		types.Recoverable(errors.New("connection refused")),
		types.Accepted("0xaaa"),
	}}
	scheduler := newTestScheduler(store, submitter, &stubChain{})

	worked, err := scheduler.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	released, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, released.Status)
	require.Equal(t, 1, released.Retries)

	// The released nonce is reassigned on the retry.
	worked, err = scheduler.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	require.Equal(t, []uint64{0, 0}, submitter.nonces)

	submitted, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusSubmitted, submitted.Status)
}

func TestStepExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedPending(t, store, "req-1", time.Now().UTC())

	transient := types.Recoverable(errors.New("connection refused"))
	submitter := &scriptedSubmitter{outcomes: []types.SubmitOutcome{
		transient, transient, transient, transient,
	}}
	scheduler := newTestScheduler(store, submitter, &stubChain{})

	for i := 0; i < 4; i++ {
		worked, err := scheduler.Step(ctx)
		require.NoError(t, err)
		require.True(t, worked)
	}

	failed, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, failed.Status)
	require.Equal(t, commonerrors.ErrExhaustedRetries.Error(), failed.FailureReason)

	// Nothing was broadcast, so the nonce was released rather than voided.
	voided, err := store.VoidedNonces(ctx)
	require.NoError(t, err)
	require.Empty(t, voided)

	next, err := store.NextNonce(ctx)
	require.NoError(t, err)
	require.Zero(t, next)

	t.Run("failed request is never picked again", func(t *testing.T) {
		worked, err := scheduler.Step(ctx)
		require.NoError(t, err)
		require.False(t, worked)
	})
}

func TestStepFatalSubmission(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seedPending(t, store, "req-1", time.Now().UTC())

	submitter := &scriptedSubmitter{outcomes: []types.SubmitOutcome{
		types.Fatal(errors.New("insufficient funds")),
	}}
	scheduler := newTestScheduler(store, submitter, &stubChain{})

	worked, err := scheduler.Step(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	failed, err := store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, failed.Status)
	require.Equal(t, "insufficient funds", failed.FailureReason)

	// A fatal outcome voids the nonce so it is never handed out again.
	voided, err := store.VoidedNonces(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, voided)

	next, err := store.NextNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("releases interrupted submissions", func(t *testing.T) {
		store := newTestStore(t)

		seedPending(t, store, "req-1", time.Now().UTC())
		_, err := store.ReserveNonce(ctx, "req-1")
		require.NoError(t, err)

		// Simulates a crash after reservation, before broadcast.
		scheduler := newTestScheduler(store, &scriptedSubmitter{}, &stubChain{})
		require.NoError(t, scheduler.Recover(ctx))

		recovered, err := store.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		require.Equal(t, types.StatusPending, recovered.Status)
		require.Nil(t, recovered.AssignedNonce)
	})

	t.Run("keeps submissions with a recorded broadcast", func(t *testing.T) {
		store := newTestStore(t)

		seedPending(t, store, "req-1", time.Now().UTC())
		_, err := store.ReserveNonce(ctx, "req-1")
		require.NoError(t, err)
		require.NoError(t, store.MarkSubmitted(ctx, "req-1", "0xaaa"))

		scheduler := newTestScheduler(store, &scriptedSubmitter{}, &stubChain{})
		require.NoError(t, scheduler.Recover(ctx))

		kept, err := store.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		require.Equal(t, types.StatusSubmitted, kept.Status)
	})

	t.Run("advances nonce counter to chain account nonce", func(t *testing.T) {
		store := newTestStore(t)

		scheduler := newTestScheduler(store, &scriptedSubmitter{}, &stubChain{accountNonce: 17})
		require.NoError(t, scheduler.Recover(ctx))

		next, err := store.NextNonce(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(17), next)
	})

	t.Run("never lowers the nonce counter", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.SetNextNonce(ctx, 42))

		scheduler := newTestScheduler(store, &scriptedSubmitter{}, &stubChain{accountNonce: 17})
		require.NoError(t, scheduler.Recover(ctx))

		next, err := store.NextNonce(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(42), next)
	})

	t.Run("fails when the chain is unreachable", func(t *testing.T) {
		store := newTestStore(t)

		scheduler := newTestScheduler(store, &scriptedSubmitter{}, &stubChain{nonceErr: errors.New("connection refused")})
		require.Error(t, scheduler.Recover(ctx))
	})
}

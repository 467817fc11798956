package boltstore

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func newTestRequest(id string, receivedAt time.Time) *types.TransferRequest {
	return &types.TransferRequest{
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
		SenderNonce: 7,
		Status:      types.StatusPending,
		ReceivedAt:  receivedAt,
	}
}

func TestBoltStoreBids(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	route := types.Route{SourceChainID: 1, DestChainID: 137, Token: "0xToken"}

	t.Run("current bid of unknown route fails", func(t *testing.T) {
		_, err := store.CurrentBid(ctx, route)
		require.ErrorIs(t, err, commonerrors.ErrBidNotFound)
	})

	first := &types.Bid{
		ID: "bid-1", Route: route, Fee: big.NewInt(50),
		ValidFrom: 100, ValidUntil: 200, Signature: []byte{1},
	}
	second := &types.Bid{
		ID: "bid-2", Route: route, Fee: big.NewInt(60),
		ValidFrom: 150, ValidUntil: 250, Signature: []byte{2},
	}

	t.Run("put and read current bid", func(t *testing.T) {
		require.NoError(t, store.PutBid(ctx, first))

		current, err := store.CurrentBid(ctx, route)
		require.NoError(t, err)
		require.Equal(t, "bid-1", current.ID)
		require.Equal(t, big.NewInt(50), current.Fee)
	})

	t.Run("new bid supersedes but does not delete", func(t *testing.T) {
		require.NoError(t, store.PutBid(ctx, second))

		current, err := store.CurrentBid(ctx, route)
		require.NoError(t, err)
		require.Equal(t, "bid-2", current.ID)

		superseded, err := store.GetBid(ctx, "bid-1")
		require.NoError(t, err)
		require.Equal(t, big.NewInt(50), superseded.Fee)
	})
}

func TestBoltStoreCreateRequest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	request := newTestRequest("req-1", now)

	stored, created, err := store.CreateRequest(ctx, request)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "req-1", stored.RequestID)

	t.Run("duplicate returns existing record", func(t *testing.T) {
		dup := newTestRequest("req-1", now.Add(time.Minute))
		dup.Amount = big.NewInt(9999)

		stored, created, err := store.CreateRequest(ctx, dup)
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, big.NewInt(1000), stored.Amount)
	})

	t.Run("sender nonce recorded", func(t *testing.T) {
		used, err := store.SenderNonceUsed(ctx, request.Sender, request.SenderNonce, "other-request")
		require.NoError(t, err)
		require.True(t, used)

		used, err = store.SenderNonceUsed(ctx, request.Sender, request.SenderNonce, "req-1")
		require.NoError(t, err)
		require.False(t, used)

		used, err = store.SenderNonceUsed(ctx, request.Sender, 8, "other-request")
		require.NoError(t, err)
		require.False(t, used)
	})

	t.Run("sender address matching is case insensitive", func(t *testing.T) {
		used, err := store.SenderNonceUsed(ctx, "0X1111111111111111111111111111111111111111", 7, "")
		require.NoError(t, err)
		require.True(t, used)
	})

	t.Run("same sender nonce from a different request is rejected", func(t *testing.T) {
		rival := newTestRequest("req-2", now.Add(time.Second))

		_, _, err := store.CreateRequest(ctx, rival)
		require.ErrorIs(t, err, commonerrors.ErrSenderNonceUsed)

		_, err = store.GetRequest(ctx, "req-2")
		require.ErrorIs(t, err, commonerrors.ErrRequestNotFound)
	})
}

func TestBoltStoreOldestPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	oldest, err := store.OldestPending(ctx)
	require.NoError(t, err)
	require.Nil(t, oldest)

	second := newTestRequest("req-b", now.Add(time.Second))
	second.SenderNonce = 2
	first := newTestRequest("req-a", now)

	_, _, err = store.CreateRequest(ctx, second)
	require.NoError(t, err)
	_, _, err = store.CreateRequest(ctx, first)
	require.NoError(t, err)

	oldest, err = store.OldestPending(ctx)
	require.NoError(t, err)
	require.Equal(t, "req-a", oldest.RequestID)

	t.Run("tie broken by request id", func(t *testing.T) {
		tied := newTestRequest("req-0", now)
		tied.SenderNonce = 3
		_, _, err := store.CreateRequest(ctx, tied)
		require.NoError(t, err)

		oldest, err := store.OldestPending(ctx)
		require.NoError(t, err)
		require.Equal(t, "req-0", oldest.RequestID)
	})
}

func TestBoltStoreNonceAssignment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	first := newTestRequest("req-1", now)
	second := newTestRequest("req-2", now.Add(time.Second))
	second.SenderNonce = 8

	_, _, err := store.CreateRequest(ctx, first)
	require.NoError(t, err)
	_, _, err = store.CreateRequest(ctx, second)
	require.NoError(t, err)

	t.Run("nonces are strictly monotonic", func(t *testing.T) {
		nonce, err := store.ReserveNonce(ctx, "req-1")
		require.NoError(t, err)
		require.Equal(t, uint64(0), nonce)

		nonce, err = store.ReserveNonce(ctx, "req-2")
		require.NoError(t, err)
		require.Equal(t, uint64(1), nonce)

		next, err := store.NextNonce(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(2), next)
	})

	t.Run("double reservation fails", func(t *testing.T) {
		_, err := store.ReserveNonce(ctx, "req-1")
		require.ErrorIs(t, err, commonerrors.ErrInvalidTransition)
	})

	t.Run("release rolls the counter back", func(t *testing.T) {
		released, err := store.ReleaseForRetry(ctx, "req-2", "rpc unavailable")
		require.NoError(t, err)
		require.Equal(t, types.StatusPending, released.Status)
		require.Equal(t, 1, released.Retries)
		require.Nil(t, released.AssignedNonce)

		next, err := store.NextNonce(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(1), next)
	})

	t.Run("released nonce is reassigned not skipped", func(t *testing.T) {
		nonce, err := store.ReserveNonce(ctx, "req-2")
		require.NoError(t, err)
		require.Equal(t, uint64(1), nonce)
	})
}

func TestBoltStoreDroppedTransaction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	request := newTestRequest("req-1", now)
	_, _, err := store.CreateRequest(ctx, request)
	require.NoError(t, err)

	nonce, err := store.ReserveNonce(ctx, "req-1")
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitted(ctx, "req-1", "0xabc"))

	t.Run("requeue keeping the nonce reuses it", func(t *testing.T) {
		require.NoError(t, store.RequeueSubmitted(ctx, "req-1", true, "transaction dropped"))

		stored, err := store.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		require.Equal(t, types.StatusPending, stored.Status)
		require.Empty(t, stored.TxHash)
		require.NotNil(t, stored.AssignedNonce)

		reassigned, err := store.ReserveNonce(ctx, "req-1")
		require.NoError(t, err)
		require.Equal(t, nonce, reassigned)

		// Counter must not advance when a retained nonce is reused.
		next, err := store.NextNonce(ctx)
		require.NoError(t, err)
		require.Equal(t, nonce+1, next)
	})

	t.Run("requeue voiding the nonce assigns a fresh one", func(t *testing.T) {
		require.NoError(t, store.MarkSubmitted(ctx, "req-1", "0xdef"))
		require.NoError(t, store.RequeueSubmitted(ctx, "req-1", false, "nonce consumed elsewhere"))

		voided, err := store.VoidedNonces(ctx)
		require.NoError(t, err)
		require.Equal(t, []uint64{nonce}, voided)

		fresh, err := store.ReserveNonce(ctx, "req-1")
		require.NoError(t, err)
		require.Equal(t, nonce+1, fresh)
	})
}

func TestBoltStoreTerminalStates(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("confirm", func(t *testing.T) {
		store := newTestStore(t)

		_, _, err := store.CreateRequest(ctx, newTestRequest("req-1", now))
		require.NoError(t, err)

		_, err = store.ReserveNonce(ctx, "req-1")
		require.NoError(t, err)
		require.NoError(t, store.MarkSubmitted(ctx, "req-1", "0xabc"))
		require.NoError(t, store.MarkConfirmed(ctx, "req-1"))

		stored, err := store.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		require.Equal(t, types.StatusConfirmed, stored.Status)

		err = store.MarkConfirmed(ctx, "req-1")
		require.ErrorIs(t, err, commonerrors.ErrInvalidTransition)
	})

	t.Run("fail with voided nonce", func(t *testing.T) {
		store := newTestStore(t)

		_, _, err := store.CreateRequest(ctx, newTestRequest("req-1", now))
		require.NoError(t, err)

		nonce, err := store.ReserveNonce(ctx, "req-1")
		require.NoError(t, err)
		require.NoError(t, store.MarkFailed(ctx, "req-1", "execution reverted", true))

		stored, err := store.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		require.Equal(t, types.StatusFailed, stored.Status)
		require.Equal(t, "execution reverted", stored.FailureReason)

		voided, err := store.VoidedNonces(ctx)
		require.NoError(t, err)
		require.Equal(t, []uint64{nonce}, voided)

		// Voided nonces are consumed, never reassigned.
		next, err := store.NextNonce(ctx)
		require.NoError(t, err)
		require.Equal(t, nonce+1, next)
	})

	t.Run("fail without broadcast releases the nonce", func(t *testing.T) {
		store := newTestStore(t)

		_, _, err := store.CreateRequest(ctx, newTestRequest("req-1", now))
		require.NoError(t, err)

		nonce, err := store.ReserveNonce(ctx, "req-1")
		require.NoError(t, err)
		require.NoError(t, store.MarkFailed(ctx, "req-1", "exhausted retries", false))

		voided, err := store.VoidedNonces(ctx)
		require.NoError(t, err)
		require.Empty(t, voided)

		next, err := store.NextNonce(ctx)
		require.NoError(t, err)
		require.Equal(t, nonce, next)
	})

	t.Run("reopen failed request", func(t *testing.T) {
		store := newTestStore(t)

		_, _, err := store.CreateRequest(ctx, newTestRequest("req-1", now))
		require.NoError(t, err)

		_, err = store.ReserveNonce(ctx, "req-1")
		require.NoError(t, err)
		require.NoError(t, store.MarkFailed(ctx, "req-1", "execution reverted", true))
		require.NoError(t, store.ReopenFailed(ctx, "req-1"))

		stored, err := store.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		require.Equal(t, types.StatusPending, stored.Status)
		require.Zero(t, stored.Retries)
		require.Empty(t, stored.FailureReason)
		require.Nil(t, stored.AssignedNonce)
	})
}

func TestBoltStoreNonceCounter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	next, err := store.NextNonce(ctx)
	require.NoError(t, err)
	require.Zero(t, next)

	require.NoError(t, store.SetNextNonce(ctx, 42))

	next, err = store.NextNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), next)
}

func TestBoltStoreKeptNonceSurvivesRelease(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	dropped := newTestRequest("req-1", now)
	later := newTestRequest("req-2", now.Add(time.Second))
	later.SenderNonce = 8

	_, _, err := store.CreateRequest(ctx, dropped)
	require.NoError(t, err)
	_, _, err = store.CreateRequest(ctx, later)
	require.NoError(t, err)

	// First request broadcasts with nonce 0; a second reservation moves
	// the counter past it before the drop is observed.
	nonce, err := store.ReserveNonce(ctx, "req-1")
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitted(ctx, "req-1", "0xabc"))

	_, err = store.ReserveNonce(ctx, "req-2")
	require.NoError(t, err)

	// Dropped without supersession: the nonce is kept and reused.
	require.NoError(t, store.RequeueSubmitted(ctx, "req-1", true, "transaction dropped"))

	reassigned, err := store.ReserveNonce(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, nonce, reassigned)

	// A recoverable failure on the resubmission cannot roll the counter
	// back over the kept nonce; the reservation stays on the request.
	released, err := store.ReleaseForRetry(ctx, "req-1", "rpc unavailable")
	require.NoError(t, err)
	require.NotNil(t, released.AssignedNonce)
	require.Equal(t, nonce, *released.AssignedNonce)

	again, err := store.ReserveNonce(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, nonce, again)

	voided, err := store.VoidedNonces(ctx)
	require.NoError(t, err)
	require.Empty(t, voided)

	next, err := store.NextNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)
}

func TestBoltStoreConcurrentCreateRequest(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("same request id has one winner", func(t *testing.T) {
		store := newTestStore(t)

		const writers = 16

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)

		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				_, created, err := store.CreateRequest(ctx, newTestRequest("req-1", now))
				require.NoError(t, err)

				if created {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, winners)
	})

	t.Run("same sender nonce has one winner", func(t *testing.T) {
		store := newTestStore(t)

		const writers = 16

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   int
			conflicts int
		)

		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				request := newTestRequest(fmt.Sprintf("req-%d", i), now)

				_, created, err := store.CreateRequest(ctx, request)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil && created:
					winners++
				case errors.Is(err, commonerrors.ErrSenderNonceUsed):
					conflicts++
				default:
					t.Errorf("unexpected result: created=%v err=%v", created, err)
				}
			}(i)
		}
		wg.Wait()

		require.Equal(t, 1, winners)
		require.Equal(t, writers-1, conflicts)
	})
}

func TestBoltStoreConcurrentNonceReservation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	const requests = 32

	ids := make([]string, 0, requests)
	for i := 0; i < requests; i++ {
		request := newTestRequest(fmt.Sprintf("req-%02d", i), now.Add(time.Duration(i)*time.Millisecond))
		request.SenderNonce = uint64(i)

		_, _, err := store.CreateRequest(ctx, request)
		require.NoError(t, err)

		ids = append(ids, request.RequestID)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	seen := make(map[uint64]string, requests)

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			nonce, err := store.ReserveNonce(ctx, id)
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			holder, taken := seen[nonce]
			require.False(t, taken, "nonce %d assigned to both %s and %s", nonce, holder, id)
			seen[nonce] = id
		}(id)
	}
	wg.Wait()

	require.Len(t, seen, requests)
	for nonce := uint64(0); nonce < requests; nonce++ {
		require.Contains(t, seen, nonce)
	}

	next, err := store.NextNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(requests), next)
}

package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/AlwinBrauns/servicenode/store"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	bidsBucket         = []byte("bids")
	currentBidsBucket  = []byte("currentBids")
	requestsBucket     = []byte("requests")
	senderNoncesBucket = []byte("senderNonces")
	metaBucket         = []byte("meta")
	voidedNoncesBucket = []byte("voidedNonces")

	nextNonceKey = []byte("nextNonce")
)

// BoltStore is a bbolt-backed StateStore. Every transition runs inside a
// single bbolt update transaction, which provides the atomicity and
// durability the nonce and state machine invariants require.
type BoltStore struct {
	db *bbolt.DB
}

var _ store.StateStore = (*BoltStore)(nil)

// New opens (or creates) the database file and ensures all buckets exist.
//
// Parameters:
// - filePath: path of the database file.
//
// Returns:
// - *BoltStore: the opened store.
// - error: an error if the file cannot be opened.
func New(filePath string) (*BoltStore, error) {
	db, err := bbolt.Open(filePath, 0660, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not open db")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bn := range [][]byte{
			bidsBucket, currentBidsBucket, requestsBucket,
			senderNoncesBucket, metaBucket, voidedNoncesBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(bn); err != nil {
				return errors.Wrapf(err, "could not create bucket %s", string(bn))
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// PutBid stores the bid and makes it the current bid for its route.
func (b *BoltStore) PutBid(_ context.Context, bid *types.Bid) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		raw, err := json.Marshal(bid)
		if err != nil {
			return errors.Wrap(err, "could not marshal bid")
		}

		if err := tx.Bucket(bidsBucket).Put([]byte(bid.ID), raw); err != nil {
			return errors.Wrap(err, "bid write error")
		}

		return tx.Bucket(currentBidsBucket).Put([]byte(bid.Route.Key()), []byte(bid.ID))
	})
}

// CurrentBid returns the current bid for the route.
func (b *BoltStore) CurrentBid(_ context.Context, route types.Route) (*types.Bid, error) {
	var bid *types.Bid

	err := b.db.View(func(tx *bbolt.Tx) error {
		bidID := tx.Bucket(currentBidsBucket).Get([]byte(route.Key()))
		if bidID == nil {
			return commonerrors.ErrBidNotFound
		}

		var err error
		bid, err = getBid(tx, string(bidID))

		return err
	})
	if err != nil {
		return nil, err
	}

	return bid, nil
}

// GetBid returns a bid by its ID.
func (b *BoltStore) GetBid(_ context.Context, id string) (*types.Bid, error) {
	var bid *types.Bid

	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		bid, err = getBid(tx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return bid, nil
}

// CreateRequest persists the request unless one with the same RequestID
// already exists. bbolt serializes update transactions, so exactly one of
// two concurrent creations wins and the other observes the winner's record.
// The sender nonce is claimed in the same transaction: an insert whose
// sender nonce is already owned by a different request fails, so two
// concurrent admissions racing on the same nonce yield one winner.
func (b *BoltStore) CreateRequest(_ context.Context, request *types.TransferRequest) (*types.TransferRequest, bool, error) {
	var (
		stored  *types.TransferRequest
		created bool
	)

	err := b.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getRequest(tx, request.RequestID)
		if err == nil {
			stored = existing
			created = false

			return nil
		}
		if !errors.Is(err, commonerrors.ErrRequestNotFound) {
			return err
		}

		nonceKey := senderNonceKey(request.Sender, request.SenderNonce)
		if owner := tx.Bucket(senderNoncesBucket).Get(nonceKey); owner != nil && string(owner) != request.RequestID {
			return errors.Wrapf(commonerrors.ErrSenderNonceUsed,
				"nonce %d already held by request %s", request.SenderNonce, string(owner))
		}

		if err := putRequest(tx, request); err != nil {
			return err
		}

		if err := tx.Bucket(senderNoncesBucket).Put(nonceKey, []byte(request.RequestID)); err != nil {
			return errors.Wrap(err, "sender nonce write error")
		}

		stored = request
		created = true

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return stored, created, nil
}

// GetRequest returns a request by its ID.
func (b *BoltStore) GetRequest(_ context.Context, id string) (*types.TransferRequest, error) {
	var request *types.TransferRequest

	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		request, err = getRequest(tx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return request, nil
}

// SenderNonceUsed reports whether the sender already used the protocol nonce
// in a different request.
func (b *BoltStore) SenderNonceUsed(_ context.Context, sender string, nonce uint64, excludeRequestID string) (bool, error) {
	var used bool

	err := b.db.View(func(tx *bbolt.Tx) error {
		owner := tx.Bucket(senderNoncesBucket).Get(senderNonceKey(sender, nonce))
		used = owner != nil && string(owner) != excludeRequestID

		return nil
	})

	return used, err
}

// OldestPending returns the oldest PENDING request, FIFO by admission time
// with ties broken by RequestID, or nil if nothing is pending.
func (b *BoltStore) OldestPending(_ context.Context) (*types.TransferRequest, error) {
	var oldest *types.TransferRequest

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(requestsBucket).ForEach(func(_, raw []byte) error {
			var request types.TransferRequest
			if err := json.Unmarshal(raw, &request); err != nil {
				return errors.Wrap(err, "could not unmarshal request")
			}

			if request.Status != types.StatusPending {
				return nil
			}

			if oldest == nil || earlier(&request, oldest) {
				oldest = &request
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return oldest, nil
}

// RequestsInStatus returns all requests currently in the given status.
func (b *BoltStore) RequestsInStatus(_ context.Context, status types.RequestStatus) ([]*types.TransferRequest, error) {
	var result []*types.TransferRequest

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(requestsBucket).ForEach(func(_, raw []byte) error {
			var request types.TransferRequest
			if err := json.Unmarshal(raw, &request); err != nil {
				return errors.Wrap(err, "could not unmarshal request")
			}

			if request.Status == status {
				result = append(result, &request)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ReserveNonce transitions PENDING -> SUBMITTING and assigns the signing
// nonce in one durable transaction. A request that kept its nonce from a
// dropped submission reuses it; otherwise the counter advances.
func (b *BoltStore) ReserveNonce(_ context.Context, id string) (uint64, error) {
	var nonce uint64

	err := b.db.Update(func(tx *bbolt.Tx) error {
		request, err := getRequest(tx, id)
		if err != nil {
			return err
		}

		if request.Status != types.StatusPending {
			return errors.Wrapf(commonerrors.ErrInvalidTransition,
				"reserve nonce: request %s is %s", id, request.Status)
		}

		if request.AssignedNonce != nil {
			// Resubmission with the nonce retained from a dropped transaction.
			nonce = *request.AssignedNonce
		} else {
			nonce = readNextNonce(tx)
			if err := writeNextNonce(tx, nonce+1); err != nil {
				return err
			}
			request.AssignedNonce = &nonce
		}

		request.Status = types.StatusSubmitting

		return putRequest(tx, request)
	})
	if err != nil {
		return 0, err
	}

	return nonce, nil
}

// MarkSubmitted transitions SUBMITTING -> SUBMITTED and records the hash.
func (b *BoltStore) MarkSubmitted(_ context.Context, id string, txHash string) error {
	return b.transition(id, types.StatusSubmitting, func(tx *bbolt.Tx, request *types.TransferRequest) error {
		now := time.Now().UTC()
		request.Status = types.StatusSubmitted
		request.TxHash = txHash
		request.SubmittedAt = &now

		return nil
	})
}

// ReleaseForRetry transitions SUBMITTING -> PENDING, releases the nonce
// reservation back for reassignment and increments the retry counter. A
// nonce that is no longer the counter top (kept through a dropped
// transaction) stays on the request so the next reservation reuses it.
func (b *BoltStore) ReleaseForRetry(_ context.Context, id string, reason string) (*types.TransferRequest, error) {
	var released *types.TransferRequest

	err := b.transition(id, types.StatusSubmitting, func(tx *bbolt.Tx, request *types.TransferRequest) error {
		if request.AssignedNonce != nil {
			rolledBack, err := releaseNonce(tx, *request.AssignedNonce)
			if err != nil {
				return err
			}
			if rolledBack {
				request.AssignedNonce = nil
			}
		}

		request.Status = types.StatusPending
		request.FailureReason = reason
		request.Retries++
		released = request

		return nil
	})
	if err != nil {
		return nil, err
	}

	return released, nil
}

// RequeueSubmitted transitions SUBMITTED -> PENDING after the transaction
// was observed dropped. With keepNonce the assigned nonce is retained for
// resubmission; otherwise it is recorded consumed-and-voided.
func (b *BoltStore) RequeueSubmitted(_ context.Context, id string, keepNonce bool, reason string) error {
	return b.transition(id, types.StatusSubmitted, func(tx *bbolt.Tx, request *types.TransferRequest) error {
		if !keepNonce && request.AssignedNonce != nil {
			if err := voidNonce(tx, *request.AssignedNonce, id); err != nil {
				return err
			}
			request.AssignedNonce = nil
		}

		request.Status = types.StatusPending
		request.TxHash = ""
		request.SubmittedAt = nil
		request.FailureReason = reason
		request.Retries++

		return nil
	})
}

// MarkConfirmed transitions SUBMITTED -> CONFIRMED.
func (b *BoltStore) MarkConfirmed(_ context.Context, id string) error {
	return b.transition(id, types.StatusSubmitted, func(tx *bbolt.Tx, request *types.TransferRequest) error {
		request.Status = types.StatusConfirmed
		request.FailureReason = ""

		return nil
	})
}

// MarkFailed transitions SUBMITTING/SUBMITTED -> FAILED. With voidNonce a
// held nonce is recorded consumed-and-voided; without it the reservation is
// released back because nothing was broadcast with it. A reservation below
// the counter top cannot be released and stays on the record until the
// request is reopened.
func (b *BoltStore) MarkFailed(_ context.Context, id string, reason string, voidHeldNonce bool) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		request, err := getRequest(tx, id)
		if err != nil {
			return err
		}

		if request.Status != types.StatusSubmitting && request.Status != types.StatusSubmitted {
			return errors.Wrapf(commonerrors.ErrInvalidTransition,
				"mark failed: request %s is %s", id, request.Status)
		}

		if request.AssignedNonce != nil {
			if voidHeldNonce {
				if err := voidNonce(tx, *request.AssignedNonce, id); err != nil {
					return err
				}
				request.AssignedNonce = nil
			} else {
				rolledBack, err := releaseNonce(tx, *request.AssignedNonce)
				if err != nil {
					return err
				}
				if rolledBack {
					request.AssignedNonce = nil
				}
			}
		}

		request.Status = types.StatusFailed
		request.FailureReason = reason

		return putRequest(tx, request)
	})
}

// ReopenFailed transitions FAILED -> PENDING for a client-initiated retry.
// A live nonce reservation still attached to the record (one that could not
// be rolled off the counter top when the request failed) is kept so the
// resubmission fills the gap.
func (b *BoltStore) ReopenFailed(_ context.Context, id string) error {
	return b.transition(id, types.StatusFailed, func(tx *bbolt.Tx, request *types.TransferRequest) error {
		request.Status = types.StatusPending
		request.FailureReason = ""
		request.Retries = 0
		request.TxHash = ""
		request.SubmittedAt = nil

		return nil
	})
}

// NextNonce returns the next signing nonce the scheduler would assign.
func (b *BoltStore) NextNonce(_ context.Context) (uint64, error) {
	var nonce uint64

	err := b.db.View(func(tx *bbolt.Tx) error {
		nonce = readNextNonce(tx)

		return nil
	})

	return nonce, err
}

// SetNextNonce overrides the nonce counter. Recovery reconciliation only.
func (b *BoltStore) SetNextNonce(_ context.Context, nonce uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return writeNextNonce(tx, nonce)
	})
}

// VoidedNonces returns the nonces recorded consumed-and-voided.
func (b *BoltStore) VoidedNonces(_ context.Context) ([]uint64, error) {
	var nonces []uint64

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(voidedNoncesBucket).ForEach(func(key, _ []byte) error {
			nonces = append(nonces, binary.BigEndian.Uint64(key))

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return nonces, nil
}

// transition runs a guarded status transition inside one update transaction.
func (b *BoltStore) transition(
	id string,
	expected types.RequestStatus,
	mutate func(tx *bbolt.Tx, request *types.TransferRequest) error,
) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		request, err := getRequest(tx, id)
		if err != nil {
			return err
		}

		if request.Status != expected {
			return errors.Wrapf(commonerrors.ErrInvalidTransition,
				"request %s is %s, expected %s", id, request.Status, expected)
		}

		if err := mutate(tx, request); err != nil {
			return err
		}

		return putRequest(tx, request)
	})
}

func getBid(tx *bbolt.Tx, id string) (*types.Bid, error) {
	raw := tx.Bucket(bidsBucket).Get([]byte(id))
	if raw == nil {
		return nil, commonerrors.ErrBidNotFound
	}

	var bid types.Bid
	if err := json.Unmarshal(raw, &bid); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal bid")
	}

	return &bid, nil
}

func getRequest(tx *bbolt.Tx, id string) (*types.TransferRequest, error) {
	raw := tx.Bucket(requestsBucket).Get([]byte(id))
	if raw == nil {
		return nil, errors.Wrapf(commonerrors.ErrRequestNotFound, "id %s", id)
	}

	var request types.TransferRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return nil, errors.Wrap(err, "could not unmarshal request")
	}

	return &request, nil
}

func putRequest(tx *bbolt.Tx, request *types.TransferRequest) error {
	raw, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(err, "could not marshal request")
	}

	return tx.Bucket(requestsBucket).Put([]byte(request.RequestID), raw)
}

func readNextNonce(tx *bbolt.Tx) uint64 {
	raw := tx.Bucket(metaBucket).Get(nextNonceKey)
	if raw == nil {
		return 0
	}

	return binary.BigEndian.Uint64(raw)
}

func writeNextNonce(tx *bbolt.Tx, nonce uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)

	return tx.Bucket(metaBucket).Put(nextNonceKey, buf)
}

// releaseNonce rolls the counter back if the released nonce is still the
// most recently assigned one and reports whether it did. A nonce below the
// counter top (kept through a dropped transaction while later nonces were
// assigned) cannot be rolled off and must stay attached to its request.
func releaseNonce(tx *bbolt.Tx, nonce uint64) (bool, error) {
	if readNextNonce(tx) == nonce+1 {
		return true, writeNextNonce(tx, nonce)
	}

	return false, nil
}

func voidNonce(tx *bbolt.Tx, nonce uint64, requestID string) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)

	return tx.Bucket(voidedNoncesBucket).Put(buf, []byte(requestID))
}

func senderNonceKey(sender string, nonce uint64) []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.ToLower(sender))
	buf.WriteByte('|')
	fmt.Fprintf(&buf, "%d", nonce)

	return buf.Bytes()
}

func earlier(a, b *types.TransferRequest) bool {
	if a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.RequestID < b.RequestID
	}

	return a.ReceivedAt.Before(b.ReceivedAt)
}

package tracker

import (
	"context"
	"time"

	"github.com/AlwinBrauns/servicenode/chainclient"
	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/AlwinBrauns/servicenode/metrics"
	"github.com/AlwinBrauns/servicenode/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config holds the confirmation tracker configuration.
//
// Fields:
// - PollInterval: how often outstanding transactions are polled.
// - DroppedTimeout: how long a transaction may stay unknown to the chain
// before it is treated as dropped from the mempool.
type Config struct {
	PollInterval   time.Duration
	DroppedTimeout time.Duration
}

// Tracker polls the source chain for the fate of broadcast transactions
// and drives SUBMITTED requests to their terminal state, or back to
// PENDING when the transaction was dropped.
type Tracker struct {
	store   store.StateStore
	chain   chainclient.Client
	account common.Address
	config  Config
	logger  *logrus.Logger
}

// New creates a confirmation tracker.
//
// Parameters:
// - stateStore: the store SUBMITTED requests are read from.
// - chain: the chain-access collaborator used for status lookups.
// - account: the service node's signing account address.
// - config: the tracker configuration.
// - logger: the logger for logging events.
//
// Returns:
// - *Tracker: the new tracker instance.
func New(
	stateStore store.StateStore,
	chain chainclient.Client,
	account common.Address,
	config Config,
	logger *logrus.Logger,
) *Tracker {
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}

	if config.DroppedTimeout == 0 {
		config.DroppedTimeout = 2 * time.Minute
	}

	return &Tracker{
		store:   stateStore,
		chain:   chain,
		account: account,
		config:  config,
		logger:  logger,
	}
}

// Run polls outstanding transactions until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	t.logger.Info("Confirmation tracker started")

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Confirmation tracker stopped")
			return
		case <-ticker.C:
		}

		if err := t.PollOutstanding(ctx); err != nil {
			t.logger.WithError(err).Error("Confirmation poll failed")
		}
	}
}

// PollOutstanding checks every SUBMITTED request's transaction against the
// chain once and applies the resulting transition.
func (t *Tracker) PollOutstanding(ctx context.Context) error {
	outstanding, err := t.store.RequestsInStatus(ctx, types.StatusSubmitted)
	if err != nil {
		return errors.Wrap(err, "failed to scan submitted requests")
	}

	for _, request := range outstanding {
		if err := t.track(ctx, request); err != nil {
			t.logger.WithField("request", request.RequestID).WithError(err).Error("Failed to track transaction")
		}
	}

	return nil
}

func (t *Tracker) track(ctx context.Context, request *types.TransferRequest) error {
	status, err := t.chain.TransactionStatus(ctx, request.TxHash)
	if err != nil {
		// The chain being unreachable says nothing about the transaction.
		return errors.Wrapf(err, "failed to get status of tx %s", request.TxHash)
	}

	switch status {
	case types.TxStatusConfirmed:
		if err := t.store.MarkConfirmed(ctx, request.RequestID); err != nil {
			return err
		}

		metrics.RequestsConfirmed.Inc()

		t.logger.WithFields(logrus.Fields{
			"request": request.RequestID,
			"tx":      request.TxHash,
		}).Info("Transfer confirmed")

		return nil

	case types.TxStatusReverted:
		if err := t.store.MarkFailed(ctx, request.RequestID, commonerrors.ErrOnChainRevert.Error(), true); err != nil {
			return err
		}

		metrics.RequestsFailed.Inc()

		t.logger.WithFields(logrus.Fields{
			"request": request.RequestID,
			"tx":      request.TxHash,
		}).Error("Transfer reverted on chain")

		return nil

	case types.TxStatusNotFound:
		return t.handleDropped(ctx, request)

	case types.TxStatusPending:
		return nil

	default:
		return errors.Errorf("unknown transaction status %q", status)
	}
}

// handleDropped decides what to do with a transaction the chain no longer
// knows about. Only after the dropped timeout is it treated as gone; the
// request is then requeued, keeping its nonce unless the chain's account
// nonce shows the nonce was consumed by something else, in which case the
// nonce is voided and a fresh one is reserved on resubmission.
func (t *Tracker) handleDropped(ctx context.Context, request *types.TransferRequest) error {
	if request.SubmittedAt == nil || time.Since(*request.SubmittedAt) < t.config.DroppedTimeout {
		return nil
	}

	keepNonce := true

	if request.AssignedNonce != nil {
		chainNonce, err := t.chain.AccountNonce(ctx, t.account)
		if err != nil {
			return errors.Wrap(err, "failed to get account nonce")
		}

		// chainNonce is the next unused nonce; anything below it was
		// consumed on-chain and can never be broadcast again.
		keepNonce = *request.AssignedNonce >= chainNonce
	}

	if err := t.store.RequeueSubmitted(ctx, request.RequestID, keepNonce, "transaction dropped from mempool"); err != nil {
		return err
	}

	metrics.RequestsRequeued.Inc()

	t.logger.WithFields(logrus.Fields{
		"request":   request.RequestID,
		"tx":        request.TxHash,
		"keepNonce": keepNonce,
	}).Warn("Dropped transaction requeued")

	return nil
}

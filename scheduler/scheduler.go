package scheduler

import (
	"context"
	"sync"
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

// ChainSubmitter submits one request's transaction to the source chain.
type ChainSubmitter interface {
	Submit(ctx context.Context, request *types.TransferRequest) types.SubmitOutcome
}

// Config holds the scheduler configuration.
//
// Fields:
// - RetryLimit: recoverable failures tolerated before a request fails.
// - IdleInterval: sleep between polls when nothing is pending.
type Config struct {
	RetryLimit   int
	IdleInterval time.Duration
}

// Scheduler drives the single submission loop. It selects admitted requests
// in FIFO order and reserves the signing nonce for each, which serializes
// all nonce assignment for the node's one signing identity.
type Scheduler struct {
	store     store.StateStore
	submitter ChainSubmitter
	chain     chainclient.Client
	account   common.Address
	config    Config
	logger    *logrus.Logger

	inFlightMutex sync.Mutex
	inFlight      string
}

// New creates a submission scheduler.
//
// Parameters:
// - stateStore: the store requests are consumed from.
// - chainSubmitter: the submitter invoked for each selected request.
// - chain: the chain-access collaborator, used only for recovery.
// - account: the service node's signing account address.
// - config: the scheduler configuration.
// - logger: the logger for logging events.
//
// Returns:
// - *Scheduler: the new scheduler instance.
func New(
	stateStore store.StateStore,
	chainSubmitter ChainSubmitter,
	chain chainclient.Client,
	account common.Address,
	config Config,
	logger *logrus.Logger,
) *Scheduler {
	if config.IdleInterval == 0 {
		config.IdleInterval = time.Second
	}

	return &Scheduler{
		store:     stateStore,
		submitter: chainSubmitter,
		chain:     chain,
		account:   account,
		config:    config,
		logger:    logger,
	}
}

// Recover reconciles state left behind by a prior crash before the
// submission loop starts. Requests stuck in SUBMITTING with no broadcast
// recorded are treated as recoverable submission errors and released back
// to PENDING; the nonce counter is then reconciled against the chain's
// account nonce.
func (s *Scheduler) Recover(ctx context.Context) error {
	stuck, err := s.store.RequestsInStatus(ctx, types.StatusSubmitting)
	if err != nil {
		return errors.Wrap(err, "failed to scan submitting requests")
	}

	for _, request := range stuck {
		if request.TxHash != "" {
			continue
		}

		if _, err := s.store.ReleaseForRetry(ctx, request.RequestID, "released by restart recovery"); err != nil {
			return errors.Wrapf(err, "failed to release request %s", request.RequestID)
		}

		s.logger.WithField("request", request.RequestID).Warn("Released request stuck in submitting state")
	}

	chainNonce, err := s.chain.AccountNonce(ctx, s.account)
	if err != nil {
		return errors.Wrap(err, "failed to get account nonce")
	}

	nextNonce, err := s.store.NextNonce(ctx)
	if err != nil {
		return err
	}

	// Never lower the counter: a locally recorded reservation may not be
	// visible on-chain yet.
	if chainNonce > nextNonce {
		if err := s.store.SetNextNonce(ctx, chainNonce); err != nil {
			return err
		}

		s.logger.WithFields(logrus.Fields{
			"stored": nextNonce,
			"chain":  chainNonce,
		}).Warn("Nonce counter advanced to chain account nonce")
	}

	return nil
}

// Next selects the oldest pending request and atomically transitions it to
// SUBMITTING with a reserved signing nonce. Returns nil when nothing is
// pending or another worker won the reservation race.
func (s *Scheduler) Next(ctx context.Context) (*types.TransferRequest, error) {
	request, err := s.store.OldestPending(ctx)
	if err != nil || request == nil {
		return nil, err
	}

	nonce, err := s.store.ReserveNonce(ctx, request.RequestID)
	if err != nil {
		if errors.Is(err, commonerrors.ErrInvalidTransition) {
			return nil, nil
		}

		return nil, err
	}

	request.Status = types.StatusSubmitting
	request.AssignedNonce = &nonce

	metrics.LastAssignedNonce.Set(float64(nonce))

	return request, nil
}

// Step performs one scheduling iteration: select, submit, record outcome.
//
// Returns:
// - bool: true if a request was processed.
// - error: an error if a store operation failed.
func (s *Scheduler) Step(ctx context.Context) (bool, error) {
	request, err := s.Next(ctx)
	if err != nil || request == nil {
		return false, err
	}

	s.setInFlight(request.RequestID)
	defer s.setInFlight("")

	outcome := s.submitter.Submit(ctx, request)

	return true, s.recordOutcome(ctx, request, outcome)
}

// Run drives the submission loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Submission loop started")

	ticker := time.NewTicker(s.config.IdleInterval)
	defer ticker.Stop()

	for {
		worked, err := s.Step(ctx)
		if err != nil {
			s.logger.WithError(err).Error("Submission step failed")
		}

		if ctx.Err() != nil {
			s.logger.Info("Submission loop stopped")
			return
		}

		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Submission loop stopped")
			return
		case <-ticker.C:
		}

		s.reapStuck(ctx)
		s.updatePendingDepth(ctx)
	}
}

// recordOutcome moves the request to its next state according to the
// submission outcome.
func (s *Scheduler) recordOutcome(ctx context.Context, request *types.TransferRequest, outcome types.SubmitOutcome) error {
	switch outcome.Kind {
	case types.OutcomeAccepted:
		if err := s.store.MarkSubmitted(ctx, request.RequestID, outcome.TxHash); err != nil {
			return err
		}

		metrics.RequestsSubmitted.Inc()

		return nil

	case types.OutcomeRecoverable:
		if request.Retries >= s.config.RetryLimit {
			if err := s.store.MarkFailed(ctx, request.RequestID, commonerrors.ErrExhaustedRetries.Error(), false); err != nil {
				return err
			}

			metrics.RequestsFailed.Inc()

			s.logger.WithFields(logrus.Fields{
				"request": request.RequestID,
				"retries": request.Retries,
			}).WithError(outcome.Err).Error("Request failed after exhausting retries")

			return nil
		}

		if _, err := s.store.ReleaseForRetry(ctx, request.RequestID, outcome.Err.Error()); err != nil {
			return err
		}

		metrics.RequestsRequeued.Inc()

		s.logger.WithField("request", request.RequestID).WithError(outcome.Err).Warn("Submission released for retry")

		return nil

	case types.OutcomeFatal:
		if err := s.store.MarkFailed(ctx, request.RequestID, outcome.Err.Error(), true); err != nil {
			return err
		}

		metrics.RequestsFailed.Inc()

		s.logger.WithField("request", request.RequestID).WithError(outcome.Err).Error("Submission failed fatally")

		return nil

	default:
		return errors.Errorf("unknown submit outcome kind %d", outcome.Kind)
	}
}

// reapStuck is the watchdog: any SUBMITTING record with no broadcast that
// is not the request currently in flight can only be leftover from an
// interrupted iteration, and is forced back through the retry path.
func (s *Scheduler) reapStuck(ctx context.Context) {
	stuck, err := s.store.RequestsInStatus(ctx, types.StatusSubmitting)
	if err != nil {
		s.logger.WithError(err).Error("Watchdog scan failed")
		return
	}

	current := s.currentInFlight()

	for _, request := range stuck {
		if request.RequestID == current || request.TxHash != "" {
			continue
		}

		if _, err := s.store.ReleaseForRetry(ctx, request.RequestID, "released by watchdog"); err != nil {
			s.logger.WithField("request", request.RequestID).WithError(err).Error("Watchdog release failed")
			continue
		}

		s.logger.WithField("request", request.RequestID).Warn("Watchdog released stuck request")
	}
}

func (s *Scheduler) updatePendingDepth(ctx context.Context) {
	pending, err := s.store.RequestsInStatus(ctx, types.StatusPending)
	if err != nil {
		return
	}

	metrics.PendingDepth.Set(float64(len(pending)))
}

func (s *Scheduler) setInFlight(id string) {
	s.inFlightMutex.Lock()
	s.inFlight = id
	s.inFlightMutex.Unlock()
}

func (s *Scheduler) currentInFlight() string {
	s.inFlightMutex.Lock()
	defer s.inFlightMutex.Unlock()

	return s.inFlight
}

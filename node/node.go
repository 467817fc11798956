package node

import (
	"context"
	"math/big"
	"os"
	"time"

	"github.com/AlwinBrauns/servicenode/api"
	"github.com/AlwinBrauns/servicenode/bidengine"
	"github.com/AlwinBrauns/servicenode/chainclient"
	"github.com/AlwinBrauns/servicenode/chainclient/evm"
	"github.com/AlwinBrauns/servicenode/config"
	"github.com/AlwinBrauns/servicenode/connectionmonitor"
	"github.com/AlwinBrauns/servicenode/pricing"
	"github.com/AlwinBrauns/servicenode/scheduler"
	"github.com/AlwinBrauns/servicenode/signer"
	"github.com/AlwinBrauns/servicenode/store"
	"github.com/AlwinBrauns/servicenode/store/boltstore"
	"github.com/AlwinBrauns/servicenode/store/pgstore"
	"github.com/AlwinBrauns/servicenode/submitter"
	"github.com/AlwinBrauns/servicenode/tracker"
	"github.com/AlwinBrauns/servicenode/validator"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Node assembles and runs the service node: bid issuance, transfer
// admission, the submission loop and confirmation tracking, behind one
// HTTP API.
type Node struct {
	config    *config.Config
	logger    *logrus.Logger
	store     store.StateStore
	chain     chainclient.Client
	monitor   connectionmonitor.Monitor
	bids      *bidengine.Engine
	scheduler *scheduler.Scheduler
	tracker   *tracker.Tracker
	server    *api.Server

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a node from its configuration. The signing key is read from
// the environment variable named in the signer configuration.
//
// Parameters:
// - cfg: the loaded node configuration.
// - logger: the logger for logging events.
//
// Returns:
// - *Node: the assembled node, not yet started.
// - error: an error if any component cannot be constructed.
func New(cfg *config.Config, logger *logrus.Logger) (*Node, error) {
	privateKey := os.Getenv(cfg.Signer.PrivateKeyEnv)
	if privateKey == "" {
		return nil, errors.Errorf("signing key environment variable %s is not set", cfg.Signer.PrivateKeyEnv)
	}

	sgn, err := signer.NewSignerFromHex(privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create signer")
	}

	stateStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	chain, err := evm.NewClient(&evm.Config{
		Name:        cfg.Chain.Name,
		ChainID:     cfg.Chain.ChainID,
		RpcUrl:      cfg.Chain.RpcURL,
		TxType:      cfg.Chain.TxType,
		WaitNBlocks: cfg.Chain.WaitNBlocks,
		CallTimeout: cfg.Chain.CallTimeout.Std(),
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create chain client")
	}

	fees := pricing.NewMarginFeeSource(cfg.Bids.FeeMarginPct)
	supported := make([]bidengine.SupportedRoute, 0, len(cfg.Routes))

	for _, rc := range cfg.Routes {
		route := rc.Route()

		baseFee, _ := new(big.Int).SetString(rc.BaseFee, 10)
		minAmount, _ := new(big.Int).SetString(rc.MinAmount, 10)
		maxAmount, _ := new(big.Int).SetString(rc.MaxAmount, 10)

		fees.SetBaseFee(route, baseFee)
		supported = append(supported, bidengine.SupportedRoute{
			Route:     route,
			MinAmount: minAmount,
			MaxAmount: maxAmount,
		})
	}

	bids := bidengine.New(
		stateStore, sgn, fees, supported,
		cfg.Bids.TTL.Std(), cfg.Bids.RefreshInterval.Std(), logger,
	)

	admission := validator.New(stateStore, bids, logger)

	chainSubmitter, err := submitter.New(chain, sgn, submitter.Config{
		ChainID:           cfg.Chain.ChainID,
		TxType:            cfg.Chain.TxType,
		BroadcastAttempts: cfg.Submission.BroadcastAttempts,
		BroadcastBackoff:  cfg.Submission.BroadcastBackoff.Std(),
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create submitter")
	}

	submission := scheduler.New(stateStore, chainSubmitter, chain, sgn.Address(), scheduler.Config{
		RetryLimit:   cfg.Submission.RetryLimit,
		IdleInterval: cfg.Submission.IdleInterval.Std(),
	}, logger)

	confirmation := tracker.New(stateStore, chain, sgn.Address(), tracker.Config{
		PollInterval:   cfg.Tracking.PollInterval.Std(),
		DroppedTimeout: cfg.Tracking.DroppedTimeout.Std(),
	}, logger)

	chainNode, ok := chain.(connectionmonitor.ChainNode)
	if !ok {
		return nil, errors.New("chain client does not support connection monitoring")
	}

	monitor := connectionmonitor.NewMonitor(
		chainNode,
		cfg.Chain.Name,
		cfg.Chain.HealthCheckInterval.Std(),
		logger,
	)

	server := api.NewServer(
		cfg.Server.Address,
		stateStore,
		admission,
		bids,
		[]connectionmonitor.Monitor{monitor},
		logger,
	)

	return &Node{
		config:    cfg,
		logger:    logger,
		store:     stateStore,
		chain:     chain,
		monitor:   monitor,
		bids:      bids,
		scheduler: submission,
		tracker:   confirmation,
		server:    server,
	}, nil
}

func openStore(cfg *config.Config) (store.StateStore, error) {
	switch cfg.Store.Backend {
	case "bolt":
		return boltstore.New(cfg.Store.BoltPath)

	case "postgres":
		pg, err := pgstore.New(cfg.Store.PostgresConnStr)
		if err != nil {
			return nil, err
		}

		if err := pg.InitSchema(context.Background()); err != nil {
			return nil, errors.Wrap(err, "failed to init store schema")
		}

		return pg, nil

	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Start recovers interrupted state and launches the background loops and
// the HTTP API. It returns once everything is running.
func (n *Node) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})

	// Recovery must complete before any new nonce can be assigned.
	if err := n.scheduler.Recover(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "startup recovery failed")
	}

	if err := n.monitor.Start(runCtx); err != nil {
		cancel()
		return err
	}

	go n.bids.Run(runCtx)
	go n.scheduler.Run(runCtx)
	go n.tracker.Run(runCtx)

	go func() {
		defer close(n.done)

		if err := n.server.Start(); err != nil {
			n.logger.WithError(err).Error("API server failed")
		}
	}()

	n.logger.Info("Service node started")

	return nil
}

// Stop shuts the node down: the API stops accepting requests, the loops
// are cancelled and the store is closed.
func (n *Node) Stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := n.server.Shutdown(shutdownCtx); err != nil {
		n.logger.WithError(err).Error("API shutdown failed")
	}

	n.monitor.Stop()

	if n.cancel != nil {
		n.cancel()
	}

	if n.done != nil {
		<-n.done
	}

	if err := n.store.Close(); err != nil {
		return errors.Wrap(err, "failed to close store")
	}

	n.logger.Info("Service node stopped")

	return nil
}

package connectionmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

const (
	// defaultCheckInterval defines interval between connection health checks
	defaultCheckInterval = 30 * time.Second
	// reconnectBackoff defines base backoff between reconnection attempts
	reconnectBackoff = 5 * time.Second
	// maxReconnectAttempts defines maximum number of reconnection attempts
	maxReconnectAttempts = 3
)

// NodeStatus is a snapshot of one chain node's connection health, as
// reported by the health endpoint.
type NodeStatus struct {
	Chain       string    `json:"chain"`
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"last_checked"`
	LastError   string    `json:"last_error,omitempty"`
}

// Monitor represents connection state monitoring interface
type Monitor interface {
	// Start starts connection monitoring
	Start(ctx context.Context) error
	// Stop stops connection monitoring
	Stop()
	// Status returns the latest health snapshot
	Status() NodeStatus
}

// ChainNode represents the connection management surface of a chain client
type ChainNode interface {
	// CheckConnection checks if connection is alive
	CheckConnection(ctx context.Context) error
	// Reconnect attempts to reconnect to the chain node
	Reconnect(ctx context.Context) error
}

type connectionMonitor struct {
	node             ChainNode
	logger           *logrus.Logger
	chainName        string
	checkInterval    time.Duration
	reconnectBackoff time.Duration
	stopChan         chan struct{}
	isMonitoring     bool
	monitorMutex     sync.RWMutex

	statusMutex sync.RWMutex
	status      NodeStatus
}

// NewMonitor creates a new connection monitor instance.
//
// Parameters:
// - node: the chain node to monitor.
// - chainName: the name of the monitored chain.
// - checkInterval: interval between health checks (0 for the default).
// - logger: the logger for logging purposes.
//
// Returns:
// - Monitor: the new connection monitor instance.
func NewMonitor(
	node ChainNode,
	chainName string,
	checkInterval time.Duration,
	logger *logrus.Logger,
) Monitor {
	if checkInterval == 0 {
		checkInterval = defaultCheckInterval
	}

	return &connectionMonitor{
		node:             node,
		logger:           logger,
		chainName:        chainName,
		checkInterval:    checkInterval,
		reconnectBackoff: reconnectBackoff,
		stopChan:         make(chan struct{}),
		isMonitoring:     false,
		status: NodeStatus{
			Chain:   chainName,
			Healthy: true,
		},
	}
}

// Start starts connection monitoring.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - error: an error if the connection monitor is already running.
func (m *connectionMonitor) Start(ctx context.Context) error {
	m.monitorMutex.Lock()
	if m.isMonitoring {
		m.monitorMutex.Unlock()
		return errors.Errorf("connection monitor is already running for chain %s", m.chainName)
	}
	m.isMonitoring = true
	m.monitorMutex.Unlock()

	go m.monitorConnection(ctx)
	return nil
}

// Stop stops connection monitoring.
func (m *connectionMonitor) Stop() {
	m.monitorMutex.Lock()
	defer m.monitorMutex.Unlock()

	if !m.isMonitoring {
		return
	}

	close(m.stopChan)
	m.isMonitoring = false
}

// Status returns the latest health snapshot.
func (m *connectionMonitor) Status() NodeStatus {
	m.statusMutex.RLock()
	defer m.statusMutex.RUnlock()

	return m.status
}

// monitorConnection monitors the connection state and attempts to reconnect if needed.
//
// Parameters:
// - ctx: the context for managing the request.
func (m *connectionMonitor) monitorConnection(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.WithField("chain", m.chainName).Info("Connection monitoring stopped due to context cancellation")
			return

		case <-m.stopChan:
			m.logger.WithField("chain", m.chainName).Info("Connection monitoring stopped")
			return

		case <-ticker.C:
			err := m.checkAndReconnect(ctx)
			m.recordStatus(err)

			if err != nil {
				m.logger.WithFields(logrus.Fields{
					"chain": m.chainName,
					"error": err,
				}).Error("Failed to check or reconnect")
			}
		}
	}
}

// checkAndReconnect checks the connection state and attempts to reconnect if needed.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - error: an error if the reconnection fails.
func (m *connectionMonitor) checkAndReconnect(ctx context.Context) error {
	if err := m.node.CheckConnection(ctx); err == nil {
		return nil
	} else {
		m.logger.WithFields(logrus.Fields{
			"chain": m.chainName,
			"error": err,
		}).Warn("Connection check failed, attempting to reconnect")
	}

	backoff := retry.WithMaxRetries(maxReconnectAttempts-1, retry.NewConstant(m.reconnectBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := m.node.Reconnect(ctx); err != nil {
			m.logger.WithFields(logrus.Fields{
				"chain": m.chainName,
				"error": err,
			}).Error("Reconnection attempt failed")

			return retry.RetryableError(err)
		}

		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to reconnect to chain %s", m.chainName)
	}

	m.logger.WithField("chain", m.chainName).Info("Client successfully reconnected")

	return nil
}

func (m *connectionMonitor) recordStatus(err error) {
	m.statusMutex.Lock()
	defer m.statusMutex.Unlock()

	m.status.LastChecked = time.Now().UTC()
	m.status.Healthy = err == nil

	if err != nil {
		m.status.LastError = err.Error()
	} else {
		m.status.LastError = ""
	}
}

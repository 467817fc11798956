package evm

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/AlwinBrauns/servicenode/chainclient"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// TxTypeLegacy represents the legacy transaction type.
	TxTypeLegacy = 0
	// TxTypeEIP1559 represents the EIP-1559 transaction type.
	TxTypeEIP1559 = 2
	// defaultCallTimeout bounds every RPC call made by this client.
	defaultCallTimeout = 15 * time.Second
)

// Config holds the configuration for the EVM chain client.
//
// Fields:
// - Name: the name of the chain.
// - ChainID: the unique identifier for the chain.
// - RpcUrl: the URL for the chain's RPC endpoint.
// - TxType: the type of transactions supported by the chain.
// - WaitNBlocks: the number of blocks to wait for transaction confirmation.
// - CallTimeout: the timeout applied to each RPC call.
type Config struct {
	Name        string
	ChainID     uint64
	RpcUrl      string
	TxType      uint64
	WaitNBlocks uint64
	CallTimeout time.Duration
}

// evm represents the EVM chain client implementation.
type evm struct {
	config *Config        // Chain configuration.
	logger *logrus.Logger // Logger for logging events.

	clientMutex sync.RWMutex      // Mutex for client.
	client      *ethclient.Client // Ethereum client.
}

var _ chainclient.Client = (*evm)(nil)

// NewClient creates a new EVM chain client.
//
// Parameters:
// - config: the chain configuration.
// - logger: the logger for logging events.
//
// Returns:
// - chainclient.Client: a new EVM chain client instance.
// - error: an error if the RPC connection cannot be established.
func NewClient(config *Config, logger *logrus.Logger) (chainclient.Client, error) {
	client, err := ethclient.Dial(config.RpcUrl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}

	if config.CallTimeout == 0 {
		config.CallTimeout = defaultCallTimeout
	}

	return &evm{
		config: config,
		logger: logger,
		client: client,
	}, nil
}

// Close closes the underlying RPC client.
func (e *evm) Close() {
	e.clientMutex.Lock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	e.clientMutex.Unlock()
}

// TxType returns the transaction type configured for the chain.
func (e *evm) TxType() uint64 {
	return e.config.TxType
}

// BroadcastTransaction sends a signed transaction to the chain's pending pool.
func (e *evm) BroadcastTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	if err := client.SendTransaction(callCtx, tx); err != nil {
		e.logger.WithField("chain", e.config.Name).WithError(err).Error("Failed to send transaction")
		return errors.Wrap(err, "failed to send transaction")
	}

	return nil
}

// TransactionStatus returns the observed on-chain state of a transaction.
// A transaction without a receipt that is still known to the node counts as
// pending; a mined transaction counts as pending until the configured
// confirmation depth is reached.
func (e *evm) TransactionStatus(ctx context.Context, txHash string) (types.TxStatus, error) {
	client, err := e.getClient()
	if err != nil {
		return "", err
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	hash := common.HexToHash(txHash)

	receipt, err := client.TransactionReceipt(callCtx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return "", errors.Wrap(err, "failed to get transaction receipt")
		}

		_, _, err := client.TransactionByHash(callCtx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return types.TxStatusNotFound, nil
			}

			return "", errors.Wrap(err, "failed to get transaction by hash")
		}

		// Known to the node but not yet mined.
		return types.TxStatusPending, nil
	}

	currentBlock, err := client.BlockNumber(callCtx)
	if err != nil {
		return "", errors.Wrap(err, "failed to get current block number")
	}

	if currentBlock < receipt.BlockNumber.Uint64()+e.config.WaitNBlocks {
		return types.TxStatusPending, nil
	}

	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return types.TxStatusConfirmed, nil
	}

	return types.TxStatusReverted, nil
}

// AccountNonce returns the chain's pending nonce for the address.
func (e *evm) AccountNonce(ctx context.Context, address common.Address) (uint64, error) {
	client, err := e.getClient()
	if err != nil {
		return 0, err
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	nonce, err := client.PendingNonceAt(callCtx, address)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get account nonce")
	}

	return nonce, nil
}

// EstimateGas estimates the gas required for the given call.
func (e *evm) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	client, err := e.getClient()
	if err != nil {
		return 0, err
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	return client.EstimateGas(callCtx, msg)
}

// SuggestGasPrice returns the suggested legacy gas price.
func (e *evm) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	client, err := e.getClient()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	gasPrice, err := client.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gas price")
	}

	return gasPrice, nil
}

// EIP1559GasPrice retrieves the gas price data for EIP-1559 transactions.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - *chainclient.GasPriceData: the gas price data for EIP-1559 transactions.
// - error: an error if the client is not initialized or if there is an issue retrieving the gas price data.
func (e *evm) EIP1559GasPrice(ctx context.Context) (*chainclient.GasPriceData, error) {
	client, err := e.getClient()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	suggestedTip, err := client.SuggestGasTipCap(callCtx)
	if err != nil {
		e.logger.WithError(err).Error("Failed to get suggested gas tip")
		suggestedTip = big.NewInt(1)
	}

	if suggestedTip.Cmp(big.NewInt(0)) == 0 {
		suggestedTip = big.NewInt(1)
	}

	header, err := client.HeaderByNumber(callCtx, nil)
	if err != nil {
		e.logger.WithField("chain", e.config.Name).WithError(err).Warn("Failed to get header by number")
		return nil, errors.Wrap(err, "failed to get header by number")
	}

	baseFee := header.BaseFee
	if baseFee == nil {
		e.logger.WithField("chain", e.config.Name).Warn("Base fee is nil")
		return nil, errors.New("base fee is nil")
	}

	baseFeeBuf := new(big.Int).Mul(baseFee, big.NewInt(130))
	baseFeeBuf = baseFeeBuf.Div(baseFeeBuf, big.NewInt(100))
	maxFeePerGas := new(big.Int).Add(baseFeeBuf, suggestedTip)

	if maxFeePerGas.Cmp(suggestedTip) <= 0 {
		maxFeePerGas = new(big.Int).Add(suggestedTip, baseFee)
	}

	return &chainclient.GasPriceData{
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: suggestedTip,
		IsEIP1559:            true,
	}, nil
}

// CheckConnection checks if the RPC connection is alive.
func (e *evm) CheckConnection(ctx context.Context) error {
	client, err := e.getClient()
	if err != nil {
		return err
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	if _, err := client.BlockNumber(callCtx); err != nil {
		return errors.Wrap(err, "failed to get current block number")
	}

	return nil
}

// Reconnect attempts to re-establish the RPC connection.
func (e *evm) Reconnect(_ context.Context) error {
	client, err := ethclient.Dial(e.config.RpcUrl)
	if err != nil {
		return errors.Wrap(err, "failed to reconnect client")
	}

	e.clientMutex.Lock()
	if e.client != nil {
		e.client.Close()
	}
	e.client = client
	e.clientMutex.Unlock()

	return nil
}

func (e *evm) getClient() (*ethclient.Client, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return nil, errors.New("client not initialized")
	}

	return client, nil
}

func (e *evm) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.CallTimeout)
}

package chainclient

import (
	"context"
	"math/big"

	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// GasPriceData represents the gas price data for EIP-1559 transactions.
type GasPriceData struct {
	MaxFeePerGas         *big.Int // The maximum fee per gas.
	MaxPriorityFeePerGas *big.Int // The maximum priority fee per gas.
	IsEIP1559            bool     // Indicates if the transaction is EIP-1559.
}

// Client is the narrow chain-access capability the submission pipeline
// depends on. Implementations carry their own per-call timeouts; a call
// that times out is never treated as success.
type Client interface {
	// BroadcastTransaction sends a signed transaction to the chain's pending pool.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - tx: the signed transaction to broadcast.
	//
	// Returns:
	// - error: an error if the chain did not accept the transaction.
	BroadcastTransaction(ctx context.Context, tx *ethtypes.Transaction) error

	// TransactionStatus returns the observed on-chain state of a transaction.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - txHash: the hash of the transaction to look up.
	//
	// Returns:
	// - types.TxStatus: pending, confirmed, reverted or notfound.
	// - error: an error if the chain could not be queried.
	TransactionStatus(ctx context.Context, txHash string) (types.TxStatus, error)

	// AccountNonce returns the chain's pending nonce for the address.
	// Used only for recovery reconciliation, never for normal assignment.
	AccountNonce(ctx context.Context, address common.Address) (uint64, error)

	// EstimateGas estimates the gas required for the given call.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// SuggestGasPrice returns the suggested legacy gas price.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// EIP1559GasPrice retrieves the gas price data for EIP-1559 transactions.
	EIP1559GasPrice(ctx context.Context) (*GasPriceData, error)
}

package submitter

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/AlwinBrauns/servicenode/chainclient"
	commonerrors "github.com/AlwinBrauns/servicenode/common/errors"
	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/AlwinBrauns/servicenode/signer"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

const (
	// TxTypeLegacy represents the legacy transaction type.
	TxTypeLegacy = 0
	// TxTypeEIP1559 represents the EIP-1559 transaction type.
	TxTypeEIP1559 = 2

	// ZeroAddress marks a native-asset transfer when used as the token.
	ZeroAddress = "0x0000000000000000000000000000000000000000"

	erc20ABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`
)

// Config holds the submitter configuration.
//
// Fields:
// - ChainID: the source chain the transactions are submitted on.
// - TxType: legacy or EIP-1559 transaction construction.
// - BroadcastAttempts: transient RPC failures retried within one submission.
// - BroadcastBackoff: base backoff between broadcast attempts.
type Config struct {
	ChainID           uint64
	TxType            uint64
	BroadcastAttempts uint64
	BroadcastBackoff  time.Duration
}

// Submitter builds, signs and broadcasts the on-chain transaction for one
// transfer request, classifying the result into a closed outcome set.
type Submitter struct {
	chain    chainclient.Client
	signer   signer.Signer
	config   Config
	tokenABI abi.ABI
	logger   *logrus.Logger
}

// New creates a chain submitter.
//
// Parameters:
// - chain: the chain-access collaborator used to broadcast.
// - sgn: the service node signing identity.
// - config: the submitter configuration.
// - logger: the logger for logging events.
//
// Returns:
// - *Submitter: the new submitter instance.
// - error: an error if the token ABI cannot be parsed.
func New(chain chainclient.Client, sgn signer.Signer, config Config, logger *logrus.Logger) (*Submitter, error) {
	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse token ABI")
	}

	if config.BroadcastAttempts == 0 {
		config.BroadcastAttempts = 2
	}
	if config.BroadcastBackoff == 0 {
		config.BroadcastBackoff = time.Second
	}

	return &Submitter{
		chain:    chain,
		signer:   sgn,
		config:   config,
		tokenABI: tokenABI,
		logger:   logger,
	}, nil
}

// Submit builds the on-chain call for the request, signs it with the
// request's assigned nonce and broadcasts it.
//
// Parameters:
// - ctx: the context for managing the request.
// - request: the SUBMITTING request holding a nonce reservation.
//
// Returns:
// - types.SubmitOutcome: Accepted with the transaction hash, Recoverable
//   for transient failures, or Fatal for permanent chain rejections.
func (s *Submitter) Submit(ctx context.Context, request *types.TransferRequest) types.SubmitOutcome {
	if request.AssignedNonce == nil {
		return types.Recoverable(errors.Wrapf(commonerrors.ErrNonceConflict, "request %s", request.RequestID))
	}

	tx, err := s.prepareTransaction(ctx, request)
	if err != nil {
		return classifyError(err)
	}

	signedTx, err := s.signer.SignTx(tx, new(big.Int).SetUint64(s.config.ChainID))
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign transaction")
		return types.Fatal(errors.Wrap(err, "failed to sign transaction"))
	}

	if err := s.broadcast(ctx, signedTx); err != nil {
		outcome := classifyError(err)
		if outcome.Kind == types.OutcomeAccepted {
			// The pool already knows this exact transaction.
			outcome.TxHash = signedTx.Hash().Hex()
		}

		return outcome
	}

	s.logger.WithFields(logrus.Fields{
		"request": request.RequestID,
		"txHash":  signedTx.Hash().Hex(),
		"nonce":   *request.AssignedNonce,
	}).Info("Transaction broadcast")

	return types.Accepted(signedTx.Hash().Hex())
}

// prepareTransaction builds the unsigned transaction for the request:
// a native value transfer when the route token is the zero address, an
// ERC-20 transfer call otherwise.
func (s *Submitter) prepareTransaction(ctx context.Context, request *types.TransferRequest) (*ethtypes.Transaction, error) {
	var (
		toAddress string
		value     *big.Int
		data      []byte
	)

	if request.Route.Token == "" || strings.EqualFold(request.Route.Token, ZeroAddress) {
		toAddress = request.Recipient
		value = request.Amount
	} else {
		packed, err := s.tokenABI.Pack("transfer", common.HexToAddress(request.Recipient), request.Amount)
		if err != nil {
			return nil, errors.Wrap(err, "failed to pack transfer data")
		}

		toAddress = request.Route.Token
		value = big.NewInt(0)
		data = packed
	}

	to := common.HexToAddress(toAddress)

	estimatedGas, err := s.chain.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.signer.Address(),
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		s.logger.WithError(err).Warn("Failed to estimate gas")
		return nil, errors.Wrap(err, "failed to estimate gas")
	}

	gasLimit := uint64(float64(estimatedGas) * 1.1)
	nonce := *request.AssignedNonce

	if s.config.TxType == TxTypeEIP1559 {
		gasPriceData, err := s.chain.EIP1559GasPrice(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get EIP-1559 gas price")
		}

		return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(s.config.ChainID),
			Nonce:     nonce,
			GasFeeCap: gasPriceData.MaxFeePerGas,
			GasTipCap: gasPriceData.MaxPriorityFeePerGas,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		}), nil
	}

	gasPrice, err := s.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gas price")
	}

	gasPrice = new(big.Int).Mul(gasPrice, big.NewInt(150))
	gasPrice = new(big.Int).Div(gasPrice, big.NewInt(100))

	return ethtypes.NewTransaction(
		nonce,
		to,
		value,
		gasLimit,
		gasPrice,
		data,
	), nil
}

// broadcast sends the signed transaction, retrying transient transport
// failures with fibonacci backoff before giving up on this attempt.
func (s *Submitter) broadcast(ctx context.Context, signedTx *ethtypes.Transaction) error {
	backoff := retry.WithMaxRetries(s.config.BroadcastAttempts, retry.NewFibonacci(s.config.BroadcastBackoff))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.chain.BroadcastTransaction(ctx, signedTx)
		if err != nil && isTransient(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// classifyError sorts a submission error into the closed outcome set.
// Unknown errors are treated as recoverable so they are retried up to the
// cap rather than silently dropped or assumed successful.
func classifyError(err error) types.SubmitOutcome {
	message := strings.ToLower(err.Error())

	switch {
	case strings.Contains(message, "already known"),
		strings.Contains(message, "known transaction"):
		return types.Accepted("")
	case strings.Contains(message, "insufficient funds"),
		strings.Contains(message, "execution reverted"),
		strings.Contains(message, "invalid sender"),
		strings.Contains(message, "exceeds block gas limit"):
		return types.Fatal(err)
	case strings.Contains(message, "nonce too low"),
		strings.Contains(message, "underpriced"),
		strings.Contains(message, "replacement transaction"):
		return types.Recoverable(err)
	default:
		return types.Recoverable(err)
	}
}

func isTransient(err error) bool {
	message := strings.ToLower(err.Error())

	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"too many requests",
		"eof",
	} {
		if strings.Contains(message, marker) {
			return true
		}
	}

	return false
}

package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Signer holds the service node's signing identity. It is the only
// component with access to the private key material; the key is used to
// produce signatures and is never exported.
type Signer interface {
	// Sign signs the payload bytes with the Ethereum personal-message
	// prefix and returns the 65-byte signature.
	//
	// Parameters:
	// - data: the payload to sign.
	//
	// Returns:
	// - []byte: the signature in [R || S || V] form with V being 27 or 28.
	// - error: an error if signing fails.
	Sign(data []byte) ([]byte, error)

	// SignTx signs the transaction for the given chain.
	//
	// Parameters:
	// - transaction: the unsigned transaction.
	// - chainID: the chain the transaction targets.
	//
	// Returns:
	// - *ethtypes.Transaction: the signed transaction.
	// - error: an error if signing fails.
	SignTx(transaction *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error)

	// Address returns the address derived from the signing key.
	Address() common.Address
}

// signer implements Signer around a raw ECDSA key.
type signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a new signer instance with the given private key.
//
// Parameters:
// - privateKey: the private key to be used for signing.
//
// Returns:
// - Signer: a new signer instance.
// - error: an error if the private key is not valid.
func NewSigner(privateKey *ecdsa.PrivateKey) (Signer, error) {
	pubKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("cannot assign public key to ECDSA")
	}

	return &signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*pubKey),
	}, nil
}

// NewSignerFromHex creates a new signer instance from a hex-encoded private key.
//
// Parameters:
// - hexKey: the hex-encoded private key.
//
// Returns:
// - Signer: a new signer instance.
// - error: an error if the key cannot be parsed.
func NewSignerFromHex(hexKey string) (Signer, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}

	return NewSigner(privKey)
}

// Sign signs the payload with the personal-message prefix.
func (s *signer) Sign(data []byte) ([]byte, error) {
	msg := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)))
	signature, err := crypto.Sign(msg, s.privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign message")
	}
	signature[64] += 27 // Transform V from 0/1 to 27/28 according to the yellow paper

	return signature, nil
}

// Address returns the address derived from the signing key.
func (s *signer) Address() common.Address {
	return s.address
}

// SignTx signs the transaction for the given chain.
func (s *signer) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(s.privateKey, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create keyed transactor")
	}

	signedTx, err := auth.Signer(s.address, tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transaction")
	}

	return signedTx, nil
}

// RecoverSigner recovers the address that produced the given signature over
// the given payload bytes. The signature is expected in the 65-byte
// [R || S || V] form with V being 27 or 28.
//
// Parameters:
// - payload: the exact payload bytes that were signed.
// - signature: the signature to recover the signer from.
//
// Returns:
// - common.Address: the recovered signer address.
// - error: an error if the signature is malformed or recovery fails.
func RecoverSigner(payload, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, errors.Errorf("invalid signature length %d", len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	msg := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(payload), payload)))

	pubKey, err := crypto.SigToPub(msg, sig)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "failed to recover public key")
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

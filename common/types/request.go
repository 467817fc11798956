package types

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// RawTransferRequest is the wire form of an inbound transfer request,
// as received from the request-intake layer.
type RawTransferRequest struct {
	SourceChainID      uint64 `json:"source_chain_id"`
	DestinationChainID uint64 `json:"destination_chain_id"`
	TokenAddress       string `json:"token_address"`
	SenderAddress      string `json:"sender_address"`
	RecipientAddress   string `json:"recipient_address"`
	Amount             string `json:"amount"`
	BidID              string `json:"bid_id"`
	Nonce              uint64 `json:"nonce"`
	Signature          string `json:"signature"`
	AllowRetry         bool   `json:"allow_retry,omitempty"`
}

// TransferRequest represents an admitted transfer request with its
// current lifecycle state. The StateStore owns the authoritative copy.
//
// Fields:
// - RequestID: globally unique identifier derived from the client signature.
// - Sender: the address of the user requesting the transfer.
// - Recipient: the address receiving the tokens on the destination chain.
// - Amount: the transferred token amount.
// - Route: the corridor this request moves tokens on.
// - BidID: identifier of the bid the request references.
// - SenderNonce: client-supplied anti-replay nonce, distinct from the
//   service node's signing nonce.
// - ClientSignature: signature by the sender's key over the request payload.
// - Status: current lifecycle state.
// - AssignedNonce: service node signing-account nonce, set on SUBMITTING.
// - TxHash: hash of the broadcast transaction, set on SUBMITTED.
// - FailureReason: set on REJECTED and FAILED.
// - Retries: number of recoverable submission failures so far.
type TransferRequest struct {
	RequestID       string        `json:"request_id"`
	Sender          string        `json:"sender_address"`
	Recipient       string        `json:"recipient_address"`
	Amount          *big.Int      `json:"amount"`
	Route           Route         `json:"route"`
	BidID           string        `json:"bid_id"`
	SenderNonce     uint64        `json:"nonce"`
	ClientSignature []byte        `json:"client_signature"`
	Status          RequestStatus `json:"status"`
	AssignedNonce   *uint64       `json:"assigned_nonce,omitempty"`
	TxHash          string        `json:"tx_hash,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	Retries         int           `json:"retries"`
	AllowRetry      bool          `json:"allow_retry,omitempty"`
	ReceivedAt      time.Time     `json:"received_at"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
}

// SigningPayload returns the deterministic byte encoding of the request
// fields covered by the client signature.
func (r *TransferRequest) SigningPayload() []byte {
	return TransferSigningPayload(r.Route, r.Sender, r.Recipient, r.Amount, r.BidID, r.SenderNonce)
}

// TransferSigningPayload builds the canonical payload bytes a sender signs
// when requesting a transfer.
func TransferSigningPayload(route Route, sender, recipient string, amount *big.Int, bidID string, nonce uint64) []byte {
	return []byte(fmt.Sprintf("transfer|%d|%d|%s|%s|%s|%s|%s|%d",
		route.SourceChainID,
		route.DestChainID,
		route.Token,
		sender,
		recipient,
		amount.String(),
		bidID,
		nonce,
	))
}

// RequestIDFromSignature derives the request identifier from the client
// signature. Resubmissions of the same signed payload map to the same ID,
// which is what makes duplicate detection idempotent.
func RequestIDFromSignature(signature []byte) string {
	return hex.EncodeToString(crypto.Keccak256(signature))
}

package types

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// Bid represents a signed fee quote for a route, valid within a time window.
//
// Fields:
// - ID: unique identifier derived from the signed payload.
// - Route: the corridor the quote applies to.
// - Fee: the fee amount charged for a transfer on the route.
// - ValidFrom: unix timestamp from which the bid is valid.
// - ValidUntil: unix timestamp until which the bid is valid (exclusive).
// - Signature: service node signature over the bid payload.
type Bid struct {
	ID         string   `json:"id"`
	Route      Route    `json:"route"`
	Fee        *big.Int `json:"fee"`
	ValidFrom  int64    `json:"valid_from"`
	ValidUntil int64    `json:"valid_until"`
	Signature  []byte   `json:"signature"`
}

// SigningPayload returns the deterministic byte encoding of the bid fields
// covered by the service node signature.
func (b *Bid) SigningPayload() []byte {
	return []byte(fmt.Sprintf("bid|%d|%d|%s|%s|%d|%d",
		b.Route.SourceChainID,
		b.Route.DestChainID,
		b.Route.Token,
		b.Fee.String(),
		b.ValidFrom,
		b.ValidUntil,
	))
}

// ComputeID derives the bid identifier from the signed payload.
// The signature must already be set.
func (b *Bid) ComputeID() string {
	return hex.EncodeToString(crypto.Keccak256(append(b.SigningPayload(), b.Signature...)))
}

// ValidAt reports whether the bid window covers the given unix timestamp.
// A bid whose ValidUntil equals the timestamp is already expired.
func (b *Bid) ValidAt(ts int64) bool {
	return b.ValidFrom <= ts && ts < b.ValidUntil
}

package types

import (
	"fmt"
	"strings"
)

// Route identifies a token transfer corridor between two chains.
//
// Fields:
// - SourceChainID: the chain the transfer is submitted on.
// - DestChainID: the chain the transfer is destined for.
// - Token: the address of the transferred token on the source chain.
type Route struct {
	SourceChainID uint64 `json:"source_chain_id"`
	DestChainID   uint64 `json:"destination_chain_id"`
	Token         string `json:"token_address"`
}

// Key returns the canonical string key for the route, used for
// map and bucket indexing. Token addresses are compared case-insensitively.
func (r Route) Key() string {
	return fmt.Sprintf("%d:%d:%s", r.SourceChainID, r.DestChainID, strings.ToLower(r.Token))
}

// Equal reports whether two routes identify the same corridor.
func (r Route) Equal(other Route) bool {
	return r.Key() == other.Key()
}

func (r Route) String() string {
	return r.Key()
}

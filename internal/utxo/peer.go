// Package utxo implements the consistent-oracle replication described for
// UTXO lookups: query every reachable peer for the spend status of a set of
// outpoints, require quorum agreement, and surface disagreement as an
// unknown result rather than trusting a single peer.
package utxo

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// OutpointStatus is what one peer reports about one outpoint.
type OutpointStatus struct {
	Spent    bool
	Unknown  bool // peer has no information (outpoint never seen, or pruned)
	PkScript []byte
	Value    btcutil.Amount
}

// GetUTXOsRequest asks a peer for the status of a batch of outpoints.
type GetUTXOsRequest struct {
	Outpoints []wire.OutPoint
}

// GetUTXOsResponse is a peer's reply, one status per requested outpoint in
// the same order.
type GetUTXOsResponse struct {
	Statuses []OutpointStatus
}

// Peer is anything the coordinator can ask for UTXO status: a full node's
// RPC client, an Electrum-style server connection, or an Esplora-backed
// HTTP client, per the provider-rotation style the wider dependency stack
// already uses for on-chain queries.
type Peer interface {
	ID() string
	GetUTXOs(ctx context.Context, req GetUTXOsRequest) (GetUTXOsResponse, error)
}

// PeerGroup supplies the set of peers currently reachable for a query round.
// Implementations decide their own notion of reachability (connected P2P
// peers, configured RPC endpoints, etc).
type PeerGroup interface {
	Peers() []Peer
}

// SpendingTxFinder looks up the transaction that spends a given outpoint, if
// the peer has one in view. A Peer may optionally implement this to support
// claim-transaction discovery for projects with no server of record (spec.md
// §4.7 step 3): EsploraPeer is the only implementation currently, since only
// an HTTP block-explorer-style API exposes this directly without a full P2P
// mempool/chain view.
type SpendingTxFinder interface {
	FindSpendingTx(ctx context.Context, op wire.OutPoint) (*wire.MsgTx, bool, error)
}

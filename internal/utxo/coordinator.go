package utxo

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/verify"
)

// Coordinator runs one query round across a PeerGroup and reduces the
// replies to a single Snapshot, treating any outpoint the peers disagree on
// as unknown rather than erroring the whole round — a lone dissenting or
// stale peer should not block verification of an otherwise-agreed pledge.
type Coordinator struct {
	group      PeerGroup
	minPeers   int
	roundLimit context.Context
}

// New creates a Coordinator. minPeers is the minimum number of peers that
// must answer (config.DefaultMinPeersForUTXO normally, config.RegtestMinPeersForUTXO
// in single-node test setups) before a round is considered to have quorum at
// all; below that the round fails outright with config.ErrNoCapablePeers.
func New(group PeerGroup, minPeers int) *Coordinator {
	return &Coordinator{group: group, minPeers: minPeers}
}

// Query resolves the spend/script/value status of outpoints across every
// reachable peer, deadlined at config.UTXORoundDeadline, and returns a
// verify.Snapshot usable to check a pledge. Outpoints on which peers
// disagree, or that no peer could answer, resolve to "unknown" in the
// returned snapshot rather than failing the whole round.
func (c *Coordinator) Query(ctx context.Context, outpoints []wire.OutPoint) (verify.Snapshot, error) {
	peers := c.group.Peers()
	if len(peers) < c.minPeers {
		return nil, fmt.Errorf("%w: have %d, need %d", config.ErrNoCapablePeers, len(peers), c.minPeers)
	}

	ctx, cancel := context.WithTimeout(ctx, config.UTXORoundDeadline)
	defer cancel()

	var mu sync.Mutex
	replies := make(map[string]GetUTXOsResponse, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	req := GetUTXOsRequest{Outpoints: outpoints}
	for _, p := range peers {
		p := p
		g.Go(func() error {
			resp, err := p.GetUTXOs(gctx, req)
			if err != nil {
				// A single peer's failure does not fail the round; its
				// outpoints simply get no vote.
				return nil
			}
			mu.Lock()
			replies[p.ID()] = resp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrPeerQueryTimeout, err)
	}

	if len(replies) < c.minPeers {
		return nil, fmt.Errorf("%w: only %d of %d peers answered before the deadline",
			config.ErrPeerQueryTimeout, len(replies), c.minPeers)
	}

	return reduce(outpoints, replies), nil
}

// reduce folds per-peer replies into a single snapshot: an outpoint is
// confirmed unspent with a given script/value only if every peer that
// answered for it agrees; any disagreement or missing vote leaves it absent
// from the snapshot (verify.Verify then reports it as ErrUnknownUTXO).
func reduce(outpoints []wire.OutPoint, replies map[string]GetUTXOsResponse) verify.Snapshot {
	known := make(map[wire.OutPoint]verify.UTXOInfo, len(outpoints))

	for i, op := range outpoints {
		var agreed *verify.UTXOInfo
		consistent := true
		votes := 0

		for _, resp := range replies {
			if i >= len(resp.Statuses) {
				continue
			}
			st := resp.Statuses[i]
			if st.Unknown || st.Spent {
				consistent = false
				break
			}
			votes++
			info := verify.UTXOInfo{PkScript: st.PkScript, Value: st.Value}
			if agreed == nil {
				agreed = &info
			} else if !sameInfo(*agreed, info) {
				consistent = false
				break
			}
		}

		if consistent && votes > 0 && agreed != nil {
			known[op] = *agreed
		}
	}

	return verify.NewMapSnapshot(known)
}

func sameInfo(a, b verify.UTXOInfo) bool {
	if a.Value != b.Value || len(a.PkScript) != len(b.PkScript) {
		return false
	}
	for i := range a.PkScript {
		if a.PkScript[i] != b.PkScript[i] {
			return false
		}
	}
	return true
}

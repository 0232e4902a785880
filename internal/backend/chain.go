package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/auditlog"
	"github.com/lighthouse-contracts/pledgeengine/internal/claim"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// ChainTip reports the backend's locally-known chain height alongside the
// most commonly reported height among connected peers, so the backend can
// tell whether it is close enough to the network's consensus head for a
// full requery to be worth running (spec.md §4.8: "Chain tip advanced to
// near head (within 2 of most common peer height)").
type ChainTip struct {
	Height     int32
	PeerHeight int32
}

// nearHead reports whether t is within the 2-block tolerance spec.md §4.8
// specifies for treating the local tip as caught up with the network.
func (t ChainTip) nearHead() bool {
	if t.PeerHeight == 0 {
		return true // no peer-height signal available; don't block on it
	}
	return t.Height >= t.PeerHeight-2
}

// ChainNotifier supplies a stream of chain-tip advances. Implementations are
// environment-specific (a PeerGroup's median-height tracker, a full node's
// RPC subscription); the backend only needs the resulting tip/peer-height
// pairs.
type ChainNotifier interface {
	TipAdvanced() <-chan ChainTip
}

// watchChainTips pumps ChainNotifier events onto the scheduler thread for
// the lifetime of notifier's channel. Run as its own goroutine; it never
// touches engine state directly, only submits tasks that do.
func (b *Backend) watchChainTips(notifier ChainNotifier) {
	if notifier == nil {
		return
	}
	for tip := range notifier.TipAdvanced() {
		tip := tip
		b.Scheduler.Submit(func() { b.handleChainTip(tip) })
	}
}

// handleChainTip implements spec.md §4.8's chain-tip-advanced handler: once
// near the network head, every project gets a jittered refresh — against
// its server if it is client-mode with one on file, otherwise a full
// UTXO-coordinator requery of its open pledges.
func (b *Backend) handleChainTip(tip ChainTip) {
	b.Scheduler.AssertOnThread()
	if !tip.nearHead() {
		return
	}

	for _, project := range b.Store.Projects() {
		project := project
		delay := b.Scheduler.Jitter(config.BlockPropagationTimeSecs*time.Second, config.DefaultMaxJitterSeconds*time.Second)

		if project.HasServer() && b.cfg.Mode == "client" {
			b.Scheduler.Schedule(delay, func() { b.refreshFromServer(project) })
			continue
		}
		b.Scheduler.Schedule(delay, func() { b.requeryProject(project) })
	}
}

// requeryProject re-verifies every open pledge of project against a fresh,
// batched UTXO snapshot (spec.md §4.4 step 2: one on-wire request per
// round), dropping any pledge that no longer verifies. Every dropped pledge,
// whatever the verification error, is removed as a revocation rather than
// reported as an error. A duplicate outpoint across two open pledges, or a
// failed UTXO query round, errors the whole round via CheckStatus and leaves
// the open set untouched for this round (spec.md scenario (d)).
//
// Before revoking a pledge that disappeared because its outpoint was spent,
// this checks whether the spend is in fact the project's own claim
// transaction (spec.md §4.7 step 3: "for projects without server, if a claim
// transaction exists, move any newly-invalid pledge that appears in that
// claim into the claimed-set"). Discovering that requires fetching the
// actual spending transaction, which only an HTTP block-explorer peer
// (utxo.SpendingTxFinder) can do; without one, every disappearance is
// treated as a revocation, same as before.
func (b *Backend) requeryProject(project *models.Project) {
	b.Scheduler.AssertOnThread()

	open := b.Store.OpenPledges(project.ID)
	if len(open) == 0 {
		return
	}

	b.Store.SetCheckStatus(project.ID, models.CheckStatus{InProgress: true})

	seen := make(map[wire.OutPoint][32]byte, len(open))
	var outpoints []wire.OutPoint
	for _, p := range open {
		hash := p.Hash()
		for _, op := range p.InputOutpoints() {
			if owner, dup := seen[op]; dup && owner != hash {
				b.Store.SetCheckStatus(project.ID, models.CheckStatus{
					Err: fmt.Errorf("%w: outpoint %s", config.ErrDuplicatedOutPoint, op),
				})
				return
			}
			seen[op] = hash
			outpoints = append(outpoints, op)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.UTXORoundDeadline)
	defer cancel()
	snap, err := b.coord.Query(ctx, outpoints)
	if err != nil {
		b.Store.SetCheckStatus(project.ID, models.CheckStatus{Err: err})
		return
	}

	for _, p := range open {
		if err := b.verifier.Verify(p, project, snap); err != nil {
			if errors.Is(err, config.ErrUnknownUTXO) && b.observeClaimIfSpendByOwnClaim(ctx, project, p) {
				continue
			}
			b.Store.RemoveOpenPledge(project.ID, p.Hash())
			b.recordOutcome(p, auditlog.OutcomeRevoked, err.Error())
		}
	}

	b.Store.SetCheckStatus(project.ID, models.CheckStatus{})
}

// observeClaimIfSpendByOwnClaim looks for a spending transaction behind one
// of p's input outpoints and, if found, hands it to the claim watcher
// instead of letting the caller revoke p outright. It reports whether a
// candidate was found (and so p's fate now belongs to the watcher's
// confidence escalation rather than this requery round). A project already
// tracking a candidate, or with a server of record, is left alone: the
// watcher already owns this project's claim state, or the server refresh
// path does (spec.md §4.6).
func (b *Backend) observeClaimIfSpendByOwnClaim(ctx context.Context, project *models.Project, p *models.Pledge) bool {
	if b.spendLookup == nil || project.HasServer() {
		return false
	}

	if b.claims.Confidence(project.ID) != claim.Unknown {
		for _, op := range p.InputOutpoints() {
			if b.claims.SpendsOutpoint(project.ID, op) {
				return true
			}
		}
		return false
	}

	for _, op := range p.InputOutpoints() {
		tx, found, err := b.spendLookup.FindSpendingTx(ctx, op)
		if err != nil {
			slog.Warn("requery: spending-tx lookup failed", "project", project.ID, "outpoint", op, "error", err)
			continue
		}
		if found {
			b.claims.ObserveCandidate(project.ID, tx)
			return true
		}
	}
	return false
}

// Package claim watches the outpoints a project's open pledges consume for
// a spending transaction, classifies any candidate it finds by confidence,
// and drives the project's lifecycle state machine (OPEN -> CLAIMED/ERROR)
// as that confidence escalates — mirroring the age-based escalation the
// dependency stack already uses for pending-transaction reconciliation.
package claim

import (
	"context"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
	"github.com/lighthouse-contracts/pledgeengine/internal/store"
)

// Confidence is how certain the watcher is that a candidate transaction is
// the project's real claim.
type Confidence int

const (
	// Unknown means no candidate has been observed yet.
	Unknown Confidence = iota
	// Pending means a candidate was seen but has not reached the minimum
	// broadcast-peer count yet.
	Pending
	// Building means the candidate has propagated to enough peers and
	// appears in at least one mempool/block view consistently.
	Building
	// Dead means a previously pending/building candidate dropped out of
	// every peer's view without confirming — most likely replaced or
	// orphaned.
	Dead
)

func (c Confidence) String() string {
	switch c {
	case Pending:
		return "PENDING"
	case Building:
		return "BUILDING"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// BroadcastChecker reports how many peers currently have a candidate
// transaction in view (mempool or a recent block), keyed by txid.
type BroadcastChecker interface {
	PeerViewCount(ctx context.Context, txid chainhash.Hash) (int, error)
}

// candidate tracks one observed spend of a project's outpoints.
type candidate struct {
	tx         *wire.MsgTx
	confidence Confidence
	firstSeen  time.Time
}

// Watcher polls for claim candidates per project and updates the store's
// project-state mirror as confidence changes. All state access happens on
// sched's thread.
type Watcher struct {
	sched   *engine.Scheduler
	st      *store.Store
	checker BroadcastChecker

	minBroadcastPeers int
	pollInterval      time.Duration

	candidates map[[32]byte]*candidate // projectID -> current candidate
}

// New creates a Watcher. pollInterval is both the recheck period and the
// grace period after which a candidate that no peer has in view becomes
// DEAD. Backend passes config.DefaultMinBroadcastPeers and
// config.BlockPropagationTimeSecs respectively.
func New(sched *engine.Scheduler, st *store.Store, checker BroadcastChecker, minBroadcastPeers int, pollInterval time.Duration) *Watcher {
	return &Watcher{
		sched:             sched,
		st:                st,
		checker:           checker,
		minBroadcastPeers: minBroadcastPeers,
		pollInterval:      pollInterval,
		candidates:        make(map[[32]byte]*candidate),
	}
}

// ObserveCandidate records a freshly-seen transaction as a claim candidate
// for a project, replacing any previous candidate. Must be called from the
// scheduler thread (typically from inside a task submitted in response to a
// watched-outpoint match).
func (w *Watcher) ObserveCandidate(projectID [32]byte, tx *wire.MsgTx) {
	w.sched.AssertOnThread()

	c := &candidate{tx: tx, confidence: Pending, firstSeen: time.Now()}
	w.candidates[projectID] = c
	w.applyConfidence(projectID, c)

	w.sched.Schedule(w.pollInterval, func() {
		w.recheck(projectID)
	})
}

// recheck polls the broadcast checker for the current candidate's peer view
// count and escalates or demotes confidence accordingly.
func (w *Watcher) recheck(projectID [32]byte) {
	w.sched.AssertOnThread()

	c, ok := w.candidates[projectID]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ServerClientTimeout)
	defer cancel()

	count, err := w.checker.PeerViewCount(ctx, c.tx.TxHash())
	if err != nil {
		slog.Warn("claim watcher: peer view check failed", "project", projectID, "error", err)
		w.sched.Schedule(w.pollInterval, func() { w.recheck(projectID) })
		return
	}

	switch {
	case count >= w.minBroadcastPeers:
		c.confidence = Building
	case count == 0 && time.Since(c.firstSeen) > w.pollInterval:
		c.confidence = Dead
	default:
		c.confidence = Pending
	}

	w.applyConfidence(projectID, c)

	if c.confidence != Dead {
		w.sched.Schedule(w.pollInterval, func() { w.recheck(projectID) })
	}
}

// applyConfidence pushes the current candidate's confidence into the
// project's lifecycle state. BUILDING (and a PENDING candidate that has
// already reached min_broadcast_peers) marks the project CLAIMED and, for
// projects without a server of record, promotes every open pledge whose
// inputs the candidate consumes into the claimed set directly — a
// server-backed project instead waits for the next server refresh to learn
// the authoritative claimed set. DEAD reverts the project to ERROR and
// drops its claimed set, since the transaction that had absorbed those
// pledges no longer exists.
func (w *Watcher) applyConfidence(projectID [32]byte, c *candidate) {
	switch c.confidence {
	case Building:
		hash := c.tx.TxHash()
		w.st.SetProjectState(projectID, models.ProjectStateInfo{
			State:       models.ProjectClaimed,
			ClaimTxHash: &hash,
		})
		w.promoteMatchingPledges(projectID, c.tx)
	case Dead:
		w.st.SetProjectState(projectID, models.ProjectStateInfo{State: models.ProjectError})
		w.st.ClearClaimedPledges(projectID)
		delete(w.candidates, projectID)
	}
}

// promoteMatchingPledges moves every open pledge of projectID whose main
// transaction's input outpoints all appear among claimTx's inputs into the
// claimed set. Projects with a server of record are left alone here: the
// server's status refresh is the trusted reconciliation path for them
// (spec.md §4.5), so only the local, no-server case applies this directly.
func (w *Watcher) promoteMatchingPledges(projectID [32]byte, claimTx *wire.MsgTx) {
	project, ok := w.st.GetProject(projectID)
	if ok && project.HasServer() {
		return
	}

	claimed := make(map[wire.OutPoint]struct{}, len(claimTx.TxIn))
	for _, in := range claimTx.TxIn {
		claimed[in.PreviousOutPoint] = struct{}{}
	}

	for _, p := range w.st.OpenPledges(projectID) {
		allMatch := len(p.Main.TxIn) > 0
		for _, op := range p.InputOutpoints() {
			if _, ok := claimed[op]; !ok {
				allMatch = false
				break
			}
		}
		if allMatch {
			w.st.PromoteToClaimed(p)
		}
	}
}

// Confidence returns the current confidence for a project's claim
// candidate, or Unknown if none has been observed.
func (w *Watcher) Confidence(projectID [32]byte) Confidence {
	w.sched.AssertOnThread()
	c, ok := w.candidates[projectID]
	if !ok {
		return Unknown
	}
	return c.confidence
}

// SpendsOutpoint reports whether the project's current claim candidate, if
// any, consumes op as one of its inputs. Lets a caller recognize that an
// outpoint's disappearance is the already-observed candidate rather than an
// independent spend, without waiting for the candidate's confidence to reach
// Building.
func (w *Watcher) SpendsOutpoint(projectID [32]byte, op wire.OutPoint) bool {
	w.sched.AssertOnThread()
	c, ok := w.candidates[projectID]
	if !ok {
		return false
	}
	for _, in := range c.tx.TxIn {
		if in.PreviousOutPoint == op {
			return true
		}
	}
	return false
}

package backend

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/auditlog"
	"github.com/lighthouse-contracts/pledgeengine/internal/localwallet"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
	"github.com/lighthouse-contracts/pledgeengine/internal/verify"
)

// watchWallet pumps a PledgingWallet's three event streams onto the
// scheduler thread for the lifetime of each channel. Run as three goroutines
// so each source (pledge-created, pledge-revoked, coins-received) preserves
// its own FIFO order independently, the same guarantee watchChainTips and
// the disk manager's callbacks already give their sources (spec.md §4.8:
// "Events originating from one source preserve their order").
func (b *Backend) watchWallet(w localwallet.PledgingWallet) {
	if w == nil {
		return
	}
	go func() {
		for p := range w.PledgeCreated() {
			p := p
			b.Scheduler.Submit(func() { b.handleWalletPledgeCreated(p) })
		}
	}()
	go func() {
		for r := range w.PledgeRevoked() {
			r := r
			b.Scheduler.Submit(func() { b.handleWalletPledgeRevoked(r) })
		}
	}()
	go func() {
		for tx := range w.CoinsReceived() {
			tx := tx
			b.Scheduler.Submit(func() { b.handleWalletCoinsReceived(tx) })
		}
	}()
}

// handleWalletPledgeCreated implements spec.md §4.8's "Wallet pledge
// created" handler: mirror into open-set. A wallet-originated pledge is
// held to the same verify-then-persist bar as one submitted over HTTP or
// found on disk, via the shared acceptOrReject pipeline.
func (b *Backend) handleWalletPledgeCreated(p *models.Pledge) {
	b.Scheduler.AssertOnThread()
	b.acceptOrReject(p)
}

// handleWalletPledgeRevoked implements spec.md §4.8's "Wallet pledge
// revoked" handler: revocation removes from open-set. Unlike a disk-file
// disappearance, the wallet itself is the authority here — no need to
// consult b.authored.
func (b *Backend) handleWalletPledgeRevoked(r localwallet.PledgeRevocation) {
	b.Scheduler.AssertOnThread()
	b.Store.RemoveOpenPledge(r.ProjectID, r.Hash)
	b.recordOutcome(&models.Pledge{ProjectID: r.ProjectID}, auditlog.OutcomeRevoked, "revoked by wallet")
}

// handleWalletCoinsReceived implements spec.md §4.5/§4.8's "Wallet coins
// received" handler: ask the disk layer (here, the in-memory project
// mirror the disk layer populates) whether the transaction's outputs match
// some project's targets, and if so feed it to ClaimWatcher as a claim
// candidate for that project.
func (b *Backend) handleWalletCoinsReceived(tx *wire.MsgTx) {
	b.Scheduler.AssertOnThread()
	for _, project := range b.Store.Projects() {
		if verify.TxMatchesProjectOutputs(tx, project) {
			b.claims.ObserveCandidate(project.ID, tx)
		}
	}
}

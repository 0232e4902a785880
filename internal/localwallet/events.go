package localwallet

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// PledgeRevocation names a pledge the wallet no longer backs for a project —
// its signer withdrew consent, or the wallet learned its input was
// double-spent locally. spec.md §4.8: "Wallet pledge created / revoked...
// Revocation removes from open-set."
type PledgeRevocation struct {
	ProjectID [32]byte
	Hash      [32]byte
}

// PledgingWallet is the port Backend depends on for wallet-originated
// events. spec.md §2 names "a local wallet" as one of the three
// asynchronous information sources the orchestrator combines; the wallet's
// own key custody and blockchain sync are external per spec.md §1, so
// Backend only reacts to what this interface reports.
type PledgingWallet interface {
	// PledgeCreated delivers a pledge the wallet just signed, to be
	// verified and mirrored into the open-set.
	PledgeCreated() <-chan *models.Pledge
	// PledgeRevoked delivers a pledge the wallet no longer backs.
	PledgeRevoked() <-chan PledgeRevocation
	// CoinsReceived delivers a transaction paying into a wallet-owned
	// address, for ClaimWatcher to check against known project targets
	// (spec.md §4.5).
	CoinsReceived() <-chan *wire.MsgTx
}

// Package models holds the core pledge-lifecycle data types shared by every
// engine package: projects, pledges, their derived state, and the per-project
// check status.
package models

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"net/url"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ProjectState is the lifecycle state of a project, per the state machine in
// the spec: OPEN -> CLAIMED -> ERROR, with ERROR/CLAIMED both soft terminals
// that external evidence can revert.
type ProjectState int

const (
	ProjectOpen ProjectState = iota
	ProjectClaimed
	ProjectError
)

func (s ProjectState) String() string {
	switch s {
	case ProjectOpen:
		return "OPEN"
	case ProjectClaimed:
		return "CLAIMED"
	case ProjectError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// TargetOutput is one output of a project's goal transaction.
type TargetOutput struct {
	PkScript []byte
	Value    btcutil.Amount
}

// Project describes a goal transaction: the set of outputs that, once fully
// funded by pledges, becomes the claim transaction.
type Project struct {
	ID         [32]byte
	Title      string
	Outputs    []TargetOutput
	PaymentURL *url.URL // nil if the project has no server
}

// Goal returns the sum of the project's target outputs.
func (p *Project) Goal() btcutil.Amount {
	var total btcutil.Amount
	for _, o := range p.Outputs {
		total += o.Value
	}
	return total
}

// HasServer reports whether the project has a payment URL, i.e. whether a
// server (rather than the P2P network) is the truth source for its pledges.
func (p *Project) HasServer() bool {
	return p.PaymentURL != nil
}

// Pledge is a partial, off-chain signed contribution toward a project's
// goal: one main transaction plus zero or more dependency transactions whose
// outputs the main transaction's inputs are allowed to spend before those
// dependencies have propagated.
type Pledge struct {
	ProjectID         [32]byte
	Main              *wire.MsgTx
	Dependencies      []*wire.MsgTx
	ClaimedInputValue btcutil.Amount
	OrigHash          *[32]byte // set when this is a server-scrubbed copy of a locally originated pledge
}

// Hash returns the pledge's identity: sha256 of the serialized main
// transaction. This matches the on-disk pledge file naming convention
// (<sha256(pledge_bytes)>.pledge) so store keys and file names agree.
func (p *Pledge) Hash() [32]byte {
	var buf bytes.Buffer
	// Main is always present for any pledge accepted into a store; a nil
	// Main indicates a malformed pledge that should never reach this point.
	if err := p.Main.Serialize(&buf); err != nil {
		panic(fmt.Sprintf("models: serialize pledge main tx: %v", err))
	}
	return sha256.Sum256(buf.Bytes())
}

// InputOutpoints returns the outpoints consumed by the pledge's main
// transaction.
func (p *Pledge) InputOutpoints() []wire.OutPoint {
	ops := make([]wire.OutPoint, len(p.Main.TxIn))
	for i, in := range p.Main.TxIn {
		ops[i] = in.PreviousOutPoint
	}
	return ops
}

// DependencyByTxID returns the dependency transaction with the given hash,
// if the pledge carries one — used to resolve an input that spends one of
// the pledge's own not-yet-propagated dependencies rather than an already
// confirmed UTXO.
func (p *Pledge) DependencyByTxID(h chainhash.Hash) (*wire.MsgTx, bool) {
	for _, dep := range p.Dependencies {
		if dep.TxHash() == h {
			return dep, true
		}
	}
	return nil, false
}

// ProjectStateInfo is the disk-layer-owned lifecycle record for a project.
type ProjectStateInfo struct {
	State       ProjectState
	ClaimTxHash *chainhash.Hash
}

// CheckStatus represents the "in_progress" / "error" presence described in
// the spec: the zero value means the status is absent (no check running,
// last check — if any — succeeded).
type CheckStatus struct {
	InProgress bool
	Err        error
}

// Absent reports whether this status should be considered not-present to
// observers, i.e. no outstanding check and no recorded error.
func (c CheckStatus) Absent() bool {
	return !c.InProgress && c.Err == nil
}

// Package verify checks a candidate pledge against a project and a UTXO
// snapshot: every input resolves to either a confirmed, unspent, matching
// output or one of the pledge's own dependency transactions; the witness
// script executes cleanly under the pledge's committed sighash; and the
// project's funding goal is not exceeded.
package verify

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// UTXOInfo is what the verifier needs to know about a confirmed, unspent
// output: its script and value, as reported by the UTXO query coordinator.
type UTXOInfo struct {
	PkScript []byte
	Value    btcutil.Amount
}

// Snapshot resolves outpoints to UTXOInfo. Implemented by the utxo package's
// coordinator result cache; kept as an interface here so verify has no
// import-time dependency on networking.
type Snapshot interface {
	Lookup(op wire.OutPoint) (UTXOInfo, bool)
}

// Verifier checks pledges for script and value correctness against a UTXO
// snapshot, enforcing the spec's dependency-count and goal-overflow limits.
type Verifier struct {
	maxDependencies int
}

// New creates a Verifier. maxDependencies caps how many not-yet-propagated
// dependency transactions a single pledge may carry; Backend passes
// config.MaxPledgeDependenciesClientMode in client mode and
// config.MaxPledgeDependencies otherwise.
func New(maxDependencies int) *Verifier {
	return &Verifier{maxDependencies: maxDependencies}
}

// prevOutFetcher adapts a Snapshot plus a pledge's own dependency set into
// txscript.PrevOutputFetcher, so the script engine can resolve inputs that
// spend either confirmed UTXOs or the pledge's own unpropagated dependencies.
type prevOutFetcher struct {
	snap   Snapshot
	pledge *models.Pledge
}

func (f *prevOutFetcher) FetchPrevOutput(op wire.OutPoint) *wire.TxOut {
	if info, ok := f.snap.Lookup(op); ok {
		return &wire.TxOut{Value: int64(info.Value), PkScript: info.PkScript}
	}
	if dep, ok := f.pledge.DependencyByTxID(op.Hash); ok && int(op.Index) < len(dep.TxOut) {
		return dep.TxOut[op.Index]
	}
	return nil
}

// FastSanity runs the structural checks spec.md §4.8 performs synchronously
// before broadcasting a pledge's dependency transactions: transactions
// parse (the caller is assumed to have already deserialized them), the
// dependency count is within limit, no input outpoint repeats within the
// pledge, and the main transaction's outputs commit to the project's goal
// outputs. It does not touch any UTXO snapshot and so can run off the
// engine thread.
func (v *Verifier) FastSanity(p *models.Pledge, project *models.Project) error {
	if p.Main == nil || len(p.Main.TxIn) == 0 {
		return fmt.Errorf("%w: pledge has no inputs", config.ErrBadFormat)
	}
	if len(p.Dependencies) > v.maxDependencies {
		return fmt.Errorf("%w: %d dependencies exceeds limit %d",
			config.ErrTooManyDependencies, len(p.Dependencies), v.maxDependencies)
	}
	if err := checkNoDuplicateOutpoints(p); err != nil {
		return err
	}
	return checkOutputsMatchProject(p, project)
}

// Verify checks p against project and snap, returning nil if the pledge is
// acceptable. The returned error is one of the config.Err* sentinels,
// possibly wrapped with additional context.
func (v *Verifier) Verify(p *models.Pledge, project *models.Project, snap Snapshot) error {
	if err := v.FastSanity(p, project); err != nil {
		return err
	}

	fetcher := &prevOutFetcher{snap: snap, pledge: p}

	var totalIn btcutil.Amount
	for i, in := range p.Main.TxIn {
		prevOut := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		if prevOut == nil {
			return fmt.Errorf("%w: input %d spends %s", config.ErrUnknownUTXO, i, in.PreviousOutPoint)
		}
		totalIn += btcutil.Amount(prevOut.Value)

		engine, err := txscript.NewEngine(
			prevOut.PkScript, p.Main, i,
			txscript.StandardVerifyFlags, nil, nil, prevOut.Value, fetcher,
		)
		if err != nil {
			return fmt.Errorf("%w: input %d: %v", config.ErrScriptMismatch, i, err)
		}
		if err := engine.Execute(); err != nil {
			return fmt.Errorf("%w: input %d: %v", config.ErrScriptMismatch, i, err)
		}
	}

	if totalIn > project.Goal() {
		return fmt.Errorf("%w: pledge input total %d exceeds goal %d",
			config.ErrGoalExceeded, totalIn, project.Goal())
	}

	p.ClaimedInputValue = totalIn
	return nil
}

func checkNoDuplicateOutpoints(p *models.Pledge) error {
	seen := make(map[wire.OutPoint]struct{}, len(p.Main.TxIn))
	for _, in := range p.Main.TxIn {
		if _, dup := seen[in.PreviousOutPoint]; dup {
			return fmt.Errorf("%w: outpoint %s spent twice", config.ErrDuplicatedOutPoint, in.PreviousOutPoint)
		}
		seen[in.PreviousOutPoint] = struct{}{}
	}
	return nil
}

// checkOutputsMatchProject verifies the pledge's main transaction carries
// the project's target outputs verbatim and in order; a pledge signed with
// SigHashAll|SigHashAnyOneCanPay commits to these outputs at creation time,
// so only inputs may be appended later as more pledgers join.
func checkOutputsMatchProject(p *models.Pledge, project *models.Project) error {
	if len(p.Main.TxOut) < len(project.Outputs) {
		return fmt.Errorf("%w: pledge has %d outputs, project requires %d",
			config.ErrBadFormat, len(p.Main.TxOut), len(project.Outputs))
	}
	for i, want := range project.Outputs {
		got := p.Main.TxOut[i]
		if got.Value != int64(want.Value) || !scriptsEqual(got.PkScript, want.PkScript) {
			return fmt.Errorf("%w: output %d does not match project target", config.ErrBadFormat, i)
		}
	}
	return nil
}

// TxMatchesProjectOutputs reports whether tx carries project's target
// outputs verbatim and in order, starting at output 0 — the same commitment
// checkOutputsMatchProject enforces for a pledge's main transaction, applied
// here to an arbitrary transaction a wallet reports as received (spec.md
// §4.5: "Ask the disk layer whether the transaction's outputs match some
// project's targets").
func TxMatchesProjectOutputs(tx *wire.MsgTx, project *models.Project) bool {
	if len(tx.TxOut) < len(project.Outputs) {
		return false
	}
	for i, want := range project.Outputs {
		got := tx.TxOut[i]
		if got.Value != int64(want.Value) || !scriptsEqual(got.PkScript, want.PkScript) {
			return false
		}
	}
	return true
}

func scriptsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mapSnapshot is a simple in-memory Snapshot, used by tests and by the utxo
// coordinator to hand verify a fixed result set for one verification pass.
type mapSnapshot map[wire.OutPoint]UTXOInfo

func (m mapSnapshot) Lookup(op wire.OutPoint) (UTXOInfo, bool) {
	info, ok := m[op]
	return info, ok
}

// NewMapSnapshot builds a Snapshot from a fixed set of known outputs.
func NewMapSnapshot(known map[wire.OutPoint]UTXOInfo) Snapshot {
	return mapSnapshot(known)
}

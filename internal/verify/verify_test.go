package verify

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// buildFundedPledge creates a single-input, single-output P2WPKH pledge tx
// that fully and correctly spends a known prevout to a project's target
// output, signed with SigHashAll|SigHashAnyOneCanPay.
func buildFundedPledge(t *testing.T, inputValue, outputValue int64) (*models.Pledge, *models.Project, Snapshot) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}

	prevOut := wire.OutPoint{Index: 0}
	prevTxOut := &wire.TxOut{Value: inputValue, PkScript: pkScript}

	main := wire.NewMsgTx(wire.TxVersion)
	main.AddTxIn(&wire.TxIn{PreviousOutPoint: prevOut})
	main.AddTxOut(&wire.TxOut{Value: outputValue, PkScript: pkScript})

	witness, err := txscript.WitnessSignature(main, txscript.NewTxSigHashes(main, singleOutputFetcher(prevOut, prevTxOut)),
		0, inputValue, pkScript, txscript.SigHashAll|txscript.SigHashAnyOneCanPay, priv, true)
	if err != nil {
		t.Fatal(err)
	}
	main.TxIn[0].Witness = witness

	project := &models.Project{
		ID:    [32]byte{9},
		Title: "test project",
		Outputs: []models.TargetOutput{
			{PkScript: pkScript, Value: btcutil.Amount(outputValue)},
		},
	}

	pledge := &models.Pledge{ProjectID: project.ID, Main: main}

	snap := NewMapSnapshot(map[wire.OutPoint]UTXOInfo{
		prevOut: {PkScript: pkScript, Value: btcutil.Amount(inputValue)},
	})

	return pledge, project, snap
}

// singleOutputFetcher is a minimal txscript.PrevOutputFetcher for signing.
type singleOutputFetcherImpl struct {
	op  wire.OutPoint
	out *wire.TxOut
}

func singleOutputFetcher(op wire.OutPoint, out *wire.TxOut) txscript.PrevOutputFetcher {
	return &singleOutputFetcherImpl{op: op, out: out}
}

func (f *singleOutputFetcherImpl) FetchPrevOutput(op wire.OutPoint) *wire.TxOut {
	if op == f.op {
		return f.out
	}
	return nil
}

func TestVerifyAcceptsFundedPledge(t *testing.T) {
	pledge, project, snap := buildFundedPledge(t, 100_000, 100_000)
	v := New(config.MaxPledgeDependencies)

	if err := v.Verify(pledge, project, snap); err != nil {
		t.Fatalf("Verify() error = %v, want nil", err)
	}
	if pledge.ClaimedInputValue != 100_000 {
		t.Errorf("ClaimedInputValue = %d, want 100000", pledge.ClaimedInputValue)
	}
}

func TestVerifyRejectsUnknownUTXO(t *testing.T) {
	pledge, project, _ := buildFundedPledge(t, 100_000, 100_000)
	v := New(config.MaxPledgeDependencies)
	empty := NewMapSnapshot(nil)

	err := v.Verify(pledge, project, empty)
	if !errors.Is(err, config.ErrUnknownUTXO) {
		t.Fatalf("Verify() error = %v, want ErrUnknownUTXO", err)
	}
}

func TestVerifyRejectsGoalOverflow(t *testing.T) {
	// The pledge spends a 200,000 input toward a project whose goal (its
	// single target output) is only 100,000.
	pledge, project, snap := buildFundedPledge(t, 200_000, 100_000)

	v := New(config.MaxPledgeDependencies)
	err := v.Verify(pledge, project, snap)
	if !errors.Is(err, config.ErrGoalExceeded) {
		t.Fatalf("Verify() error = %v, want ErrGoalExceeded", err)
	}
}

func TestVerifyRejectsDuplicateOutpoint(t *testing.T) {
	pledge, project, snap := buildFundedPledge(t, 100_000, 100_000)
	pledge.Main.TxIn = append(pledge.Main.TxIn, pledge.Main.TxIn[0])

	v := New(config.MaxPledgeDependencies)
	err := v.Verify(pledge, project, snap)
	if !errors.Is(err, config.ErrDuplicatedOutPoint) {
		t.Fatalf("Verify() error = %v, want ErrDuplicatedOutPoint", err)
	}
}

func TestVerifyRejectsTooManyDependencies(t *testing.T) {
	pledge, project, snap := buildFundedPledge(t, 100_000, 100_000)
	for i := 0; i < 10; i++ {
		pledge.Dependencies = append(pledge.Dependencies, wire.NewMsgTx(wire.TxVersion))
	}

	v := New(2)
	err := v.Verify(pledge, project, snap)
	if !errors.Is(err, config.ErrTooManyDependencies) {
		t.Fatalf("Verify() error = %v, want ErrTooManyDependencies", err)
	}
}

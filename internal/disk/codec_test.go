package disk

import (
	"net/url"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

func TestEncodeDecodePledgeRoundTrip(t *testing.T) {
	main := wire.NewMsgTx(wire.TxVersion)
	main.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 1}})
	dep := wire.NewMsgTx(wire.TxVersion)
	dep.AddTxOut(&wire.TxOut{Value: 500})

	p := &models.Pledge{
		ProjectID:    [32]byte{1},
		Main:         main,
		Dependencies: []*wire.MsgTx{dep},
	}

	raw, err := EncodePledge(p)
	if err != nil {
		t.Fatalf("EncodePledge() error = %v", err)
	}

	got, err := DecodePledge(p.ProjectID, raw)
	if err != nil {
		t.Fatalf("DecodePledge() error = %v", err)
	}
	if got.Main.TxHash() != p.Main.TxHash() {
		t.Error("decoded main tx hash mismatch")
	}
	if len(got.Dependencies) != 1 {
		t.Fatalf("Dependencies len = %d, want 1", len(got.Dependencies))
	}
}

func TestEncodeDecodeProjectRoundTrip(t *testing.T) {
	u, _ := url.Parse("https://example.org/status")
	p := &models.Project{
		Title:      "lighthouse demo",
		PaymentURL: u,
		Outputs: []models.TargetOutput{
			{PkScript: []byte{0x51}, Value: btcutil.Amount(1000)},
		},
	}

	raw, err := EncodeProject(p)
	if err != nil {
		t.Fatalf("EncodeProject() error = %v", err)
	}

	got, err := DecodeProject(raw)
	if err != nil {
		t.Fatalf("DecodeProject() error = %v", err)
	}
	if got.Title != p.Title {
		t.Errorf("Title = %q, want %q", got.Title, p.Title)
	}
	if got.PaymentURL == nil || got.PaymentURL.String() != u.String() {
		t.Errorf("PaymentURL = %v, want %v", got.PaymentURL, u)
	}
	if len(got.Outputs) != 1 || got.Outputs[0].Value != 1000 {
		t.Fatalf("Outputs = %+v", got.Outputs)
	}
}

func TestEncodeDecodeProjectNoPaymentURL(t *testing.T) {
	p := &models.Project{Title: "no server"}
	raw, err := EncodeProject(p)
	if err != nil {
		t.Fatalf("EncodeProject() error = %v", err)
	}
	got, err := DecodeProject(raw)
	if err != nil {
		t.Fatalf("DecodeProject() error = %v", err)
	}
	if got.PaymentURL != nil {
		t.Errorf("PaymentURL = %v, want nil", got.PaymentURL)
	}
	if got.HasServer() {
		t.Error("HasServer() = true, want false")
	}
}

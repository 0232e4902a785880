package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/claim"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/localwallet"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
	"github.com/lighthouse-contracts/pledgeengine/internal/utxo"
)

type fakePeer struct {
	id     string
	status utxo.OutpointStatus
}

func (f *fakePeer) ID() string { return f.id }
func (f *fakePeer) GetUTXOs(ctx context.Context, req utxo.GetUTXOsRequest) (utxo.GetUTXOsResponse, error) {
	statuses := make([]utxo.OutpointStatus, len(req.Outpoints))
	for i := range statuses {
		statuses[i] = f.status
	}
	return utxo.GetUTXOsResponse{Statuses: statuses}, nil
}

type fakeGroup struct{ peers []utxo.Peer }

func (g *fakeGroup) Peers() []utxo.Peer { return g.peers }

type fakeChecker struct{}

func (fakeChecker) PeerViewCount(ctx context.Context, txid chainhash.Hash) (int, error) {
	return 0, nil
}

func testBackend(t *testing.T, group utxo.PeerGroup) *Backend {
	t.Helper()
	cfg := &config.Config{
		Mode:                  "client",
		DataDir:               t.TempDir(),
		Network:               "regtest",
		Port:                  18443,
		MinPeersForUTXOQuery:  1,
	}
	b, err := New(cfg, group, fakeChecker{}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

// fundedProjectAndPledge builds a project whose single target output is
// fully funded by one correctly-signed pledge input.
func fundedProjectAndPledge(t *testing.T, value int64) (*models.Project, *models.Pledge, utxo.PeerGroup) {
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
	main := wire.NewMsgTx(wire.TxVersion)
	main.AddTxIn(&wire.TxIn{PreviousOutPoint: prevOut})
	main.AddTxOut(&wire.TxOut{Value: value, PkScript: pkScript})

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	sigHashes := txscript.NewTxSigHashes(main, fetcher)
	witness, err := txscript.WitnessSignature(main, sigHashes, 0, value, pkScript,
		txscript.SigHashAll|txscript.SigHashAnyOneCanPay, priv, true)
	if err != nil {
		t.Fatal(err)
	}
	main.TxIn[0].Witness = witness

	project := &models.Project{
		ID:      [32]byte{1, 2, 3},
		Title:   "test project",
		Outputs: []models.TargetOutput{{PkScript: pkScript, Value: btcutil.Amount(value)}},
	}
	pledge := &models.Pledge{ProjectID: project.ID, Main: main}

	group := &fakeGroup{peers: []utxo.Peer{
		&fakePeer{id: "a", status: utxo.OutpointStatus{PkScript: pkScript, Value: btcutil.Amount(value)}},
	}}

	return project, pledge, group
}

func TestSimplePledgeAccepted(t *testing.T) {
	project, pledge, group := fundedProjectAndPledge(t, 100_000)
	b := testBackend(t, group)

	if err := b.SaveProject(project); err != nil {
		t.Fatalf("SaveProject() error = %v", err)
	}
	if err := b.SubmitPledge(pledge); err != nil {
		t.Fatalf("SubmitPledge() error = %v, want accepted", err)
	}

	open := engineOpenPledges(t, b, project.ID)
	if len(open) != 1 {
		t.Fatalf("open pledges = %d, want 1", len(open))
	}
}

func TestDuplicateOutpointRejected(t *testing.T) {
	project, pledge, group := fundedProjectAndPledge(t, 100_000)
	pledge.Main.TxIn = append(pledge.Main.TxIn, pledge.Main.TxIn[0])
	b := testBackend(t, group)

	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}
	if err := b.SubmitPledge(pledge); err == nil {
		t.Fatal("expected duplicate-outpoint pledge to be rejected")
	}
}

func TestPeerDisagreementTreatedAsUnknownUTXO(t *testing.T) {
	project, pledge, _ := fundedProjectAndPledge(t, 100_000)
	disagreeing := &fakeGroup{peers: []utxo.Peer{
		&fakePeer{id: "a", status: utxo.OutpointStatus{PkScript: []byte{0x51}, Value: 100_000}},
		&fakePeer{id: "b", status: utxo.OutpointStatus{PkScript: []byte{0x52}, Value: 100_000}},
	}}
	b := testBackend(t, disagreeing)

	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}
	if err := b.SubmitPledge(pledge); err == nil {
		t.Fatal("expected pledge to be rejected when peers disagree on UTXO status")
	}
}

func TestUnknownProjectRejected(t *testing.T) {
	_, pledge, group := fundedProjectAndPledge(t, 100_000)
	b := testBackend(t, group)

	if err := b.SubmitPledge(pledge); err == nil {
		t.Fatal("expected pledge for an unsaved project to be rejected")
	}
}

func TestChainTipNearHead(t *testing.T) {
	cases := []struct {
		name string
		tip  ChainTip
		want bool
	}{
		{"no peer signal", ChainTip{Height: 100, PeerHeight: 0}, true},
		{"at head", ChainTip{Height: 100, PeerHeight: 100}, true},
		{"within tolerance", ChainTip{Height: 98, PeerHeight: 100}, true},
		{"behind head", ChainTip{Height: 90, PeerHeight: 100}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tip.nearHead(); got != tc.want {
				t.Errorf("nearHead() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRequeryProjectDropsRevokedPledge(t *testing.T) {
	project, pledge, _ := fundedProjectAndPledge(t, 100_000)
	peer := &fakePeer{id: "a", status: utxo.OutpointStatus{PkScript: project.Outputs[0].PkScript, Value: btcutil.Amount(100_000)}}
	group := &fakeGroup{peers: []utxo.Peer{peer}}
	b := testBackend(t, group)

	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}
	if err := b.SubmitPledge(pledge); err != nil {
		t.Fatalf("SubmitPledge() error = %v", err)
	}
	if len(engineOpenPledges(t, b, project.ID)) != 1 {
		t.Fatal("expected pledge open before revocation")
	}

	// The peer now reports the pledge's outpoint as spent elsewhere.
	peer.status = utxo.OutpointStatus{Spent: true}

	done := make(chan struct{})
	b.Scheduler.Submit(func() {
		b.requeryProject(project)
		close(done)
	})
	<-done

	if open := engineOpenPledges(t, b, project.ID); len(open) != 0 {
		t.Fatalf("open pledges after requery = %d, want 0 (revoked)", len(open))
	}
}

func TestRequeryProjectErrorsOnDuplicateOutpoint(t *testing.T) {
	project, pledge, group := fundedProjectAndPledge(t, 100_000)
	b := testBackend(t, group)

	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}
	if err := b.SubmitPledge(pledge); err != nil {
		t.Fatalf("SubmitPledge() error = %v", err)
	}

	done := make(chan struct{})
	b.Scheduler.Submit(func() {
		// Force a second open pledge that reuses the same outpoint, bypassing
		// verification, to exercise requeryProject's duplicate-outpoint guard.
		dup := &models.Pledge{ProjectID: project.ID, Main: pledge.Main.Copy()}
		dup.Main.AddTxOut(&wire.TxOut{Value: 1, PkScript: []byte{0x51}})
		b.Store.AddOpenPledge(dup)
		b.requeryProject(project)
		close(done)
	})
	<-done

	status := checkStatusSnapshot(t, b, project.ID)
	if status.Err == nil {
		t.Fatal("expected CheckStatus error after duplicate-outpoint requery")
	}
}

func TestDiskPledgeRemovedDropsUnauthoredPledge(t *testing.T) {
	project, pledge, group := fundedProjectAndPledge(t, 100_000)
	b := testBackend(t, group)

	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}
	if err := b.SubmitPledge(pledge); err != nil {
		t.Fatalf("SubmitPledge() error = %v", err)
	}
	if len(engineOpenPledges(t, b, project.ID)) != 1 {
		t.Fatal("expected pledge open before disk removal")
	}

	hash := pledge.Hash()
	done := make(chan struct{})
	b.Scheduler.Submit(func() {
		// Pretend this node never wrote the file itself, the way an
		// externally-dropped-then-withdrawn pledge file would behave.
		delete(b.authored[project.ID], hash)
		b.handleDiskPledgeRemoved(project.ID, hash)
		close(done)
	})
	<-done

	if open := engineOpenPledges(t, b, project.ID); len(open) != 0 {
		t.Fatalf("open pledges after disk removal = %d, want 0", len(open))
	}
}

func TestDiskPledgeRemovedKeepsAuthoredPledge(t *testing.T) {
	project, pledge, group := fundedProjectAndPledge(t, 100_000)
	b := testBackend(t, group)

	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}
	if err := b.SubmitPledge(pledge); err != nil {
		t.Fatalf("SubmitPledge() error = %v", err)
	}

	hash := pledge.Hash()
	done := make(chan struct{})
	b.Scheduler.Submit(func() {
		b.handleDiskPledgeRemoved(project.ID, hash)
		close(done)
	})
	<-done

	if open := engineOpenPledges(t, b, project.ID); len(open) != 1 {
		t.Fatalf("open pledges after disk removal of an authored pledge = %d, want 1 (benign)", len(open))
	}
}

func TestDiskProjectRemovedDropsProject(t *testing.T) {
	project, _, group := fundedProjectAndPledge(t, 100_000)
	b := testBackend(t, group)

	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	b.Scheduler.Submit(func() {
		b.handleDiskProjectRemoved(project.ID)
		close(done)
	})
	<-done

	if _, ok := b.GetProjectByID(project.ID); ok {
		t.Fatal("expected project to be removed from the store")
	}
}

// TestRefreshFromServerSkipsScrubbedDuplicateViaOrigHash exercises spec.md
// §8 scenario (f): in client mode, a pledge the server echoes back carrying
// orig_hash equal to a pledge we already hold open must not be treated as
// newly_open (no duplicate) and must not be treated as newly_invalid either
// (the recognized set in refreshFromServer must credit the orig_hash match,
// not just an exact hash match).
func TestRefreshFromServerSkipsScrubbedDuplicateViaOrigHash(t *testing.T) {
	project, pledge, group := fundedProjectAndPledge(t, 100_000)

	var mainBuf bytes.Buffer
	if err := pledge.Main.Serialize(&mainBuf); err != nil {
		t.Fatal(err)
	}
	mainHex := hex.EncodeToString(mainBuf.Bytes())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pledges":[{"main_hex":"` + mainHex + `","orig_hash":"` +
			hex.EncodeToString(func() []byte { h := pledge.Hash(); return h[:] }()) +
			`"}],"revoked_hashes":[]}`))
	}))
	defer srv.Close()

	paymentURL, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	project.PaymentURL = paymentURL

	b := testBackend(t, group) // client mode
	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}
	if err := b.SubmitPledge(pledge); err != nil {
		t.Fatalf("SubmitPledge() error = %v", err)
	}
	if open := engineOpenPledges(t, b, project.ID); len(open) != 1 {
		t.Fatalf("open pledges before refresh = %d, want 1", len(open))
	}

	if err := b.RefreshProjectStatusFromServer(context.Background(), project.ID); err != nil {
		t.Fatalf("RefreshProjectStatusFromServer() error = %v", err)
	}

	open := engineOpenPledges(t, b, project.ID)
	if len(open) != 1 {
		t.Fatalf("open pledges after refresh = %d, want 1 (no duplicate, no false revocation)", len(open))
	}
	if open[0].Hash() != pledge.Hash() {
		t.Fatalf("open pledge hash = %x, want original pledge %x", open[0].Hash(), pledge.Hash())
	}
}

// TestWalletPledgeCreatedMirrorsAndRevokedRemoves exercises spec.md §4.8's
// "Wallet pledge created / revoked" handlers: a pledge the wallet reports as
// created is verified and mirrored into the open-set the same way a
// disk-observed or HTTP-submitted pledge is, and a subsequent revocation for
// the same pledge removes it again.
func TestWalletPledgeCreatedMirrorsAndRevokedRemoves(t *testing.T) {
	project, pledge, group := fundedProjectAndPledge(t, 100_000)
	b := testBackend(t, group)

	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	b.Scheduler.Submit(func() {
		b.handleWalletPledgeCreated(pledge)
		close(done)
	})
	<-done

	if open := engineOpenPledges(t, b, project.ID); len(open) != 1 {
		t.Fatalf("open pledges after wallet pledge created = %d, want 1", len(open))
	}

	done = make(chan struct{})
	b.Scheduler.Submit(func() {
		b.handleWalletPledgeRevoked(localwallet.PledgeRevocation{ProjectID: project.ID, Hash: pledge.Hash()})
		close(done)
	})
	<-done

	if open := engineOpenPledges(t, b, project.ID); len(open) != 0 {
		t.Fatalf("open pledges after wallet pledge revoked = %d, want 0", len(open))
	}
}

// TestWalletCoinsReceivedObservesClaimCandidate exercises spec.md §4.5/§4.8's
// "Wallet coins received" handler: a transaction the wallet reports as
// received, whose outputs match a known project's targets, is handed to the
// claim watcher as a candidate rather than ignored.
func TestWalletCoinsReceivedObservesClaimCandidate(t *testing.T) {
	project, pledge, group := fundedProjectAndPledge(t, 100_000)
	b := testBackend(t, group)

	if err := b.SaveProject(project); err != nil {
		t.Fatal(err)
	}
	if err := b.SubmitPledge(pledge); err != nil {
		t.Fatalf("SubmitPledge() error = %v", err)
	}

	claimTx := wire.NewMsgTx(wire.TxVersion)
	claimTx.AddTxIn(&wire.TxIn{PreviousOutPoint: pledge.Main.TxIn[0].PreviousOutPoint})
	claimTx.AddTxOut(&wire.TxOut{Value: int64(project.Outputs[0].Value), PkScript: project.Outputs[0].PkScript})

	done := make(chan struct{})
	b.Scheduler.Submit(func() {
		b.handleWalletCoinsReceived(claimTx)
		close(done)
	})
	<-done

	conf := engine.RunOnThread(b.Scheduler, func() claim.Confidence {
		return b.claims.Confidence(project.ID)
	})
	if conf == claim.Unknown {
		t.Fatal("expected claim watcher to observe a candidate after wallet coins received")
	}
}

func checkStatusSnapshot(t *testing.T, b *Backend, projectID [32]byte) models.CheckStatus {
	t.Helper()
	done := make(chan models.CheckStatus, 1)
	b.Scheduler.Submit(func() {
		done <- b.Store.CheckStatus(projectID)
	})
	select {
	case s := <-done:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading check status")
		return models.CheckStatus{}
	}
}

func engineOpenPledges(t *testing.T, b *Backend, projectID [32]byte) []*models.Pledge {
	t.Helper()
	done := make(chan []*models.Pledge, 1)
	b.Scheduler.Submit(func() {
		done <- b.Store.OpenPledges(projectID)
	})
	select {
	case p := <-done:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading open pledges")
		return nil
	}
}

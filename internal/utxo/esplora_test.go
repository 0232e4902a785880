package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func TestEsploraPeerGetUTXOsUnspent(t *testing.T) {
	script := []byte{0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	txid := "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/tx/"+txid:
			fmt.Fprintf(w, `{"vout":[{"scriptpubkey":"%s","value":25000000}]}`, hex.EncodeToString(script))
		case r.URL.Path == "/tx/"+txid+"/outspend/0":
			fmt.Fprint(w, `{"spent":false}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	peer := NewEsploraPeer("test", server.URL, 1000)
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		t.Fatalf("NewHashFromStr() error = %v", err)
	}

	resp, err := peer.GetUTXOs(context.Background(), GetUTXOsRequest{
		Outpoints: []wire.OutPoint{{Hash: *hash, Index: 0}},
	})
	if err != nil {
		t.Fatalf("GetUTXOs() error = %v", err)
	}
	if len(resp.Statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(resp.Statuses))
	}
	st := resp.Statuses[0]
	if st.Spent || st.Unknown {
		t.Fatalf("expected unspent known outpoint, got %+v", st)
	}
	if st.Value != 25000000 {
		t.Errorf("expected value 25000000, got %d", st.Value)
	}
	if hex.EncodeToString(st.PkScript) != hex.EncodeToString(script) {
		t.Errorf("script mismatch: got %x want %x", st.PkScript, script)
	}
}

func TestEsploraPeerGetUTXOsSpent(t *testing.T) {
	txid := "bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/tx/"+txid:
			fmt.Fprint(w, `{"vout":[{"scriptpubkey":"0014aabbccdd","value":1000}]}`)
		case r.URL.Path == "/tx/"+txid+"/outspend/0":
			fmt.Fprint(w, `{"spent":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	peer := NewEsploraPeer("test", server.URL, 1000)
	hash, _ := chainhash.NewHashFromStr(txid)

	resp, err := peer.GetUTXOs(context.Background(), GetUTXOsRequest{
		Outpoints: []wire.OutPoint{{Hash: *hash, Index: 0}},
	})
	if err != nil {
		t.Fatalf("GetUTXOs() error = %v", err)
	}
	if !resp.Statuses[0].Spent {
		t.Errorf("expected spent=true")
	}
}

func TestEsploraPeerGetUTXOsUnknownTx(t *testing.T) {
	txid := "cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc3"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	peer := NewEsploraPeer("test", server.URL, 1000)
	hash, _ := chainhash.NewHashFromStr(txid)

	resp, err := peer.GetUTXOs(context.Background(), GetUTXOsRequest{
		Outpoints: []wire.OutPoint{{Hash: *hash, Index: 0}},
	})
	if err != nil {
		t.Fatalf("GetUTXOs() error = %v", err)
	}
	if !resp.Statuses[0].Unknown {
		t.Errorf("expected Unknown=true for a tx the oracle never indexed")
	}
}

func TestNewEsploraPeerGroupReturnsTwoPeers(t *testing.T) {
	group := NewEsploraPeerGroup("testnet")
	if len(group.Peers()) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(group.Peers()))
	}
}

func TestEsploraBroadcasterPostsRawHex(t *testing.T) {
	var gotBody, gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotMethod = r.Method
		gotPath = r.URL.Path
		fmt.Fprint(w, "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa1")
	}))
	defer server.Close()

	b := NewEsploraBroadcaster(server.URL)
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})

	if err := b.Broadcast(context.Background(), tx); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/tx" {
		t.Errorf("path = %s, want /tx", gotPath)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	if gotBody != hex.EncodeToString(buf.Bytes()) {
		t.Errorf("posted body = %s, want raw tx hex", gotBody)
	}
}

func TestEsploraBroadcasterErrorsOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad-txns-inputs-missingorspent", http.StatusBadRequest)
	}))
	defer server.Close()

	b := NewEsploraBroadcaster(server.URL)
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})

	if err := b.Broadcast(context.Background(), tx); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

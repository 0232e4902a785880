package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lighthouse-contracts/pledgeengine/internal/backend"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/utxo"
)

type fakePeer struct{}

func (fakePeer) ID() string { return "fake" }
func (fakePeer) GetUTXOs(ctx context.Context, req utxo.GetUTXOsRequest) (utxo.GetUTXOsResponse, error) {
	return utxo.GetUTXOsResponse{Statuses: make([]utxo.OutpointStatus, len(req.Outpoints))}, nil
}

type fakeGroup struct{}

func (fakeGroup) Peers() []utxo.Peer { return []utxo.Peer{fakePeer{}} }

type fakeChecker struct{}

func (fakeChecker) PeerViewCount(ctx context.Context, txid chainhash.Hash) (int, error) {
	return 0, nil
}

func TestNewRouterServesHealthAndProjects(t *testing.T) {
	cfg := &config.Config{
		Mode:                 "server",
		DataDir:              t.TempDir(),
		Network:              "regtest",
		Port:                 18443,
		MinPeersForUTXOQuery: 1,
	}
	b, err := backend.New(cfg, fakeGroup{}, fakeChecker{}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("backend.New() error = %v", err)
	}
	defer b.Close()

	r := NewRouter(b, cfg)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp2, err := http.Get(srv.URL + "/api/projects/")
	if err != nil {
		t.Fatalf("GET /api/projects/: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp2.StatusCode)
	}

	resp3, err := http.Get(srv.URL + "/pay/nonexistent")
	if err != nil {
		t.Fatalf("GET /pay/nonexistent: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp3.StatusCode)
	}
}

func TestNewRouterClientModeHasNoPaymentEndpoint(t *testing.T) {
	cfg := &config.Config{
		Mode:                 "client",
		DataDir:              t.TempDir(),
		Network:              "regtest",
		Port:                 18443,
		MinPeersForUTXOQuery: 1,
	}
	b, err := backend.New(cfg, fakeGroup{}, fakeChecker{}, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("backend.New() error = %v", err)
	}
	defer b.Close()

	r := NewRouter(b, cfg)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/pay/whatever")
	if err != nil {
		t.Fatalf("GET /pay/whatever: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (route not registered in client mode)", resp.StatusCode)
	}
}

package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
)

// esploraRateLimiter wraps a token-bucket limiter for one HTTP oracle,
// adapted from the dependency stack's per-provider rate limiter shape so a
// misconfigured round can't hammer a public Esplora instance.
type esploraRateLimiter struct {
	limiter *rate.Limiter
	name    string
}

func newEsploraRateLimiter(name string, rps int) *esploraRateLimiter {
	return &esploraRateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), 1), name: name}
}

func (rl *esploraRateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("esplora peer %s: rate limiter: %w", rl.name, err)
	}
	return nil
}

// esploraTx is the subset of an Esplora /tx/:txid response this package
// needs: each output's script and value, to compare against a pledge's
// recorded claim.
type esploraTx struct {
	Vout []struct {
		ScriptPubKeyHex string `json:"scriptpubkey"`
		Value           int64  `json:"value"`
	} `json:"vout"`
}

type esploraOutspend struct {
	Spent bool   `json:"spent"`
	TxID  string `json:"txid"`
}

// EsploraPeer implements utxo.Peer against an Esplora-family HTTP API
// (blockstream.info, mempool.space): two independent instances of this type
// stand in for the two-or-more P2P peers spec.md §4.4 queries, giving the
// UTXOQueryCoordinator concrete consistent-oracle replication to drive
// end to end without a live P2P node. Grounded on the dependency stack's
// BlockstreamProvider/MempoolProvider HTTP-and-rate-limiter shape, adapted
// here from address-balance queries to per-outpoint spend/script/value
// queries.
type EsploraPeer struct {
	id      string
	baseURL string
	client  *http.Client
	rl      *esploraRateLimiter
}

// NewEsploraPeer creates a Peer backed by an Esplora-style REST API rooted
// at baseURL (e.g. config.BlockstreamMainnetURL), rate limited to rps
// requests/second.
func NewEsploraPeer(id, baseURL string, rps int) *EsploraPeer {
	return &EsploraPeer{
		id:      id,
		baseURL: baseURL,
		client:  &http.Client{Timeout: config.EsploraRequestTimeout},
		rl:      newEsploraRateLimiter(id, rps),
	}
}

func (p *EsploraPeer) ID() string { return p.id }

// GetUTXOs answers req by fetching each referenced transaction's outputs
// and its per-output spend status. A transaction Esplora has never indexed
// (never broadcast, or pruned) yields Unknown for every outpoint in it
// rather than an error, matching the consistent-oracle "no vote" semantics
// the coordinator already tolerates per peer.
func (p *EsploraPeer) GetUTXOs(ctx context.Context, req GetUTXOsRequest) (GetUTXOsResponse, error) {
	statuses := make([]OutpointStatus, len(req.Outpoints))
	txCache := make(map[string]*esploraTx)

	for i, op := range req.Outpoints {
		txid := op.Hash.String()

		tx, ok := txCache[txid]
		if !ok {
			fetched, err := p.fetchTx(ctx, txid)
			if err != nil {
				statuses[i] = OutpointStatus{Unknown: true}
				txCache[txid] = nil
				continue
			}
			tx = fetched
			txCache[txid] = tx
		}
		if tx == nil || int(op.Index) >= len(tx.Vout) {
			statuses[i] = OutpointStatus{Unknown: true}
			continue
		}

		spent, _, err := p.fetchOutspend(ctx, txid, op.Index)
		if err != nil {
			statuses[i] = OutpointStatus{Unknown: true}
			continue
		}

		vout := tx.Vout[op.Index]
		script, err := hex.DecodeString(vout.ScriptPubKeyHex)
		if err != nil {
			statuses[i] = OutpointStatus{Unknown: true}
			continue
		}

		statuses[i] = OutpointStatus{
			Spent:    spent,
			PkScript: script,
			Value:    btcutil.Amount(vout.Value),
		}
	}

	return GetUTXOsResponse{Statuses: statuses}, nil
}

func (p *EsploraPeer) fetchTx(ctx context.Context, txid string) (*esploraTx, error) {
	if err := p.rl.Wait(ctx); err != nil {
		return nil, err
	}
	var out esploraTx
	if err := p.getJSON(ctx, fmt.Sprintf("%s/tx/%s", p.baseURL, txid), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *EsploraPeer) fetchOutspend(ctx context.Context, txid string, vout uint32) (bool, string, error) {
	if err := p.rl.Wait(ctx); err != nil {
		return false, "", err
	}
	var out esploraOutspend
	if err := p.getJSON(ctx, fmt.Sprintf("%s/tx/%s/outspend/%d", p.baseURL, txid, vout), &out); err != nil {
		return false, "", err
	}
	return out.Spent, out.TxID, nil
}

// fetchTxHex fetches the raw serialized transaction bytes for txid.
func (p *EsploraPeer) fetchTxHex(ctx context.Context, txid string) ([]byte, error) {
	if err := p.rl.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/tx/%s/hex", p.baseURL, txid), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("esplora peer %s: tx/%s/hex: unexpected status %d", p.id, txid, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("esplora peer %s: tx/%s/hex: %w", p.id, txid, err)
	}
	return raw, nil
}

// FindSpendingTx reports the transaction that spends op, if any. It
// implements SpendingTxFinder so the no-server requery path (spec.md §4.7
// step 3) can recognize a pledge's outpoint being consumed by the project's
// own claim transaction rather than treating the disappearance as an
// outright revocation.
func (p *EsploraPeer) FindSpendingTx(ctx context.Context, op wire.OutPoint) (*wire.MsgTx, bool, error) {
	spent, spendingTxID, err := p.fetchOutspend(ctx, op.Hash.String(), op.Index)
	if err != nil {
		return nil, false, err
	}
	if !spent || spendingTxID == "" {
		return nil, false, nil
	}

	raw, err := p.fetchTxHex(ctx, spendingTxID)
	if err != nil {
		return nil, false, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, false, fmt.Errorf("esplora peer %s: decode spending tx %s: %w", p.id, spendingTxID, err)
	}
	return tx, true, nil
}

func (p *EsploraPeer) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("esplora peer %s: %s: unexpected status %d", p.id, url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// EsploraBroadcaster implements backend.TxBroadcaster against an
// Esplora-style HTTP API's POST /tx endpoint, which accepts a raw
// hex-encoded transaction and relays it into the P2P network on the
// submitter's behalf — this package's stand-in for holding a direct P2P
// connection (spec.md §1 excludes the P2P network transport itself).
type EsploraBroadcaster struct {
	baseURL string
	client  *http.Client
}

// NewEsploraBroadcaster creates a broadcaster posting to baseURL (e.g.
// config.BlockstreamMainnetURL).
func NewEsploraBroadcaster(baseURL string) *EsploraBroadcaster {
	return &EsploraBroadcaster{
		baseURL: baseURL,
		client:  &http.Client{Timeout: config.EsploraRequestTimeout},
	}
}

// Broadcast serializes tx to hex and posts it to the Esplora instance's
// transaction-relay endpoint.
func (b *EsploraBroadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize tx: %w", err)
	}
	raw := hex.EncodeToString(buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/tx", strings.NewReader(raw))
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("esplora broadcast: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// staticPeerGroup is a PeerGroup over a fixed, always-reachable peer set —
// adequate for Esplora HTTP oracles, which have no connect/disconnect
// lifecycle the way P2P peers do.
type staticPeerGroup struct {
	peers []Peer
}

// NewEsploraPeerGroup returns the default pair of public Esplora oracles for
// network, giving the coordinator its two independent sources without
// requiring a local full node. "testnet" gets the testnet instances; every
// other value, "regtest" included, gets the mainnet instances, since regtest
// has no public Esplora instance.
func NewEsploraPeerGroup(network string) PeerGroup {
	blockstreamURL, mempoolURL := config.BlockstreamMainnetURL, config.MempoolMainnetURL
	if network == "testnet" {
		blockstreamURL, mempoolURL = config.BlockstreamTestnetURL, config.MempoolTestnetURL
	}

	slog.Info("utxo: using public esplora peer group",
		"network", network,
		"blockstream", blockstreamURL,
		"mempool", mempoolURL,
	)

	return &staticPeerGroup{peers: []Peer{
		NewEsploraPeer("blockstream", blockstreamURL, config.EsploraRateLimitBlockstream),
		NewEsploraPeer("mempool", mempoolURL, config.EsploraRateLimitMempool),
	}}
}

func (g *staticPeerGroup) Peers() []Peer { return g.peers }

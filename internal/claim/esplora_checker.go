package claim

import (
	"context"
	"net/http"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
)

// EsploraBroadcastChecker implements BroadcastChecker against a fixed set of
// Esplora-style HTTP APIs, the same public oracles utxo.NewEsploraPeerGroup
// uses: a transaction is "seen" by a peer once that peer's /tx/:txid
// endpoint returns it, mempool or confirmed. This stands in for polling a
// P2P peer's mempool/inv state (spec.md §1 excludes the P2P network itself).
type EsploraBroadcastChecker struct {
	baseURLs []string
	client   *http.Client
}

// NewEsploraBroadcastChecker builds a checker over baseURLs (e.g.
// config.BlockstreamMainnetURL, config.MempoolMainnetURL).
func NewEsploraBroadcastChecker(baseURLs ...string) *EsploraBroadcastChecker {
	return &EsploraBroadcastChecker{
		baseURLs: baseURLs,
		client:   &http.Client{Timeout: config.EsploraRequestTimeout},
	}
}

// PeerViewCount reports how many of the checker's oracles currently have
// txid in view.
func (c *EsploraBroadcastChecker) PeerViewCount(ctx context.Context, txid chainhash.Hash) (int, error) {
	count := 0
	for _, base := range c.baseURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/tx/"+txid.String(), nil)
		if err != nil {
			return count, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			count++
		}
	}
	return count, nil
}

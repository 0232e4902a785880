// Package serverclient talks to a project's payment-URL server: the
// authoritative source of pledges for projects that opted into server mode
// rather than pure P2P gossip. It reconciles the server's view against the
// local store, applies circuit-breaker protection per server, and — in
// client mode — filters out pledges the server has reported revoked only
// for the wallet's own previously-submitted pledges, never by gossiping
// revocations for third-party pledges it has no standing to judge.
package serverclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// statusReply mirrors the JSON a project's payment-URL server returns for a
// status refresh.
type statusReply struct {
	Pledges       []pledgeWire `json:"pledges"`
	RevokedHashes []string     `json:"revoked_hashes"`
	ClaimTxHex    string       `json:"claim_tx_hex,omitempty"`
}

type pledgeWire struct {
	MainHex         string   `json:"main_hex"`
	DependencyHexes []string `json:"dependency_hexes,omitempty"`
	OrigHashHex     string   `json:"orig_hash,omitempty"`
}

// RefreshResult is the reconciled outcome of one status refresh: the
// server's current pledge set, decoded, plus which of the wallet's own
// previously-submitted pledges the server reports as revoked.
type RefreshResult struct {
	Pledges     []*models.Pledge
	RevokedOwn  [][32]byte
	ClaimTx     *wire.MsgTx // non-nil if the server reports the project claimed
}

// Client fetches and reconciles project status from payment-URL servers,
// one circuit breaker per host so one project's flaky server does not
// affect another's.
type Client struct {
	http *http.Client

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

// New creates a Client with the ambient HTTP timeout used throughout the
// dependency stack's outbound provider calls.
func New() *Client {
	return &Client{
		http:     &http.Client{Timeout: config.ServerClientTimeout},
		breakers: make(map[string]*circuitBreaker),
	}
}

func (c *Client) breakerFor(host string) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = newCircuitBreaker(config.CircuitBreakerThreshold, config.CircuitBreakerCooldown)
		c.breakers[host] = cb
	}
	return cb
}

// RefreshProjectStatus fetches the current pledge set for project from its
// payment URL, making up to config.ServerClientMaxRetries attempts in all
// with exponential backoff between them (any failure is retried, not only
// transient ones), and reconciles it against
// ownPledgeHashes — the wallet's own locally-originated pledges — to learn
// which of them the server has revoked.
func (c *Client) RefreshProjectStatus(ctx context.Context, project *models.Project, ownPledgeHashes [][32]byte) (*RefreshResult, error) {
	if !project.HasServer() {
		return nil, fmt.Errorf("%w: project has no payment URL", config.ErrInvalidConfig)
	}

	host := project.PaymentURL.Host
	cb := c.breakerFor(host)
	if !cb.Allow() {
		return nil, config.NewTransientErrorWithRetry(
			fmt.Errorf("%w: circuit open for %s", config.ErrTransportError, host),
			config.CircuitBreakerCooldown,
		)
	}

	reply, err := c.fetchWithRetry(ctx, project.PaymentURL)
	if err != nil {
		cb.RecordFailure()
		return nil, err
	}
	cb.RecordSuccess()

	return reconcile(reply, project.ID, ownPledgeHashes)
}

func (c *Client) fetchWithRetry(ctx context.Context, statusURL *url.URL) (*statusReply, error) {
	var lastErr error
	delay := config.ServerClientRetryBaseDelay

	for attempt := 0; attempt < config.ServerClientMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		reply, err := c.fetchOnce(ctx, statusURL)
		if err == nil {
			return reply, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %v", config.ErrTransportError, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, statusURL *url.URL) (*statusReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, config.NewTransientError(fmt.Errorf("rate limited by %s", statusURL.Host))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, statusURL.Host)
	}

	var reply statusReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode status reply: %w", err)
	}
	return &reply, nil
}

func reconcile(reply *statusReply, projectID [32]byte, ownPledgeHashes [][32]byte) (*RefreshResult, error) {
	result := &RefreshResult{}

	for _, pw := range reply.Pledges {
		p, err := decodePledgeWire(pw, projectID)
		if err != nil {
			// A malformed entry from the server does not fail the whole
			// refresh; skip it the way a single unreachable peer doesn't
			// fail a UTXO query round.
			continue
		}
		result.Pledges = append(result.Pledges, p)
	}

	ownSet := make(map[[32]byte]struct{}, len(ownPledgeHashes))
	for _, h := range ownPledgeHashes {
		ownSet[h] = struct{}{}
	}
	for _, hexHash := range reply.RevokedHashes {
		raw, err := hex.DecodeString(hexHash)
		if err != nil || len(raw) != 32 {
			continue
		}
		var h [32]byte
		copy(h[:], raw)
		// Client mode only trusts a revocation for pledges this wallet
		// itself submitted; it never gossips third-party revocations it
		// has no standing to verify independently.
		if _, owned := ownSet[h]; owned {
			result.RevokedOwn = append(result.RevokedOwn, h)
		}
	}

	if reply.ClaimTxHex != "" {
		raw, err := hex.DecodeString(reply.ClaimTxHex)
		if err == nil {
			tx := wire.NewMsgTx(wire.TxVersion)
			if err := tx.Deserialize(newByteReader(raw)); err == nil {
				result.ClaimTx = tx
			}
		}
	}

	return result, nil
}

func decodePledgeWire(pw pledgeWire, projectID [32]byte) (*models.Pledge, error) {
	mainRaw, err := hex.DecodeString(pw.MainHex)
	if err != nil {
		return nil, err
	}
	main := wire.NewMsgTx(wire.TxVersion)
	if err := main.Deserialize(newByteReader(mainRaw)); err != nil {
		return nil, err
	}

	p := &models.Pledge{ProjectID: projectID, Main: main}
	for _, depHex := range pw.DependencyHexes {
		raw, err := hex.DecodeString(depHex)
		if err != nil {
			return nil, err
		}
		dep := wire.NewMsgTx(wire.TxVersion)
		if err := dep.Deserialize(newByteReader(raw)); err != nil {
			return nil, err
		}
		p.Dependencies = append(p.Dependencies, dep)
	}
	if pw.OrigHashHex != "" {
		raw, err := hex.DecodeString(pw.OrigHashHex)
		if err == nil && len(raw) == 32 {
			var h [32]byte
			copy(h[:], raw)
			p.OrigHash = &h
		}
	}
	return p, nil
}

// Package chainnotify supplies backend.ChainNotifier implementations. The
// engine's chain-tip-advanced handling (spec.md §4.8) is environment
// agnostic; this package gives it a concrete signal to drive without a real
// P2P node, the same way internal/utxo.EsploraPeer stands in for a P2P UTXO
// peer and internal/claim.EsploraBroadcastChecker for mempool polling
// (spec.md §1 excludes the P2P network and its chain-tip notifications).
package chainnotify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lighthouse-contracts/pledgeengine/internal/backend"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
)

// EsploraChainNotifier polls a set of Esplora-style HTTP APIs' tip-height
// endpoints (/blocks/tip/height) on an interval and emits a backend.ChainTip
// whenever the observed consensus height advances. The lowest height
// observed across urls stands in for the locally-known tip, the highest for
// the peer-reported height, so backend.ChainTip.nearHead's 2-block tolerance
// has something non-trivial to compare against even with no real local node.
type EsploraChainNotifier struct {
	urls   []string
	client *http.Client
	poll   time.Duration

	ch   chan backend.ChainTip
	done chan struct{}
}

// NewEsploraChainNotifier creates a notifier polling urls (e.g.
// config.BlockstreamMainnetURL, config.MempoolMainnetURL) every poll
// interval, and starts its background polling loop immediately.
func NewEsploraChainNotifier(poll time.Duration, urls ...string) *EsploraChainNotifier {
	n := &EsploraChainNotifier{
		urls:   urls,
		client: &http.Client{Timeout: config.EsploraRequestTimeout},
		poll:   poll,
		ch:     make(chan backend.ChainTip, 1),
		done:   make(chan struct{}),
	}
	go n.loop()
	return n
}

// TipAdvanced implements backend.ChainNotifier.
func (n *EsploraChainNotifier) TipAdvanced() <-chan backend.ChainTip { return n.ch }

// Stop ends the polling loop and closes the tip channel.
func (n *EsploraChainNotifier) Stop() { close(n.done) }

func (n *EsploraChainNotifier) loop() {
	ticker := time.NewTicker(n.poll)
	defer ticker.Stop()

	lastMax := int32(-1)
	for {
		select {
		case <-n.done:
			close(n.ch)
			return
		case <-ticker.C:
		}

		heights := n.fetchHeights()
		if len(heights) == 0 {
			continue
		}

		min, max := heights[0], heights[0]
		for _, h := range heights[1:] {
			if h < min {
				min = h
			}
			if h > max {
				max = h
			}
		}
		if max == lastMax {
			continue
		}
		lastMax = max

		tip := backend.ChainTip{Height: min, PeerHeight: max}
		select {
		case n.ch <- tip:
		case <-n.done:
			close(n.ch)
			return
		}
	}
}

func (n *EsploraChainNotifier) fetchHeights() []int32 {
	heights := make([]int32, 0, len(n.urls))
	for _, url := range n.urls {
		h, err := n.fetchHeight(url)
		if err != nil {
			slog.Warn("chainnotify: fetch tip height failed", "url", url, "error", err)
			continue
		}
		heights = append(heights, h)
	}
	return heights
}

func (n *EsploraChainNotifier) fetchHeight(baseURL string) (int32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), config.EsploraRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, baseURL)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16))
	if err != nil {
		return 0, err
	}
	height, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse tip height: %w", err)
	}
	return int32(height), nil
}

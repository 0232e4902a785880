package config

import "time"

// Jitter and propagation timing, per the pledge-lifecycle spec.
const (
	// BlockPropagationTimeSecs is the assumed time for a block to propagate
	// across the network; it is also the default jitter ceiling.
	BlockPropagationTimeSecs = 30

	// TxPropagationTimeSecs is the jitter base applied before verifying a
	// pledge freshly observed on disk, giving its dependency transactions
	// time to spread.
	TxPropagationTimeSecs = 5

	// DefaultMaxJitterSeconds clamps every scheduled jitter delay.
	DefaultMaxJitterSeconds = BlockPropagationTimeSecs
)

// UTXOQueryCoordinator timing and quorum.
const (
	UTXORoundDeadline               = 10 * time.Second
	DefaultMinPeersForUTXO          = 2
	RegtestMinPeersForUTXO          = 1
	DependencyBroadcastDeadline     = 30 * time.Second
	MaxPledgeDependencies           = 5
	// MaxPledgeDependenciesClientMode is the stricter dependency cap applied
	// when the node runs in client mode.
	MaxPledgeDependenciesClientMode = 1
)

// HTTP server timing, mirrored from the ambient HTTP-server conventions used
// throughout the example stack.
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second
	ServerIdleTimeout  = 60 * time.Second
	ShutdownTimeout    = 10 * time.Second
)

// ServerClient retry/circuit behavior for per-project status refreshes.
const (
	ServerClientTimeout        = 15 * time.Second
	ServerClientMaxRetries     = 3
	ServerClientRetryBaseDelay = 1 * time.Second
	CircuitBreakerThreshold    = 3
	CircuitBreakerCooldown     = 30 * time.Second
	CircuitBreakerHalfOpenMax  = 1
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// Logging.
const (
	LogFilePattern = "lighthousebackendd-%s-%s.log"
	LogFilePrefix  = "lighthousebackendd-"
	LogMaxAgeDays  = 14
)

// ClaimWatcher confidence thresholds.
const (
	// DefaultMinBroadcastPeers is the number of peers a PENDING transaction
	// must have been broadcast to before it is treated as propagated.
	DefaultMinBroadcastPeers = 1
)

// PledgingWallet event channels.
const (
	// WalletEventBufferSize is the channel capacity for each of a
	// PledgingWallet's event streams, so a burst of wallet activity (e.g. a
	// CLI replaying several pledges) doesn't block the wallet's own caller
	// on the backend draining it.
	WalletEventBufferSize = 16
)

// Disk layer.
const (
	PledgeFileSuffix  = ".pledge"
	ProjectFileSuffix = ".project"
	TempFileSuffix    = ".tmp"
)

// Esplora-style HTTP UTXO oracles backing utxo.PeerGroup in deployments that
// have no direct P2P node of their own (spec.md §1 excludes the P2P network
// and its GetUTXOs wire message; these are one concrete, swappable Peer
// implementation for running the coordinator end to end).
const (
	BlockstreamMainnetURL = "https://blockstream.info/api"
	BlockstreamTestnetURL = "https://blockstream.info/testnet/api"
	MempoolMainnetURL     = "https://mempool.space/api"
	MempoolTestnetURL     = "https://mempool.space/testnet/api"

	EsploraRateLimitBlockstream = 10
	EsploraRateLimitMempool     = 10
	EsploraRequestTimeout       = 8 * time.Second

	// ChainTipPollInterval is how often the Esplora-backed chain notifier
	// checks for a new tip height.
	ChainTipPollInterval = 30 * time.Second
)

// Package backend wires the engine scheduler, pledge store, verifier, disk
// manager, UTXO coordinator, server client, and claim watcher into a single
// running pledge-engine instance, and exposes the operations described for
// external callers: submitting pledges, saving projects, and reading
// reactive mirrors of engine state.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/auditlog"
	"github.com/lighthouse-contracts/pledgeengine/internal/claim"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
	"github.com/lighthouse-contracts/pledgeengine/internal/disk"
	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/localwallet"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
	"github.com/lighthouse-contracts/pledgeengine/internal/serverclient"
	"github.com/lighthouse-contracts/pledgeengine/internal/store"
	"github.com/lighthouse-contracts/pledgeengine/internal/utxo"
	"github.com/lighthouse-contracts/pledgeengine/internal/verify"
)

// Backend is the assembled pledge engine. It owns the scheduler that every
// mutation runs on and the components the scheduler drives.
type Backend struct {
	Scheduler *engine.Scheduler
	Store     *store.Store

	verifier    *verify.Verifier
	disk        *disk.Manager
	coord       *utxo.Coordinator
	spendLookup utxo.SpendingTxFinder
	sclient     *serverclient.Client
	claims      *claim.Watcher
	audit       *auditlog.DB
	broadcaster TxBroadcaster

	cfg *config.Config

	initDone chan struct{}

	// authored records, per project, the pledge hashes this node itself
	// wrote to disk via acceptOrReject (HTTP submission or a server-status
	// refresh we trusted). Engine-thread only. Used to tell a benign
	// redundant disk-file loss (spec.md §4.8: "If the wallet still holds an
	// equivalent copy") from a genuine revocation when a pledge file
	// disappears out from under a watched directory.
	authored map[[32]byte]map[[32]byte]struct{}
}

// TxBroadcaster sends a raw transaction to the network. Used only for a
// pledge's dependency transactions during HTTP submission (spec.md §4.8);
// nil disables dependency broadcasting (the disk-observed pledge path never
// broadcasts — a pledge already found on disk is assumed to have had its
// dependencies propagated by whoever wrote it).
type TxBroadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// New assembles a Backend from its configuration. peerGroup supplies the
// UTXO-query peer set and broadcastChecker reports claim-candidate peer
// visibility; both are environment-specific and supplied by the caller
// (P2P node wiring, in production; fakes, in tests). chainNotifier is
// optional (nil disables the chain-tip-advanced requery/refresh pipeline of
// spec.md §4.8, e.g. for callers driving the backend purely through disk
// and HTTP events in tests). broadcaster is optional (nil disables
// dependency broadcasting for HTTP-submitted pledges). wallet is optional
// (nil disables the wallet-event handlers of spec.md §4.8, e.g. a
// daemon running purely as a server-mode HTTP endpoint with no wallet of
// its own); lighthousebackendd and the tests in this repository all pass nil.
func New(cfg *config.Config, peerGroup utxo.PeerGroup, broadcastChecker claim.BroadcastChecker, chainNotifier ChainNotifier, broadcaster TxBroadcaster, auditDB *auditlog.DB, wallet localwallet.PledgingWallet) (*Backend, error) {
	sched := engine.NewScheduler()
	st := store.New(sched)

	maxDeps := config.MaxPledgeDependencies
	if cfg.Mode == "client" {
		maxDeps = config.MaxPledgeDependenciesClientMode
	}

	minPeers := config.DefaultMinPeersForUTXO
	if cfg.MinPeersForUTXOQuery > 0 {
		minPeers = cfg.MinPeersForUTXOQuery
	}
	if cfg.Network == "regtest" {
		minPeers = config.RegtestMinPeersForUTXO
	}

	b := &Backend{
		Scheduler:   sched,
		Store:       st,
		verifier:    verify.New(maxDeps),
		coord:       utxo.New(peerGroup, minPeers),
		sclient:     serverclient.New(),
		claims:      claim.New(sched, st, broadcastChecker, config.DefaultMinBroadcastPeers, config.BlockPropagationTimeSecs*time.Second),
		audit:       auditDB,
		broadcaster: broadcaster,
		cfg:         cfg,
		initDone:    make(chan struct{}),
		authored:    make(map[[32]byte]map[[32]byte]struct{}),
	}

	for _, p := range peerGroup.Peers() {
		if sl, ok := p.(utxo.SpendingTxFinder); ok {
			b.spendLookup = sl
			break
		}
	}

	dm, err := disk.New(sched, cfg.DataDir, b.handleDiskProject, b.handleDiskPledge)
	if err != nil {
		return nil, err
	}
	dm.OnRemoved(b.handleDiskProjectRemoved, b.handleDiskPledgeRemoved)
	b.disk = dm

	if err := dm.Start(); err != nil {
		return nil, err
	}
	close(b.initDone)

	if chainNotifier != nil {
		go b.watchChainTips(chainNotifier)
	}
	b.watchWallet(wallet)

	return b, nil
}

// WaitForInit blocks until the backend has finished loading persisted state
// from disk, or ctx is done.
func (b *Backend) WaitForInit(ctx context.Context) error {
	select {
	case <-b.initDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) handleDiskProject(p *models.Project) {
	b.Scheduler.AssertOnThread()
	b.Store.SaveProject(p)
	if err := b.disk.WatchProjectPledges(p.ID); err != nil {
		// A project whose pledge directory can't be watched is still
		// tracked; it just won't pick up externally-dropped pledge files.
		return
	}
}

// handleDiskPledge implements spec.md §4.8's disk-pledge-added handler: a
// pledge already present in the open or claimed set (we authored it, or a
// prior disk event already delivered it) is a no-op; a genuinely unknown
// one is scheduled for verification after a TxPropagationTimeSecs jitter so
// its dependency transactions have time to spread before the UTXO round
// checks them.
func (b *Backend) handleDiskPledge(p *models.Pledge) {
	b.Scheduler.AssertOnThread()
	if b.pledgeKnown(p) {
		return
	}
	delay := b.Scheduler.Jitter(config.TxPropagationTimeSecs*time.Second, config.DefaultMaxJitterSeconds*time.Second)
	b.Scheduler.Schedule(delay, func() {
		if b.pledgeKnown(p) {
			return
		}
		if b.acceptOrReject(p) == nil {
			// A pledge first seen as a file on disk was not authored by
			// this node, even though acceptOrReject rewrote its file.
			delete(b.authored[p.ProjectID], p.Hash())
		}
	})
}

// pledgeKnown reports whether p is already tracked as open or claimed for
// its project. Must run on the scheduler thread.
func (b *Backend) pledgeKnown(p *models.Pledge) bool {
	hash := p.Hash()
	for _, existing := range b.Store.OpenPledges(p.ProjectID) {
		if existing.Hash() == hash {
			return true
		}
	}
	for _, existing := range b.Store.ClaimedPledges(p.ProjectID) {
		if existing.Hash() == hash {
			return true
		}
	}
	return false
}

// markAuthored records a pledge this node itself wrote to disk so a later
// disappearance of its file can be recognized as benign. Must run on the
// scheduler thread.
func (b *Backend) markAuthored(p *models.Pledge) {
	bucket, ok := b.authored[p.ProjectID]
	if !ok {
		bucket = make(map[[32]byte]struct{})
		b.authored[p.ProjectID] = bucket
	}
	bucket[p.Hash()] = struct{}{}
}

func (b *Backend) isAuthored(projectID, pledgeHash [32]byte) bool {
	_, ok := b.authored[projectID][pledgeHash]
	return ok
}

// handleDiskProjectRemoved implements spec.md §4.8's disk-project-removed
// handler: the project file disappeared, so per the data model (spec.md
// §3: "removed when the file disappears") the project and everything
// derived from it drops out of the store.
func (b *Backend) handleDiskProjectRemoved(id [32]byte) {
	b.Scheduler.AssertOnThread()
	slog.Info("project file removed", "project", fmt.Sprintf("%x", id))
	delete(b.authored, id)
	b.Store.RemoveProject(id)
}

// handleDiskPledgeRemoved implements spec.md §4.8's disk-pledge-removed
// handler: a pledge file this node itself authored disappearing is a
// benign redundancy loss (the node's own copy, written via acceptOrReject,
// is still authoritative); any other disappearance means the pledge is
// gone and must leave both the open and claimed sets.
func (b *Backend) handleDiskPledgeRemoved(projectID, pledgeHash [32]byte) {
	b.Scheduler.AssertOnThread()
	if b.isAuthored(projectID, pledgeHash) {
		return
	}
	b.Store.RemoveOpenPledge(projectID, pledgeHash)
	b.Store.RemoveClaimedPledge(projectID, pledgeHash)
}

// SaveProject persists a new project and begins tracking it.
func (b *Backend) SaveProject(p *models.Project) error {
	if err := b.disk.SaveProject(p); err != nil {
		return err
	}
	done := make(chan struct{})
	b.Scheduler.Submit(func() {
		b.Store.SaveProject(p)
		b.disk.WatchProjectPledges(p.ID)
		close(done)
	})
	<-done
	return nil
}

// GetProjectByID returns the project with the given ID, if known.
func (b *Backend) GetProjectByID(id [32]byte) (*models.Project, bool) {
	return engine.RunOnThread(b.Scheduler, func() (*models.Project, bool) {
		return b.Store.GetProject(id)
	})
}

// GetProjectFromURL finds the project registered under u's path, the index
// the orchestrator builds per spec.md §4.8 ("index it by payment-URL path
// for HTTP routing"). Only the path is compared: the payment URL a project
// carries is an absolute URL (scheme+host+path) meant for external callers,
// while an incoming HTTP request only carries the path it was routed on.
func (b *Backend) GetProjectFromURL(u *url.URL) (*models.Project, bool) {
	return engine.RunOnThread(b.Scheduler, func() (*models.Project, bool) {
		for _, p := range b.Store.Projects() {
			if p.PaymentURL != nil && p.PaymentURL.Path == u.Path {
				return p, true
			}
		}
		return nil, false
	})
}

// SubmitPledge implements spec.md §4.8's HTTP submission pipeline: a fast
// synchronous sanity check, then (for pledges carrying dependency
// transactions) a sequential broadcast of each dependency with a
// config.DependencyBroadcastDeadline timeout, then full UTXO-based
// verification, and only on success an atomic disk write followed by
// addition to the open set. A pledge that fails any step is never persisted.
func (b *Backend) SubmitPledge(p *models.Pledge) error {
	project, ok := b.GetProjectByID(p.ProjectID)
	if !ok {
		b.recordOutcome(p, auditlog.OutcomeRejected, "unknown project")
		return fmt.Errorf("%w: %x", config.ErrProjectNotFound, p.ProjectID)
	}

	if err := b.verifier.FastSanity(p, project); err != nil {
		b.recordOutcome(p, auditlog.OutcomeRejected, err.Error())
		return err
	}

	if b.broadcaster != nil {
		for i, dep := range p.Dependencies {
			ctx, cancel := context.WithTimeout(context.Background(), config.DependencyBroadcastDeadline)
			err := b.broadcaster.Broadcast(ctx, dep)
			cancel()
			if err != nil {
				wrapped := fmt.Errorf("%w: dependency %d: %v", config.ErrTransportError, i, err)
				b.recordOutcome(p, auditlog.OutcomeRejected, wrapped.Error())
				return wrapped
			}
		}
	}

	done := make(chan error, 1)
	b.Scheduler.SubmitASAP(func() {
		done <- b.acceptOrReject(p)
	})
	return <-done
}

// acceptOrReject verifies a pledge against its project and the current UTXO
// view, persists it to disk, and adds it to the open set, all only on
// success; it records the outcome to the audit log either way. Must run on
// the scheduler thread.
func (b *Backend) acceptOrReject(p *models.Pledge) error {
	b.Scheduler.AssertOnThread()

	project, ok := b.Store.GetProject(p.ProjectID)
	if !ok {
		b.recordOutcome(p, auditlog.OutcomeRejected, "unknown project")
		return fmt.Errorf("%w: %x", config.ErrProjectNotFound, p.ProjectID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.UTXORoundDeadline)
	defer cancel()
	snap, err := b.coord.Query(ctx, p.InputOutpoints())
	if err != nil {
		b.recordOutcome(p, auditlog.OutcomeRejected, err.Error())
		return err
	}

	if err := b.verifier.Verify(p, project, snap); err != nil {
		b.recordOutcome(p, auditlog.OutcomeRejected, err.Error())
		return err
	}

	if _, err := b.disk.AddProjectFile(p.ProjectID, p); err != nil {
		b.recordOutcome(p, auditlog.OutcomeRejected, err.Error())
		return err
	}

	b.Store.AddOpenPledge(p)
	b.markAuthored(p)
	b.recordOutcome(p, auditlog.OutcomeAccepted, "")

	b.Scheduler.Schedule(b.Scheduler.Jitter(config.TxPropagationTimeSecs*time.Second, config.DefaultMaxJitterSeconds*time.Second), func() {
		b.refreshFromServer(project)
	})

	return nil
}

func (b *Backend) recordOutcome(p *models.Pledge, outcome, detail string) {
	if b.audit == nil {
		return
	}
	hash := p.Hash()
	if err := b.audit.Record(hash, p.ProjectID, outcome, detail); err != nil {
		_ = err // audit logging is best-effort and never blocks protocol decisions
	}
}

// RefreshProjectStatusFromServer synchronously reconciles a project's
// pledge set against its payment-URL server, per spec.md §6. It is a no-op
// returning nil if the project has no server.
func (b *Backend) RefreshProjectStatusFromServer(ctx context.Context, projectID [32]byte) error {
	project, ok := b.GetProjectByID(projectID)
	if !ok {
		return fmt.Errorf("%w: %x", config.ErrProjectNotFound, projectID)
	}
	done := make(chan struct{})
	b.Scheduler.Submit(func() {
		b.refreshFromServer(project)
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshFromServer reconciles a server-backed project's pledge set against
// the server's authoritative reply. The server's pledge list is `verified`
// in spec.md §4.7's sense: this applies all three of that algorithm's
// steps — newly_open additions (skipping client-mode scrubbed duplicates),
// newly_invalid removal of any previously-open pledge the server has
// silently stopped listing (a full status refresh is by definition
// checking_all), and revocations the server names explicitly for this
// wallet's own previously-submitted pledges. Must run on the scheduler
// thread.
func (b *Backend) refreshFromServer(project *models.Project) {
	b.Scheduler.AssertOnThread()
	if !project.HasServer() {
		return
	}

	own := make([][32]byte, 0)
	for _, p := range b.Store.OpenPledges(project.ID) {
		own = append(own, p.Hash())
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ServerClientTimeout)
	defer cancel()

	result, err := b.sclient.RefreshProjectStatus(ctx, project, own)
	if err != nil {
		b.Store.SetCheckStatus(project.ID, models.CheckStatus{Err: fmt.Errorf("%w: %v", config.ErrTransportError, err)})
		return
	}
	b.Store.SetCheckStatus(project.ID, models.CheckStatus{})

	for _, h := range result.RevokedOwn {
		b.Store.RemoveOpenPledge(project.ID, h)
		b.recordOutcome(&models.Pledge{ProjectID: project.ID}, auditlog.OutcomeRevoked, fmt.Sprintf("revoked %x", h))
	}

	existing := b.Store.OpenPledges(project.ID)

	// recognized is the set of currently-open pledge hashes the server's
	// reply still accounts for, either directly or (client mode) as the
	// locally-originated counterpart of a scrubbed copy — spec.md §4.7
	// step 1's "verified" set, restated in terms of our own hashes.
	recognized := make(map[[32]byte]struct{}, len(result.Pledges))
	for _, p := range result.Pledges {
		recognized[p.Hash()] = struct{}{}
		if b.cfg.Mode == "client" && p.OrigHash != nil {
			recognized[*p.OrigHash] = struct{}{}
		}
	}

	for _, p := range result.Pledges {
		isNew := true
		for _, e := range existing {
			if e.Hash() == p.Hash() {
				isNew = false
				break
			}
			// Client mode: a server-scrubbed copy of a pledge we
			// originated carries orig_hash equal to the locally computed
			// hash of our own copy. Skip it so observers see one pledge,
			// not two (spec.md §4.6, scenario f).
			if b.cfg.Mode == "client" && p.OrigHash != nil && *p.OrigHash == e.Hash() {
				isNew = false
				b.recordOutcome(p, auditlog.OutcomeServerDuplicate, "")
				break
			}
		}
		if isNew {
			b.acceptOrReject(p)
		}
	}

	// spec.md §4.7 step 2: newly_invalid = tested − verified, removed from
	// current_open. A status refresh re-checks every pledge this project
	// had open, so anything the server no longer lists — and that wasn't
	// just matched above as a scrubbed duplicate of itself — is invalid.
	for _, e := range existing {
		if _, ok := recognized[e.Hash()]; ok {
			continue
		}
		b.Store.RemoveOpenPledge(project.ID, e.Hash())
		b.recordOutcome(e, auditlog.OutcomeRevoked, "no longer reported by server")
	}

	if result.ClaimTx != nil {
		b.claims.ObserveCandidate(project.ID, result.ClaimTx)
	}
}

// ProjectView is a consistent, engine-thread-read snapshot of one project's
// externally visible state — the shape the HTTP API and CLI report, so
// neither has to reach into store.Store (an engine-thread-only type)
// directly.
type ProjectView struct {
	Project         *models.Project
	State           models.ProjectStateInfo
	CheckStatus     models.CheckStatus
	OpenPledges     []*models.Pledge
	ClaimedPledges  []*models.Pledge
	TotalPledged    btcutil.Amount
}

// ListProjects returns a snapshot of every known project's summary view.
func (b *Backend) ListProjects() []ProjectView {
	return engine.RunOnThread(b.Scheduler, func() []ProjectView {
		projects := b.Store.Projects()
		out := make([]ProjectView, 0, len(projects))
		for _, p := range projects {
			out = append(out, b.projectViewLocked(p))
		}
		return out
	})
}

// ProjectView returns a snapshot of a single project's state, or false if
// the project is unknown.
func (b *Backend) ProjectView(id [32]byte) (ProjectView, bool) {
	return engine.RunOnThread(b.Scheduler, func() (ProjectView, bool) {
		p, ok := b.Store.GetProject(id)
		if !ok {
			return ProjectView{}, false
		}
		return b.projectViewLocked(p), true
	})
}

// projectViewLocked must run on the scheduler thread.
func (b *Backend) projectViewLocked(p *models.Project) ProjectView {
	b.Scheduler.AssertOnThread()
	total := btcutil.Amount(b.Store.TotalPledged(p.ID))
	return ProjectView{
		Project:        p,
		State:          b.Store.ProjectState(p.ID),
		CheckStatus:    b.Store.CheckStatus(p.ID),
		OpenPledges:    b.Store.OpenPledges(p.ID),
		ClaimedPledges: b.Store.ClaimedPledges(p.ID),
		TotalPledged:   total,
	}
}

// Close stops the backend's background goroutines.
func (b *Backend) Close() {
	b.disk.Stop()
	b.Scheduler.Stop()
	if b.audit != nil {
		b.audit.Close()
	}
}

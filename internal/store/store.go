// Package store holds the in-memory mirrors of pledge-engine state: the
// accepted projects, their open and claimed pledges, per-project check
// status, and project lifecycle state. Every mutation runs on the owning
// engine.Scheduler's goroutine; observers get a consistent snapshot plus a
// stream of future changes via event.Feed, the same reactive-collection
// primitive the rest of the dependency stack already carries.
package store

import (
	"github.com/ethereum/go-ethereum/event"

	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// ProjectsDiff describes a change to the project mirror.
type ProjectsDiff struct {
	Added   []*models.Project
	Removed [][32]byte
}

// PledgesDiff describes a change to a pledge mirror (open or claimed).
type PledgesDiff struct {
	ProjectID [32]byte
	Added     []*models.Pledge
	Removed   [][32]byte // pledge hashes
}

// CheckStatusDiff reports a per-project check-status transition.
type CheckStatusDiff struct {
	ProjectID [32]byte
	Status    models.CheckStatus
}

// ProjectStateDiff reports a per-project lifecycle transition.
type ProjectStateDiff struct {
	ProjectID [32]byte
	State     models.ProjectStateInfo
}

// Store is the single source of truth for pledge-engine state. All reads and
// writes other than the mirror helpers below must happen on sched's thread.
type Store struct {
	sched *engine.Scheduler

	projects map[[32]byte]*models.Project
	open     map[[32]byte]map[[32]byte]*models.Pledge // projectID -> pledgeHash -> pledge
	claimed  map[[32]byte]map[[32]byte]*models.Pledge
	statuses map[[32]byte]models.CheckStatus
	states   map[[32]byte]models.ProjectStateInfo

	projectsFeed event.Feed
	openFeed     event.Feed
	claimedFeed  event.Feed
	statusFeed   event.Feed
	stateFeed    event.Feed
}

// New creates an empty store bound to sched.
func New(sched *engine.Scheduler) *Store {
	return &Store{
		sched:    sched,
		projects: make(map[[32]byte]*models.Project),
		open:     make(map[[32]byte]map[[32]byte]*models.Pledge),
		claimed:  make(map[[32]byte]map[[32]byte]*models.Pledge),
		statuses: make(map[[32]byte]models.CheckStatus),
		states:   make(map[[32]byte]models.ProjectStateInfo),
	}
}

// SaveProject inserts or replaces a project. Must run on the scheduler
// thread; callers off-thread should wrap this in sched.Submit.
func (s *Store) SaveProject(p *models.Project) {
	s.sched.AssertOnThread()
	s.projects[p.ID] = p
	if _, ok := s.open[p.ID]; !ok {
		s.open[p.ID] = make(map[[32]byte]*models.Pledge)
	}
	if _, ok := s.claimed[p.ID]; !ok {
		s.claimed[p.ID] = make(map[[32]byte]*models.Pledge)
	}
	s.projectsFeed.Send(ProjectsDiff{Added: []*models.Project{p}})
}

// RemoveProject drops a project and all of its pledge and status state, per
// the data model's lifecycle rule that a project is removed when its file
// disappears from disk (spec.md §3).
func (s *Store) RemoveProject(id [32]byte) {
	s.sched.AssertOnThread()
	if _, ok := s.projects[id]; !ok {
		return
	}
	delete(s.projects, id)
	delete(s.open, id)
	delete(s.claimed, id)
	delete(s.statuses, id)
	delete(s.states, id)
	s.projectsFeed.Send(ProjectsDiff{Removed: [][32]byte{id}})
}

// GetProject returns the project with the given ID, or false if not known.
func (s *Store) GetProject(id [32]byte) (*models.Project, bool) {
	s.sched.AssertOnThread()
	p, ok := s.projects[id]
	return p, ok
}

// Projects returns a snapshot slice of every known project.
func (s *Store) Projects() []*models.Project {
	s.sched.AssertOnThread()
	out := make([]*models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out
}

// AddOpenPledge inserts a verified pledge into the open set for its project.
func (s *Store) AddOpenPledge(p *models.Pledge) {
	s.sched.AssertOnThread()
	bucket, ok := s.open[p.ProjectID]
	if !ok {
		bucket = make(map[[32]byte]*models.Pledge)
		s.open[p.ProjectID] = bucket
	}
	bucket[p.Hash()] = p
	s.openFeed.Send(PledgesDiff{ProjectID: p.ProjectID, Added: []*models.Pledge{p}})
}

// RemoveOpenPledge drops a pledge from the open set, e.g. on revocation or
// promotion to claimed.
func (s *Store) RemoveOpenPledge(projectID, pledgeHash [32]byte) {
	s.sched.AssertOnThread()
	if bucket, ok := s.open[projectID]; ok {
		delete(bucket, pledgeHash)
	}
	s.openFeed.Send(PledgesDiff{ProjectID: projectID, Removed: [][32]byte{pledgeHash}})
}

// OpenPledges returns a snapshot of every currently open pledge for a
// project.
func (s *Store) OpenPledges(projectID [32]byte) []*models.Pledge {
	s.sched.AssertOnThread()
	bucket := s.open[projectID]
	out := make([]*models.Pledge, 0, len(bucket))
	for _, p := range bucket {
		out = append(out, p)
	}
	return out
}

// PromoteToClaimed moves a pledge from open to claimed for its project,
// recording it as having contributed to an observed claim transaction.
func (s *Store) PromoteToClaimed(p *models.Pledge) {
	s.sched.AssertOnThread()
	if bucket, ok := s.open[p.ProjectID]; ok {
		delete(bucket, p.Hash())
	}
	s.openFeed.Send(PledgesDiff{ProjectID: p.ProjectID, Removed: [][32]byte{p.Hash()}})

	bucket, ok := s.claimed[p.ProjectID]
	if !ok {
		bucket = make(map[[32]byte]*models.Pledge)
		s.claimed[p.ProjectID] = bucket
	}
	bucket[p.Hash()] = p
	s.claimedFeed.Send(PledgesDiff{ProjectID: p.ProjectID, Added: []*models.Pledge{p}})
}

// RemoveClaimedPledge drops a pledge from the claimed set directly, without
// it having passed through open first — used when a claimed pledge's
// backing file disappears from disk.
func (s *Store) RemoveClaimedPledge(projectID, pledgeHash [32]byte) {
	s.sched.AssertOnThread()
	if bucket, ok := s.claimed[projectID]; ok {
		delete(bucket, pledgeHash)
	}
	s.claimedFeed.Send(PledgesDiff{ProjectID: projectID, Removed: [][32]byte{pledgeHash}})
}

// ClaimedPledges returns a snapshot of pledges recorded as part of an
// observed claim for a project.
func (s *Store) ClaimedPledges(projectID [32]byte) []*models.Pledge {
	s.sched.AssertOnThread()
	bucket := s.claimed[projectID]
	out := make([]*models.Pledge, 0, len(bucket))
	for _, p := range bucket {
		out = append(out, p)
	}
	return out
}

// ClearClaimedPledges drops every pledge from a project's claimed set,
// without moving them back to open — used when a previously-seen claim
// transaction turns out to be DEAD (reorged out or replaced): the pledges it
// had absorbed are no longer committed to anything and must be re-verified
// from scratch before they can be trusted again.
func (s *Store) ClearClaimedPledges(projectID [32]byte) {
	s.sched.AssertOnThread()
	bucket, ok := s.claimed[projectID]
	if !ok || len(bucket) == 0 {
		return
	}
	removed := make([][32]byte, 0, len(bucket))
	for h := range bucket {
		removed = append(removed, h)
	}
	s.claimed[projectID] = make(map[[32]byte]*models.Pledge)
	s.claimedFeed.Send(PledgesDiff{ProjectID: projectID, Removed: removed})
}

// TotalPledged sums the claimed input value of every open and every claimed
// pledge for a project — the "amount raised so far" property.
func (s *Store) TotalPledged(projectID [32]byte) (total int64) {
	s.sched.AssertOnThread()
	for _, p := range s.open[projectID] {
		total += int64(p.ClaimedInputValue)
	}
	for _, p := range s.claimed[projectID] {
		total += int64(p.ClaimedInputValue)
	}
	return total
}

// SetCheckStatus records a check-status transition for a project.
func (s *Store) SetCheckStatus(projectID [32]byte, status models.CheckStatus) {
	s.sched.AssertOnThread()
	if status.Absent() {
		delete(s.statuses, projectID)
	} else {
		s.statuses[projectID] = status
	}
	s.statusFeed.Send(CheckStatusDiff{ProjectID: projectID, Status: status})
}

// CheckStatus returns the current check status for a project.
func (s *Store) CheckStatus(projectID [32]byte) models.CheckStatus {
	s.sched.AssertOnThread()
	return s.statuses[projectID]
}

// SetProjectState records a lifecycle transition for a project.
func (s *Store) SetProjectState(projectID [32]byte, state models.ProjectStateInfo) {
	s.sched.AssertOnThread()
	s.states[projectID] = state
	s.stateFeed.Send(ProjectStateDiff{ProjectID: projectID, State: state})
}

// ProjectState returns the current lifecycle state for a project.
func (s *Store) ProjectState(projectID [32]byte) models.ProjectStateInfo {
	s.sched.AssertOnThread()
	return s.states[projectID]
}

// MirrorProjects subscribes to project-set changes. Per spec.md §4.2, the
// call is marshalled onto the engine thread so the subscription and the
// initial snapshot it pushes onto ch are atomic: a caller that starts
// reading ch right away sees every known project exactly once, either in
// that snapshot or in a subsequent diff, never both and never neither. The
// channel should be read promptly: event.Feed.Send blocks on slow
// subscribers, so buffer generously if the consumer does expensive work per
// diff.
func (s *Store) MirrorProjects(ch chan<- ProjectsDiff) event.Subscription {
	return engine.RunOnThread(s.sched, func() event.Subscription {
		sub := s.projectsFeed.Subscribe(ch)
		if len(s.projects) > 0 {
			ch <- ProjectsDiff{Added: s.Projects()}
		}
		return sub
	})
}

// MirrorOpenPledges subscribes to open-pledge-set changes across all
// projects, delivering one initial diff per project with any pledges
// already open, atomically with registering the subscription (see
// MirrorProjects).
func (s *Store) MirrorOpenPledges(ch chan<- PledgesDiff) event.Subscription {
	return engine.RunOnThread(s.sched, func() event.Subscription {
		sub := s.openFeed.Subscribe(ch)
		for projectID, bucket := range s.open {
			if len(bucket) == 0 {
				continue
			}
			ch <- PledgesDiff{ProjectID: projectID, Added: s.OpenPledges(projectID)}
		}
		return sub
	})
}

// MirrorClaimedPledges subscribes to claimed-pledge-set changes, delivering
// an initial snapshot as MirrorOpenPledges does.
func (s *Store) MirrorClaimedPledges(ch chan<- PledgesDiff) event.Subscription {
	return engine.RunOnThread(s.sched, func() event.Subscription {
		sub := s.claimedFeed.Subscribe(ch)
		for projectID, bucket := range s.claimed {
			if len(bucket) == 0 {
				continue
			}
			ch <- PledgesDiff{ProjectID: projectID, Added: s.ClaimedPledges(projectID)}
		}
		return sub
	})
}

// MirrorCheckStatuses subscribes to per-project check-status transitions,
// delivering every currently-set status as an initial diff.
func (s *Store) MirrorCheckStatuses(ch chan<- CheckStatusDiff) event.Subscription {
	return engine.RunOnThread(s.sched, func() event.Subscription {
		sub := s.statusFeed.Subscribe(ch)
		for projectID, status := range s.statuses {
			ch <- CheckStatusDiff{ProjectID: projectID, Status: status}
		}
		return sub
	})
}

// MirrorProjectStates subscribes to per-project lifecycle transitions,
// delivering every currently-known state as an initial diff.
func (s *Store) MirrorProjectStates(ch chan<- ProjectStateDiff) event.Subscription {
	return engine.RunOnThread(s.sched, func() event.Subscription {
		sub := s.stateFeed.Subscribe(ch)
		for projectID, state := range s.states {
			ch <- ProjectStateDiff{ProjectID: projectID, State: state}
		}
		return sub
	})
}

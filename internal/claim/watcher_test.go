package claim

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
	"github.com/lighthouse-contracts/pledgeengine/internal/store"
)

type fakeChecker struct {
	count int
	err   error
}

func (f *fakeChecker) PeerViewCount(ctx context.Context, txid chainhash.Hash) (int, error) {
	return f.count, f.err
}

func TestObserveCandidateStartsPending(t *testing.T) {
	sched := engine.NewScheduler()
	defer sched.Stop()
	st := store.New(sched)
	checker := &fakeChecker{count: 0}
	w := New(sched, st, checker, 1, 10*time.Millisecond)

	projectID := [32]byte{1}
	tx := wire.NewMsgTx(wire.TxVersion)

	done := make(chan struct{})
	sched.Submit(func() {
		w.ObserveCandidate(projectID, tx)
		if got := w.Confidence(projectID); got != Pending {
			t.Errorf("Confidence() = %v, want Pending", got)
		}
		close(done)
	})
	<-done
}

func TestCandidateEscalatesToBuilding(t *testing.T) {
	sched := engine.NewScheduler()
	defer sched.Stop()
	st := store.New(sched)
	checker := &fakeChecker{count: 3}
	w := New(sched, st, checker, 1, 10*time.Millisecond)

	projectID := [32]byte{2}
	tx := wire.NewMsgTx(wire.TxVersion)

	sched.Submit(func() {
		w.ObserveCandidate(projectID, tx)
	})

	deadline := time.After(2 * time.Second)
	for {
		done := make(chan Confidence, 1)
		sched.Submit(func() { done <- w.Confidence(projectID) })
		select {
		case c := <-done:
			if c == Building {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for Building confidence")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProjectStateMarkedClaimedOnBuilding(t *testing.T) {
	sched := engine.NewScheduler()
	defer sched.Stop()
	st := store.New(sched)
	checker := &fakeChecker{count: 2}
	w := New(sched, st, checker, 1, 10*time.Millisecond)

	projectID := [32]byte{3}
	tx := wire.NewMsgTx(wire.TxVersion)

	sched.Submit(func() {
		w.ObserveCandidate(projectID, tx)
	})

	deadline := time.After(2 * time.Second)
	for {
		done := make(chan models.ProjectStateInfo, 1)
		sched.Submit(func() { done <- st.ProjectState(projectID) })
		select {
		case info := <-done:
			if info.State == models.ProjectClaimed {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for project to be marked claimed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeadCandidateErrorsProjectAndClearsClaimed(t *testing.T) {
	sched := engine.NewScheduler()
	defer sched.Stop()
	st := store.New(sched)
	checker := &fakeChecker{count: 0}
	w := New(sched, st, checker, 1, 10*time.Millisecond)

	projectID := [32]byte{4}
	tx := wire.NewMsgTx(wire.TxVersion)

	sched.Submit(func() {
		st.SaveProject(&models.Project{ID: projectID})
		w.ObserveCandidate(projectID, tx)
		st.SetProjectState(projectID, models.ProjectStateInfo{State: models.ProjectClaimed})
	})

	deadline := time.After(2 * time.Second)
	for {
		done := make(chan models.ProjectStateInfo, 1)
		sched.Submit(func() { done <- st.ProjectState(projectID) })
		select {
		case info := <-done:
			if info.State == models.ProjectError {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for project to be marked error after a dead candidate")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

package store

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/lighthouse-contracts/pledgeengine/internal/engine"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

func newTestStore(t *testing.T) (*engine.Scheduler, *Store) {
	t.Helper()
	sched := engine.NewScheduler()
	t.Cleanup(sched.Stop)
	return sched, New(sched)
}

func samplePledge(projectID [32]byte, value int64) *models.Pledge {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: uint32(value)}})
	return &models.Pledge{
		ProjectID:         projectID,
		Main:              tx,
		ClaimedInputValue: btcutil.Amount(value),
	}
}

func TestSaveAndGetProject(t *testing.T) {
	sched, s := newTestStore(t)
	p := &models.Project{ID: [32]byte{1}, Title: "lighthouse"}

	done := make(chan struct{})
	sched.Submit(func() {
		s.SaveProject(p)
		got, ok := s.GetProject(p.ID)
		if !ok || got.Title != "lighthouse" {
			t.Errorf("GetProject() = %v, %v", got, ok)
		}
		close(done)
	})
	<-done
}

func TestOpenPledgeLifecycle(t *testing.T) {
	sched, s := newTestStore(t)
	projectID := [32]byte{2}

	done := make(chan struct{})
	sched.Submit(func() {
		pledge := samplePledge(projectID, 1000)
		s.AddOpenPledge(pledge)

		open := s.OpenPledges(projectID)
		if len(open) != 1 {
			t.Fatalf("OpenPledges() len = %d, want 1", len(open))
		}
		if got := s.TotalPledged(projectID); got != 1000 {
			t.Errorf("TotalPledged() = %d, want 1000", got)
		}

		s.RemoveOpenPledge(projectID, pledge.Hash())
		if got := s.TotalPledged(projectID); got != 0 {
			t.Errorf("TotalPledged() after remove = %d, want 0", got)
		}
		close(done)
	})
	<-done
}

func TestPromoteToClaimed(t *testing.T) {
	sched, s := newTestStore(t)
	projectID := [32]byte{3}

	done := make(chan struct{})
	sched.Submit(func() {
		pledge := samplePledge(projectID, 500)
		s.AddOpenPledge(pledge)
		s.PromoteToClaimed(pledge)

		if len(s.OpenPledges(projectID)) != 0 {
			t.Error("expected no open pledges after promotion")
		}
		claimed := s.ClaimedPledges(projectID)
		if len(claimed) != 1 {
			t.Fatalf("ClaimedPledges() len = %d, want 1", len(claimed))
		}
		close(done)
	})
	<-done
}

func TestClearClaimedPledges(t *testing.T) {
	sched, s := newTestStore(t)
	projectID := [32]byte{6}

	done := make(chan struct{})
	sched.Submit(func() {
		pledge := samplePledge(projectID, 500)
		s.AddOpenPledge(pledge)
		s.PromoteToClaimed(pledge)

		s.ClearClaimedPledges(projectID)
		if len(s.ClaimedPledges(projectID)) != 0 {
			t.Error("expected no claimed pledges after clear")
		}
		if len(s.OpenPledges(projectID)) != 0 {
			t.Error("ClearClaimedPledges must not resurrect the pledge into open")
		}
		close(done)
	})
	<-done
}

func TestMirrorProjectsReceivesAdd(t *testing.T) {
	sched, s := newTestStore(t)
	ch := make(chan ProjectsDiff, 4)
	sub := s.MirrorProjects(ch)
	defer sub.Unsubscribe()

	p := &models.Project{ID: [32]byte{4}}
	sched.Submit(func() { s.SaveProject(p) })

	diff := <-ch
	if len(diff.Added) != 1 || diff.Added[0].ID != p.ID {
		t.Fatalf("MirrorProjects diff = %+v", diff)
	}
}

func TestCheckStatusAbsentOnClear(t *testing.T) {
	sched, s := newTestStore(t)
	projectID := [32]byte{5}

	done := make(chan struct{})
	sched.Submit(func() {
		s.SetCheckStatus(projectID, models.CheckStatus{InProgress: true})
		if s.CheckStatus(projectID).Absent() {
			t.Error("expected non-absent status while in progress")
		}
		s.SetCheckStatus(projectID, models.CheckStatus{})
		if !s.CheckStatus(projectID).Absent() {
			t.Error("expected absent status after clearing")
		}
		close(done)
	})
	<-done
}

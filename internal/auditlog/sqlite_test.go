package auditlog

import (
	"path/filepath"
	"testing"
)

func TestOpenRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.sqlite")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM submission_log").Scan(&count); err != nil {
		t.Fatalf("submission_log table not created: %v", err)
	}
}

func TestRecordAndRecentForProject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.sqlite")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	projectID := [32]byte{1}
	pledgeHash := [32]byte{2}

	if err := db.Record(pledgeHash, projectID, OutcomeAccepted, ""); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := db.Record(pledgeHash, projectID, OutcomeRejected, "bad script"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	entries, err := db.RecentForProject(projectID, 10)
	if err != nil {
		t.Fatalf("RecentForProject() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("RecentForProject() len = %d, want 2", len(entries))
	}
	if entries[0].Outcome != OutcomeRejected {
		t.Errorf("newest entry outcome = %q, want %q (newest first)", entries[0].Outcome, OutcomeRejected)
	}
}

func TestRecentForProjectRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.sqlite")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	projectID := [32]byte{3}
	for i := 0; i < 5; i++ {
		if err := db.Record([32]byte{byte(i)}, projectID, OutcomeAccepted, ""); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := db.RecentForProject(projectID, 2)
	if err != nil {
		t.Fatalf("RecentForProject() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("RecentForProject() len = %d, want 2", len(entries))
	}
}

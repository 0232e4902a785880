// Package auditlog records every pledge submission outcome (accepted,
// rejected with reason, server-scrubbed duplicate) to a local sqlite
// database, purely for after-the-fact operator inspection — it is never
// read back to make protocol decisions. Grounded on the dependency stack's
// own embedded-migration sqlite wrapper.
package auditlog

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/lighthouse-contracts/pledgeengine/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite connection backing the audit log.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if absent) the audit log database at path, in WAL
// mode, and applies any pending migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create audit db directory %q: %v", config.ErrIOError, dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open audit db %q: %v", config.ErrIOError, path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ping audit db: %v", config.ErrIOError, err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: enable WAL mode: %v", config.ErrIOError, err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) runMigrations() error {
	if _, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("%w: create schema_migrations table: %v", config.ErrIOError, err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("%w: read migrations directory: %v", config.ErrIOError, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d", &version); err != nil {
			slog.Warn("auditlog: skipping migration with unparseable version", "file", entry.Name())
			continue
		}

		var count int
		if err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("%w: check migration status for version %d: %v", config.ErrIOError, version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("%w: read migration %s: %v", config.ErrIOError, entry.Name(), err)
		}

		tx, err := d.conn.Begin()
		if err != nil {
			return fmt.Errorf("%w: begin migration transaction %d: %v", config.ErrIOError, version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: execute migration %s: %v", config.ErrIOError, entry.Name(), err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: record migration %d: %v", config.ErrIOError, version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit migration %d: %v", config.ErrIOError, version, err)
		}
		slog.Info("auditlog: migration applied", "version", version, "file", entry.Name())
	}
	return nil
}

// Outcome values recorded for each submission.
const (
	OutcomeAccepted        = "accepted"
	OutcomeRejected        = "rejected"
	OutcomeServerDuplicate = "server_scrubbed_duplicate"
	OutcomeRevoked         = "revoked"
)

// Record writes one submission outcome to the log.
func (d *DB) Record(pledgeHash, projectID [32]byte, outcome, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO submission_log (pledge_hash, project_id, outcome, detail) VALUES (?, ?, ?, ?)`,
		fmt.Sprintf("%x", pledgeHash), fmt.Sprintf("%x", projectID), outcome, detail,
	)
	if err != nil {
		return fmt.Errorf("%w: record submission: %v", config.ErrIOError, err)
	}
	return nil
}

// Entry is one row read back from the submission log.
type Entry struct {
	PledgeHash  string
	ProjectID   string
	Outcome     string
	Detail      string
	SubmittedAt string
}

// RecentForProject returns the most recent submission log entries for a
// project, newest first, up to limit rows.
func (d *DB) RecentForProject(projectID [32]byte, limit int) ([]Entry, error) {
	rows, err := d.conn.Query(
		`SELECT pledge_hash, project_id, outcome, detail, submitted_at FROM submission_log
		 WHERE project_id = ? ORDER BY id DESC LIMIT ?`,
		fmt.Sprintf("%x", projectID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query submission log: %v", config.ErrIOError, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.PledgeHash, &e.ProjectID, &e.Outcome, &e.Detail, &e.SubmittedAt); err != nil {
			return nil, fmt.Errorf("%w: scan submission log row: %v", config.ErrIOError, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

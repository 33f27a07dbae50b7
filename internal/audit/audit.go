// Package audit provides a hash-chained, append-only ledger of reflection
// outcomes, independent of the playbook file itself. The playbook remains
// the sole authoritative state; this ledger exists purely so an
// operator can answer "what changed, and when" without diffing JSON
// snapshots by hand.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger wraps the sqlite-backed reflection audit trail.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at dbPath.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion < 1 {
		if err := l.runMigration001(); err != nil {
			return fmt.Errorf("run migration 001: %w", err)
		}
	}

	return nil
}

func (l *Ledger) runMigration001() error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS reflection_ledger (
			entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
			outcome TEXT NOT NULL,
			kpt_count_before INTEGER NOT NULL,
			kpt_count_after INTEGER NOT NULL,
			merges_applied INTEGER NOT NULL DEFAULT 0,
			kpts_pruned INTEGER NOT NULL DEFAULT 0,
			kpts_evicted INTEGER NOT NULL DEFAULT 0,
			detail TEXT,
			prev_hash TEXT,
			entry_hash TEXT NOT NULL,
			timestamp TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_ledger_outcome ON reflection_ledger(outcome)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec("INSERT INTO migrations (version) VALUES (1)")
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Entry describes one reflection pass for the ledger.
type Entry struct {
	Outcome        string // "applied", "noop", "rejected"
	KPTCountBefore int
	KPTCountAfter  int
	MergesApplied  int
	KPTsPruned     int
	KPTsEvicted    int
	Detail         map[string]interface{}
}

// Record appends a hash-chained entry to the ledger.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	var prevHash sql.NullString
	err := l.db.QueryRowContext(ctx,
		"SELECT entry_hash FROM reflection_ledger ORDER BY entry_id DESC LIMIT 1",
	).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read previous hash: %w", err)
	}

	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	entryHash := chainHash(prevHash.String, e, string(detailJSON), timestamp)

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO reflection_ledger
			(outcome, kpt_count_before, kpt_count_after, merges_applied,
			 kpts_pruned, kpts_evicted, detail, prev_hash, entry_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Outcome, e.KPTCountBefore, e.KPTCountAfter, e.MergesApplied,
		e.KPTsPruned, e.KPTsEvicted, string(detailJSON), prevHash.String, entryHash, timestamp)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	return nil
}

func chainHash(prevHash string, e Entry, detailJSON, timestamp string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d|%d|%d|%s|%s",
		prevHash, e.Outcome, e.KPTCountBefore, e.KPTCountAfter,
		e.MergesApplied, e.KPTsPruned, e.KPTsEvicted, detailJSON, timestamp)
	return hex.EncodeToString(h.Sum(nil))
}

// History returns the most recent n ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, n int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT outcome, kpt_count_before, kpt_count_after, merges_applied,
		       kpts_pruned, kpts_evicted, detail
		FROM reflection_ledger
		ORDER BY entry_id DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var detailJSON string
		if err := rows.Scan(&e.Outcome, &e.KPTCountBefore, &e.KPTCountAfter,
			&e.MergesApplied, &e.KPTsPruned, &e.KPTsEvicted, &detailJSON); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		_ = json.Unmarshal([]byte(detailJSON), &e.Detail)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify walks the whole chain and reports whether every entry_hash is
// consistent with its predecessor, detecting tampering or corruption.
func (l *Ledger) Verify(ctx context.Context) (bool, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT outcome, kpt_count_before, kpt_count_after, merges_applied,
		       kpts_pruned, kpts_evicted, detail, prev_hash, entry_hash, timestamp
		FROM reflection_ledger
		ORDER BY entry_id ASC
	`)
	if err != nil {
		return false, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var expectedPrev string
	for rows.Next() {
		var e Entry
		var detailJSON, prevHash, entryHash, timestamp string
		if err := rows.Scan(&e.Outcome, &e.KPTCountBefore, &e.KPTCountAfter,
			&e.MergesApplied, &e.KPTsPruned, &e.KPTsEvicted, &detailJSON,
			&prevHash, &entryHash, &timestamp); err != nil {
			return false, fmt.Errorf("scan chain row: %w", err)
		}

		if prevHash != expectedPrev {
			return false, nil
		}
		if chainHash(prevHash, e, detailJSON, timestamp) != entryHash {
			return false, nil
		}
		expectedPrev = entryHash
	}
	return true, rows.Err()
}

// Package history keeps a local log of finished workflows and the merge
// requests they opened.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown workflow.
var ErrNotFound = errors.New("workflow not found")

// Merge request kinds.
const (
	KindPrimary = "primary"
	KindSync    = "sync"
)

// MergeRequest is a merge request opened by a workflow.
type MergeRequest struct {
	Kind         string `json:"kind" yaml:"kind"`
	IID          int    `json:"iid" yaml:"iid"`
	Title        string `json:"title" yaml:"title"`
	URL          string `json:"url" yaml:"url"`
	TargetBranch string `json:"target_branch" yaml:"target_branch"`
}

// Record is one finished workflow.
type Record struct {
	ID            string         `json:"id" yaml:"id"`
	Branch        string         `json:"branch" yaml:"branch"`
	Category      string         `json:"category" yaml:"category"`
	State         string         `json:"state" yaml:"state"`
	Headline      string         `json:"headline,omitempty" yaml:"headline,omitempty"`
	Error         string         `json:"error,omitempty" yaml:"error,omitempty"`
	DryRun        bool           `json:"dry_run" yaml:"dry_run"`
	SyncDeclined  bool           `json:"sync_declined" yaml:"sync_declined"`
	StartedAt     time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time      `json:"finished_at" yaml:"finished_at"`
	MergeRequests []MergeRequest `json:"merge_requests,omitempty" yaml:"merge_requests,omitempty"`
}

// Store is a SQLite-backed workflow history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// one connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return s, nil
}

// OpenMemory returns an in-memory store for tests.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		branch TEXT NOT NULL,
		category TEXT NOT NULL,
		state TEXT NOT NULL,
		headline TEXT,
		error TEXT,
		dry_run INTEGER NOT NULL DEFAULT 0,
		sync_declined INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_finished ON workflows(finished_at);

	CREATE TABLE IF NOT EXISTS merge_requests (
		workflow_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		iid INTEGER NOT NULL,
		title TEXT NOT NULL,
		url TEXT,
		target_branch TEXT NOT NULL,
		PRIMARY KEY (workflow_id, kind),
		FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts or replaces rec and its merge requests.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("workflow id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, rec.ID); err != nil {
		return fmt.Errorf("replace workflow %s: %w", rec.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (id, branch, category, state, headline, error, dry_run, sync_declined, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Branch, rec.Category, rec.State, rec.Headline, rec.Error,
		rec.DryRun, rec.SyncDeclined, formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
	); err != nil {
		return fmt.Errorf("insert workflow %s: %w", rec.ID, err)
	}

	for _, mr := range rec.MergeRequests {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO merge_requests (workflow_id, kind, iid, title, url, target_branch)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, mr.Kind, mr.IID, mr.Title, mr.URL, mr.TargetBranch,
		); err != nil {
			return fmt.Errorf("insert merge request %d: %w", mr.IID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns the most recently finished workflows first. A limit of zero
// or less returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT id, branch, category, state, headline, error, dry_run, sync_declined, started_at, finished_at
		FROM workflows ORDER BY finished_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	for i := range records {
		if records[i].MergeRequests, err = s.mergeRequests(ctx, records[i].ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Get returns the workflow with id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, branch, category, state, headline, error, dry_run, sync_declined, started_at, finished_at
		FROM workflows WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, err
	}
	rec.MergeRequests, err = s.mergeRequests(ctx, id)
	return rec, err
}

func (s *Store) mergeRequests(ctx context.Context, id string) ([]MergeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, iid, title, url, target_branch
		FROM merge_requests WHERE workflow_id = ? ORDER BY CASE kind WHEN 'primary' THEN 0 ELSE 1 END`, id)
	if err != nil {
		return nil, fmt.Errorf("list merge requests of %s: %w", id, err)
	}
	defer rows.Close()

	var out []MergeRequest
	for rows.Next() {
		var (
			mr  MergeRequest
			url sql.NullString
		)
		if err := rows.Scan(&mr.Kind, &mr.IID, &mr.Title, &url, &mr.TargetBranch); err != nil {
			return nil, fmt.Errorf("scan merge request: %w", err)
		}
		mr.URL = url.String
		out = append(out, mr)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec               Record
		headline, errText sql.NullString
		started, finished string
		dryRun, declined  bool
	)
	if err := row.Scan(&rec.ID, &rec.Branch, &rec.Category, &rec.State, &headline, &errText,
		&dryRun, &declined, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan workflow: %w", err)
	}
	rec.Headline = headline.String
	rec.Error = errText.String
	rec.DryRun = dryRun
	rec.SyncDeclined = declined
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	return rec, nil
}

// timeLayout has a fixed width so stored values sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

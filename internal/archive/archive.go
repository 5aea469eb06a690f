// Package archive persists finalized traces to a local SQLite database so
// they can be inspected after the process exits.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kataru/internal/model"
)

// ErrNotFound is returned by Load when no archived trace matches.
var ErrNotFound = errors.New("archive: trace not found")

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	id            TEXT PRIMARY KEY,
	story_id      TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	span_count    INTEGER NOT NULL,
	finalized_at  TEXT NOT NULL,
	payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_finalized_at ON traces(finalized_at DESC);
`

// Store is a local archive of finalized traces. Safe for concurrent use;
// database/sql serializes access to the single SQLite connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive database at path and bootstraps the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("archive: close: %w", err)
	}
	return nil
}

// Save stores a finalized trace. Saving the same trace id twice replaces
// the earlier row.
func (s *Store) Save(ctx context.Context, t *model.Trace) error {
	if !t.Finalized || t.FinalizedAt == nil {
		return fmt.Errorf("archive: trace %s is not finalized", t.ID)
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("archive: marshal trace %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO traces (id, story_id, session_id, status, span_count, finalized_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.StoryID, t.SessionID, string(t.AggregateStatus()),
		len(t.Spans), t.FinalizedAt.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("archive: save trace %s: %w", t.ID, err)
	}
	return nil
}

// Summary is one row of the archive listing.
type Summary struct {
	ID          uuid.UUID
	StoryID     string
	SessionID   string
	Status      model.Status
	SpanCount   int
	FinalizedAt time.Time
}

// List returns the most recently finalized traces, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, story_id, session_id, status, span_count, finalized_at
		 FROM traces ORDER BY finalized_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list traces: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum         Summary
			id, status  string
			finalizedAt string
		)
		if err := rows.Scan(&id, &sum.StoryID, &sum.SessionID, &status, &sum.SpanCount, &finalizedAt); err != nil {
			return nil, fmt.Errorf("archive: scan trace row: %w", err)
		}
		sum.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("archive: parse trace id %q: %w", id, err)
		}
		sum.Status = model.Status(status)
		sum.FinalizedAt, err = time.Parse(time.RFC3339Nano, finalizedAt)
		if err != nil {
			return nil, fmt.Errorf("archive: parse finalized_at %q: %w", finalizedAt, err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Load retrieves a full archived trace by id.
func (s *Store) Load(ctx context.Context, traceID uuid.UUID) (*model.Trace, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM traces WHERE id = ?`, traceID.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: load trace %s: %w", traceID, err)
	}
	var t model.Trace
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("archive: unmarshal trace %s: %w", traceID, err)
	}
	return &t, nil
}

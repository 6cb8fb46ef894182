// Package store is the SQLite transport for eventfold.
//
// SQLite in WAL mode serves as the shared medium: the owner daemon and any
// number of submitters on the same machine (or a network share) read and
// write one database file. The database IS the communication channel.
// Every table is keyed by owner, so one file can host many owner spaces.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/eventfold/pkg/conn"
	"github.com/daviddao/eventfold/pkg/model"

	_ "modernc.org/sqlite"
)

// Store is one owner's connection to a shared SQLite file.
type Store struct {
	db    *sql.DB
	owner string
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path, owner string) (*Store, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: empty owner", conn.ErrMalformed)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, owner: owner}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Owner returns the owner space this store is scoped to.
func (s *Store) Owner() string { return s.owner }

// retryOnContention runs every statement that touches shared tables.
func retryOnContention(ctx context.Context, fn func() error) error {
	return storeBackoff.do(ctx, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		owner      TEXT NOT NULL,
		id         TEXT NOT NULL,
		ts_ns      INTEGER NOT NULL,
		body       TEXT NOT NULL,
		PRIMARY KEY (owner, id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(owner, ts_ns, id);

	CREATE TABLE IF NOT EXISTS outbox (
		owner      TEXT NOT NULL,
		id         TEXT NOT NULL,
		ts_ns      INTEGER NOT NULL,
		body       TEXT NOT NULL,
		PRIMARY KEY (owner, id)
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_ts ON outbox(owner, ts_ns, id);

	CREATE TABLE IF NOT EXISTS inbox (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		owner      TEXT NOT NULL,
		id         TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (owner, id)
	);

	CREATE TABLE IF NOT EXISTS checkpoints_full (
		owner      TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints_incremental (
		owner      TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		body       TEXT NOT NULL,
		PRIMARY KEY (owner, seq)
	);

	CREATE TABLE IF NOT EXISTS rolling_state (
		owner      TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Inbox
// ---------------------------------------------------------------------------

// SendProposedChange queues p. Sending the same id twice is a no-op.
func (s *Store) SendProposedChange(ctx context.Context, p model.ProposedChange) error {
	if p.ID == "" {
		return fmt.Errorf("%w: proposal without id", conn.ErrMalformed)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", conn.ErrMalformed, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO inbox (owner, id, body, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(owner, id) DO NOTHING`,
			s.owner, p.ID, string(body), now,
		)
		return err
	})
}

// GetNextProposedChange returns the oldest queued proposal. An entry whose
// body does not decode is returned with only its id, so the owner rejects
// it as malformed and removes it instead of stalling on it.
func (s *Store) GetNextProposedChange(ctx context.Context) (model.ProposedChange, bool, error) {
	var id, body string
	err := retryOnContention(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT id, body FROM inbox WHERE owner = ? ORDER BY seq ASC LIMIT 1`, s.owner,
		).Scan(&id, &body)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProposedChange{}, false, nil
	}
	if err != nil {
		return model.ProposedChange{}, false, err
	}
	var p model.ProposedChange
	if err := model.DecodeDocument(model.DocProposedChange, []byte(body), &p); err != nil {
		return model.ProposedChange{ID: id}, true, nil
	}
	p.ID = id
	return p, true, nil
}

// RemoveProposedChangeFromInbox deletes the entry with id, if present.
func (s *Store) RemoveProposedChangeFromInbox(ctx context.Context, id string) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE owner = ? AND id = ?`, s.owner, id)
		return err
	})
}

// ---------------------------------------------------------------------------
// Event log and outbox
// ---------------------------------------------------------------------------

func (s *Store) WriteEventToLog(ctx context.Context, e model.Event) error {
	return s.putEvent(ctx, "events", e)
}

func (s *Store) WriteEventToOutbox(ctx context.Context, e model.Event) error {
	return s.putEvent(ctx, "outbox", e)
}

func (s *Store) GetAllEvents(ctx context.Context) ([]model.Event, error) {
	return s.listEvents(ctx, "events", time.Time{})
}

func (s *Store) GetEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	return s.listEvents(ctx, "events", since)
}

func (s *Store) GetOutboxEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	return s.listEvents(ctx, "outbox", since)
}

// putEvent upserts e into table. Events are immutable, so rewriting the
// same id stores the same body again.
func (s *Store) putEvent(ctx context.Context, table string, e model.Event) error {
	if e.ID == "" {
		return fmt.Errorf("%w: event without id", conn.ErrMalformed)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", conn.ErrMalformed, err)
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO `+table+` (owner, id, ts_ns, body) VALUES (?, ?, ?, ?)
			 ON CONFLICT(owner, id) DO UPDATE SET ts_ns = excluded.ts_ns, body = excluded.body`,
			s.owner, e.ID, e.EventTimestamp.UnixNano(), string(body),
		)
		return err
	})
}

// listEvents returns events with ts >= since ordered by total order. Ids
// compare bytewise under SQLite's BINARY collation, matching the clock's
// tie-break.
func (s *Store) listEvents(ctx context.Context, table string, since time.Time) ([]model.Event, error) {
	var events []model.Event
	err := retryOnContention(ctx, func() error {
		var rows *sql.Rows
		var err error
		if since.IsZero() {
			rows, err = s.db.QueryContext(ctx,
				`SELECT id, body FROM `+table+` WHERE owner = ? ORDER BY ts_ns ASC, id ASC`, s.owner)
		} else {
			rows, err = s.db.QueryContext(ctx,
				`SELECT id, body FROM `+table+` WHERE owner = ? AND ts_ns >= ? ORDER BY ts_ns ASC, id ASC`,
				s.owner, since.UnixNano())
		}
		if err != nil {
			return err
		}
		defer rows.Close()
		events, err = scanEvents(rows)
		return err
	})
	return events, err
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var e model.Event
		if err := model.DecodeDocument(model.DocEvent, []byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode event %s: %w: %v", id, conn.ErrCorrupt, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

func (s *Store) UploadFullCheckpoint(ctx context.Context, cp model.FullCheckpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: %v", conn.ErrMalformed, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints_full (owner, body, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(owner) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
			s.owner, string(body), now,
		)
		return err
	})
}

func (s *Store) DownloadFullCheckpoint(ctx context.Context) (model.FullCheckpoint, error) {
	var cp model.FullCheckpoint
	body, err := s.getBody(ctx, `SELECT body FROM checkpoints_full WHERE owner = ?`)
	if err != nil {
		return cp, fmt.Errorf("full checkpoint for %s: %w", s.owner, err)
	}
	if err := model.DecodeDocument(model.DocFullCheckpoint, body, &cp); err != nil {
		return model.FullCheckpoint{}, fmt.Errorf("full checkpoint for %s: %w: %v", s.owner, conn.ErrCorrupt, err)
	}
	return cp, nil
}

func (s *Store) UploadIncrementalCheckpoint(ctx context.Context, cp model.IncrementalCheckpoint) error {
	if cp.SequenceNo < 1 {
		return fmt.Errorf("%w: incremental sequence %d", conn.ErrMalformed, cp.SequenceNo)
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: %v", conn.ErrMalformed, err)
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO checkpoints_incremental (owner, seq, body) VALUES (?, ?, ?)
			 ON CONFLICT(owner, seq) DO UPDATE SET body = excluded.body`,
			s.owner, cp.SequenceNo, string(body),
		)
		return err
	})
}

func (s *Store) ListIncrementalCheckpoints(ctx context.Context) ([]model.IncrementalCheckpoint, error) {
	var out []model.IncrementalCheckpoint
	err := retryOnContention(ctx, func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT seq, body FROM checkpoints_incremental WHERE owner = ? ORDER BY seq ASC`, s.owner)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var seq int64
			var body string
			if err := rows.Scan(&seq, &body); err != nil {
				return err
			}
			var cp model.IncrementalCheckpoint
			if err := model.DecodeDocument(model.DocIncrementalCheckpoint, []byte(body), &cp); err != nil {
				return fmt.Errorf("incremental %d: %w: %v", seq, conn.ErrCorrupt, err)
			}
			out = append(out, cp)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) DeleteIncrementalCheckpoints(ctx context.Context) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints_incremental WHERE owner = ?`, s.owner)
		return err
	})
}

// ---------------------------------------------------------------------------
// Rolling state
// ---------------------------------------------------------------------------

func (s *Store) UploadRollingState(ctx context.Context, rs model.RollingState) error {
	if rs.Events == nil {
		rs.Events = []model.Event{}
	}
	body, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("%w: %v", conn.ErrMalformed, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO rolling_state (owner, body, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(owner) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
			s.owner, string(body), now,
		)
		return err
	})
}

func (s *Store) DownloadRollingState(ctx context.Context) (model.RollingState, error) {
	var rs model.RollingState
	body, err := s.getBody(ctx, `SELECT body FROM rolling_state WHERE owner = ?`)
	if err != nil {
		return rs, fmt.Errorf("rolling state for %s: %w", s.owner, err)
	}
	if err := model.DecodeDocument(model.DocRollingState, body, &rs); err != nil {
		return model.RollingState{}, fmt.Errorf("rolling state for %s: %w: %v", s.owner, conn.ErrCorrupt, err)
	}
	return rs, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// getBody runs a single-row owner query. No row maps to conn.ErrNotFound.
func (s *Store) getBody(ctx context.Context, query string) ([]byte, error) {
	var body string
	err := retryOnContention(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, s.owner).Scan(&body)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conn.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

// Owners lists every owner with at least one logged event or queued
// proposal in the file.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	var owners []string
	err := retryOnContention(ctx, func() error {
		owners = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT owner FROM events UNION SELECT owner FROM inbox ORDER BY owner`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var o string
			if err := rows.Scan(&o); err != nil {
				return err
			}
			owners = append(owners, o)
		}
		return rows.Err()
	})
	return owners, err
}

// Stats counts the rows held for the store's owner.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := retryOnContention(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT
			   (SELECT COUNT(*) FROM events WHERE owner = ?1),
			   (SELECT COUNT(*) FROM outbox WHERE owner = ?1),
			   (SELECT COUNT(*) FROM inbox WHERE owner = ?1),
			   (SELECT COUNT(*) FROM checkpoints_incremental WHERE owner = ?1)`,
			s.owner,
		).Scan(&st.Events, &st.Outbox, &st.Inbox, &st.Incrementals)
	})
	return st, err
}

// Stats summarizes one owner's footprint in the database.
type Stats struct {
	Events       int64 `json:"events"`
	Outbox       int64 `json:"outbox"`
	Inbox        int64 `json:"inbox"`
	Incrementals int64 `json:"incrementals"`
}

// Package sqlite stores archive records in a local SQLite database. It is the
// single-node alternative to the postgres store and shares its schema.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/vocalink/internal/archive"
	"github.com/MrWong99/vocalink/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ archive.Gateway = (*Store)(nil)

// Store is an [archive.Gateway] backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("archive sqlite: open: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent flushes.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive sqlite: ping: %w", err)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("archive sqlite: migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("archive sqlite: migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Save implements [archive.Gateway]. A record whose (SessionID, Seq) already
// exists is left untouched.
func (s *Store) Save(ctx context.Context, rec archive.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.save(ctx, rec); err != nil {
		return fmt.Errorf("archive sqlite: save: %w", err)
	}
	return nil
}

func (s *Store) save(ctx context.Context, rec archive.Record) error {
	segments := rec.Segments
	if segments == nil {
		segments = []archive.Segment{}
	}
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const insertRecording = `
		INSERT INTO recordings
		    (session_id, device_id, seq, started_at, ended_at, artifact_path, segments)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, seq) DO NOTHING`

	res, err := tx.ExecContext(ctx, insertRecording,
		rec.SessionID, rec.DeviceID, rec.Seq,
		formatTime(rec.StartedAt), formatTime(rec.EndedAt), rec.ArtifactPath, string(segJSON),
	)
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("recording id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recording_messages
		    (recording_id, position, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare messages: %w", err)
	}
	defer stmt.Close()
	for i, m := range rec.Messages {
		calls := m.ToolCalls
		if calls == nil {
			calls = []types.ToolCall{}
		}
		callJSON, err := json.Marshal(calls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		var ts sql.NullString
		if !m.Timestamp.IsZero() {
			ts = sql.NullString{String: formatTime(m.Timestamp), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, id, i, m.Role, m.Content, string(callJSON), m.ToolCallID, ts); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Records returns the stored records of sessionID ordered by seq.
func (s *Store) Records(ctx context.Context, sessionID string) ([]archive.Record, error) {
	const q = `
		SELECT id, session_id, device_id, seq, started_at, ended_at, artifact_path, segments
		FROM   recordings
		WHERE  session_id = ?
		ORDER  BY seq`

	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive sqlite: records: %w", err)
	}
	defer rows.Close()

	var (
		ids  []int64
		recs []archive.Record
	)
	for rows.Next() {
		var (
			id             int64
			rec            archive.Record
			started, ended string
			segJSON        string
		)
		if err := rows.Scan(&id, &rec.SessionID, &rec.DeviceID, &rec.Seq, &started, &ended, &rec.ArtifactPath, &segJSON); err != nil {
			return nil, fmt.Errorf("archive sqlite: records: %w", err)
		}
		if rec.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("archive sqlite: records: %w", err)
		}
		if rec.EndedAt, err = parseTime(ended); err != nil {
			return nil, fmt.Errorf("archive sqlite: records: %w", err)
		}
		if err := json.Unmarshal([]byte(segJSON), &rec.Segments); err != nil {
			return nil, fmt.Errorf("archive sqlite: records: decode segments: %w", err)
		}
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive sqlite: records: %w", err)
	}
	rows.Close()

	for i, id := range ids {
		msgs, err := s.messages(ctx, id)
		if err != nil {
			return nil, err
		}
		recs[i].Messages = msgs
	}
	return recs, nil
}

func (s *Store) messages(ctx context.Context, recordingID int64) ([]types.Message, error) {
	const q = `
		SELECT role, content, tool_calls, tool_call_id, created_at
		FROM   recording_messages
		WHERE  recording_id = ?
		ORDER  BY position`

	rows, err := s.db.QueryContext(ctx, q, recordingID)
	if err != nil {
		return nil, fmt.Errorf("archive sqlite: messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var (
			m        types.Message
			callJSON string
			ts       sql.NullString
		)
		if err := rows.Scan(&m.Role, &m.Content, &callJSON, &m.ToolCallID, &ts); err != nil {
			return nil, fmt.Errorf("archive sqlite: messages: %w", err)
		}
		if err := json.Unmarshal([]byte(callJSON), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("archive sqlite: messages: decode tool calls: %w", err)
		}
		if len(m.ToolCalls) == 0 {
			m.ToolCalls = nil
		}
		if ts.Valid {
			if m.Timestamp, err = parseTime(ts.String); err != nil {
				return nil, fmt.Errorf("archive sqlite: messages: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive sqlite: messages: %w", err)
	}
	return msgs, nil
}

// Ping implements [archive.Gateway].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("archive sqlite: ping: %w", err)
	}
	return nil
}

// Close implements [archive.Gateway].
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("archive sqlite: close: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

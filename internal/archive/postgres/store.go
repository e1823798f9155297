// Package postgres stores archive records in PostgreSQL.
//
// Each [archive.Record] becomes one row in recordings plus one row per
// conversation message in recording_messages, written in a single
// transaction. The schema is managed by goose migrations embedded in the
// binary and applied by [NewStore].
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/vocalink/internal/archive"
	"github.com/MrWong99/vocalink/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ archive.Gateway = (*Store)(nil)

// Store is an [archive.Gateway] backed by a pgx connection pool. All methods
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// applies pending migrations.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded migrations through a database/sql handle
// borrowed from pool. Closing that handle leaves pool open.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("archive postgres: migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		db.Close()
		return fmt.Errorf("archive postgres: migrations: %w", err)
	}
	defer p.Close()
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("archive postgres: migrate: %w", err)
	}
	return nil
}

// Save implements [archive.Gateway]. A record whose (SessionID, Seq) already
// exists is left untouched.
func (s *Store) Save(ctx context.Context, rec archive.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	segments := rec.Segments
	if segments == nil {
		segments = []archive.Segment{}
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insertRecording = `
			INSERT INTO recordings
			    (session_id, device_id, seq, started_at, ended_at, artifact_path, segments)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (session_id, seq) DO NOTHING
			RETURNING id`

		var id int64
		err := tx.QueryRow(ctx, insertRecording,
			rec.SessionID, rec.DeviceID, rec.Seq,
			rec.StartedAt, rec.EndedAt, rec.ArtifactPath, segments,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert recording: %w", err)
		}

		const insertMessage = `
			INSERT INTO recording_messages
			    (recording_id, position, role, content, tool_calls, tool_call_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`

		batch := &pgx.Batch{}
		for i, m := range rec.Messages {
			calls := m.ToolCalls
			if calls == nil {
				calls = []types.ToolCall{}
			}
			batch.Queue(insertMessage, id, i, m.Role, m.Content, calls, m.ToolCallID, nullTime(m.Timestamp))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive postgres: save: %w", err)
	}
	return nil
}

// Records returns the stored records of sessionID ordered by seq.
func (s *Store) Records(ctx context.Context, sessionID string) ([]archive.Record, error) {
	const q = `
		SELECT id, session_id, device_id, seq, started_at, ended_at, artifact_path, segments
		FROM   recordings
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: records: %w", err)
	}
	type row struct {
		id  int64
		rec archive.Record
	}
	recs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var out row
		err := r.Scan(&out.id, &out.rec.SessionID, &out.rec.DeviceID, &out.rec.Seq,
			&out.rec.StartedAt, &out.rec.EndedAt, &out.rec.ArtifactPath, &out.rec.Segments)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive postgres: records: %w", err)
	}

	out := make([]archive.Record, len(recs))
	for i, r := range recs {
		msgs, err := s.messages(ctx, r.id)
		if err != nil {
			return nil, err
		}
		r.rec.Messages = msgs
		out[i] = r.rec
	}
	return out, nil
}

func (s *Store) messages(ctx context.Context, recordingID int64) ([]types.Message, error) {
	const q = `
		SELECT role, content, tool_calls, tool_call_id, created_at
		FROM   recording_messages
		WHERE  recording_id = $1
		ORDER  BY position`

	rows, err := s.pool.Query(ctx, q, recordingID)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (types.Message, error) {
		var (
			m  types.Message
			ts *time.Time
		)
		if err := r.Scan(&m.Role, &m.Content, &m.ToolCalls, &m.ToolCallID, &ts); err != nil {
			return m, err
		}
		if len(m.ToolCalls) == 0 {
			m.ToolCalls = nil
		}
		if ts != nil {
			m.Timestamp = *ts
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive postgres: messages: %w", err)
	}
	return msgs, nil
}

// Ping implements [archive.Gateway].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive postgres: ping: %w", err)
	}
	return nil
}

// Close implements [archive.Gateway]. It releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

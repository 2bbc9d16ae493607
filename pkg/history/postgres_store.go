// Package history keeps a durable record of finished firmware builds.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/fwbuild/pkg/buildmgr"
)

// Record describes one finished build.
type Record struct {
	ID         string              `json:"id"`
	Vehicle    string              `json:"vehicle"`
	Board      string              `json:"board"`
	Remote     buildmgr.RemoteInfo `json:"remote_info"`
	GitRef     string              `json:"git_ref"`
	Commit     string              `json:"commit"`
	Features   []string            `json:"selected_features"`
	State      buildmgr.BuildState `json:"state"`
	Error      string              `json:"error,omitempty"`
	Archive    string              `json:"archive,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// PostgresStore persists build records to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS firmware_builds (
    id TEXT PRIMARY KEY,
    vehicle TEXT NOT NULL,
    board TEXT NOT NULL,
    remote_name TEXT NOT NULL,
    remote_url TEXT NOT NULL,
    git_ref TEXT NOT NULL,
    commit_id TEXT,
    features JSONB NOT NULL DEFAULT '[]',
    state TEXT NOT NULL,
    error TEXT,
    archive TEXT,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS firmware_builds_finished_idx ON firmware_builds (finished_at DESC);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordBuild inserts rec, replacing an earlier record with the same id.
func (s *PostgresStore) RecordBuild(ctx context.Context, rec Record) error {
	if !rec.State.Terminal() {
		return fmt.Errorf("record build %s: state %s is not terminal", rec.ID, rec.State)
	}
	features, err := json.Marshal(nonNil(rec.Features))
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	query := `INSERT INTO firmware_builds (id, vehicle, board, remote_name, remote_url, git_ref, commit_id, features, state, error, archive, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
    commit_id = EXCLUDED.commit_id,
    state = EXCLUDED.state,
    error = EXCLUDED.error,
    archive = EXCLUDED.archive,
    finished_at = EXCLUDED.finished_at`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Vehicle,
		rec.Board,
		rec.Remote.Name,
		rec.Remote.URL,
		rec.GitRef,
		nullString(rec.Commit),
		string(features),
		string(rec.State),
		nullString(rec.Error),
		nullString(rec.Archive),
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record build %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `id, vehicle, board, remote_name, remote_url, git_ref, commit_id, features, state, error, archive, started_at, finished_at`

// Get returns the record for id, or buildmgr.ErrBuildNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM firmware_builds WHERE id=$1`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", buildmgr.ErrBuildNotFound, id)
	}
	return rec, err
}

// List returns up to limit records, newest first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM firmware_builds ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteFinishedBefore removes records older than cutoff and returns how
// many were deleted.
func (s *PostgresStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM firmware_builds WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec      Record
		commit   sql.NullString
		features []byte
		state    string
		errMsg   sql.NullString
		archive  sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Vehicle, &rec.Board, &rec.Remote.Name, &rec.Remote.URL, &rec.GitRef,
		&commit, &features, &state, &errMsg, &archive, &rec.StartedAt, &rec.FinishedAt); err != nil {
		return Record{}, err
	}
	rec.Commit = commit.String
	rec.State = buildmgr.BuildState(state)
	rec.Error = errMsg.String
	rec.Archive = archive.String
	if len(features) > 0 {
		if err := json.Unmarshal(features, &rec.Features); err != nil {
			return Record{}, fmt.Errorf("decode features: %w", err)
		}
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

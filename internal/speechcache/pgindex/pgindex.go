// Package pgindex records speech cache entries in PostgreSQL so several
// talkinghead instances sharing a cache volume can report what is cached.
package pgindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/talkinghead/internal/speechcache"
	"github.com/MrWong99/talkinghead/pkg/types"
)

// Schema is the SQL DDL for the speech_cache_entries table. Execute it via
// [Index.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS speech_cache_entries (
    key          TEXT PRIMARY KEY,
    character_id TEXT NOT NULL DEFAULT '',
    text         TEXT NOT NULL DEFAULT '',
    expression   INTEGER NOT NULL DEFAULT 0,
    audio_path   TEXT NOT NULL DEFAULT '',
    frames_dir   TEXT NOT NULL DEFAULT '',
    frame_count  INTEGER NOT NULL DEFAULT 0,
    duration_ms  BIGINT NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_speech_cache_entries_character ON speech_cache_entries(character_id);
`

// DB is the database interface used by [Index]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Index is a [speechcache.Index] backed by PostgreSQL.
type Index struct {
	db    DB
	close func()
}

var _ speechcache.Index = (*Index)(nil)

// New returns an Index using db. closeFn, if non-nil, is called by
// [Index.Close]; pass the pool's Close method when the index owns the pool.
func New(db DB, closeFn func()) *Index {
	return &Index{db: db, close: closeFn}
}

// Migrate executes [Schema].
func (x *Index) Migrate(ctx context.Context) error {
	if _, err := x.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgindex: migrate: %w", err)
	}
	return nil
}

// Put inserts or replaces the entry for e.Key. Frames committed after the
// audio update the existing row.
func (x *Index) Put(ctx context.Context, e speechcache.Entry) error {
	const query = `
		INSERT INTO speech_cache_entries (
			key, character_id, text, expression,
			audio_path, frames_dir, frame_count, duration_ms, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (key) DO UPDATE SET
			audio_path  = CASE WHEN EXCLUDED.audio_path <> '' THEN EXCLUDED.audio_path ELSE speech_cache_entries.audio_path END,
			frames_dir  = CASE WHEN EXCLUDED.frames_dir <> '' THEN EXCLUDED.frames_dir ELSE speech_cache_entries.frames_dir END,
			frame_count = GREATEST(EXCLUDED.frame_count, speech_cache_entries.frame_count),
			duration_ms = GREATEST(EXCLUDED.duration_ms, speech_cache_entries.duration_ms)`

	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := x.db.Exec(ctx, query,
		string(e.Key), e.CharacterID, e.Text, int(e.Expression),
		e.AudioPath, e.FramesDir, e.FrameCount, e.Duration.Milliseconds(), created,
	)
	if err != nil {
		return fmt.Errorf("pgindex: put %s: %w", e.Key, err)
	}
	return nil
}

// Get returns the entry for key. ok is false when no row exists.
func (x *Index) Get(ctx context.Context, key speechcache.Key) (speechcache.Entry, bool, error) {
	const query = `
		SELECT key, character_id, text, expression,
		       audio_path, frames_dir, frame_count, duration_ms, created_at
		FROM speech_cache_entries
		WHERE key = $1`

	var (
		e          speechcache.Entry
		k          string
		expr       int
		durationMs int64
	)
	err := x.db.QueryRow(ctx, query, string(key)).Scan(
		&k, &e.CharacterID, &e.Text, &expr,
		&e.AudioPath, &e.FramesDir, &e.FrameCount, &durationMs, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return speechcache.Entry{}, false, nil
	}
	if err != nil {
		return speechcache.Entry{}, false, fmt.Errorf("pgindex: get %s: %w", key, err)
	}
	e.Key = speechcache.Key(k)
	e.Expression = types.Expression(expr)
	e.Duration = time.Duration(durationMs) * time.Millisecond
	return e, true, nil
}

// Count returns the number of indexed entries.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRow(ctx, `SELECT count(*) FROM speech_cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgindex: count: %w", err)
	}
	return n, nil
}

// ByCharacter lists the keys cached for characterID, newest first.
func (x *Index) ByCharacter(ctx context.Context, characterID string) ([]speechcache.Key, error) {
	rows, err := x.db.Query(ctx,
		`SELECT key FROM speech_cache_entries WHERE character_id = $1 ORDER BY created_at DESC`,
		characterID)
	if err != nil {
		return nil, fmt.Errorf("pgindex: list %s: %w", characterID, err)
	}
	defer rows.Close()

	var keys []speechcache.Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("pgindex: scan key: %w", err)
		}
		keys = append(keys, speechcache.Key(k))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgindex: list %s: %w", characterID, err)
	}
	return keys, nil
}

// Close releases the underlying pool if the index owns it.
func (x *Index) Close() error {
	if x.close != nil {
		x.close()
	}
	return nil
}

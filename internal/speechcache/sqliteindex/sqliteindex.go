// Package sqliteindex records speech cache entries in a local SQLite file,
// the single-host counterpart of pgindex.
package sqliteindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/talkinghead/internal/speechcache"
	"github.com/MrWong99/talkinghead/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS speech_cache_entries (
    key          TEXT PRIMARY KEY,
    character_id TEXT NOT NULL DEFAULT '',
    text         TEXT NOT NULL DEFAULT '',
    expression   INTEGER NOT NULL DEFAULT 0,
    audio_path   TEXT NOT NULL DEFAULT '',
    frames_dir   TEXT NOT NULL DEFAULT '',
    frame_count  INTEGER NOT NULL DEFAULT 0,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_speech_cache_entries_character ON speech_cache_entries(character_id, created_at);
`

// Index is a [speechcache.Index] stored in SQLite.
type Index struct {
	db *sql.DB
}

var _ speechcache.Index = (*Index)(nil)

// Open opens (creating if needed) the index database at path.
func Open(ctx context.Context, path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqliteindex: create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqliteindex: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqliteindex: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqliteindex: init schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Put inserts or updates the entry for e.Key.
func (x *Index) Put(ctx context.Context, e speechcache.Entry) error {
	const query = `
INSERT INTO speech_cache_entries (
    key, character_id, text, expression,
    audio_path, frames_dir, frame_count, duration_ms, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    audio_path  = CASE WHEN excluded.audio_path <> '' THEN excluded.audio_path ELSE audio_path END,
    frames_dir  = CASE WHEN excluded.frames_dir <> '' THEN excluded.frames_dir ELSE frames_dir END,
    frame_count = max(excluded.frame_count, frame_count),
    duration_ms = max(excluded.duration_ms, duration_ms)`

	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := x.db.ExecContext(ctx, query,
		string(e.Key), e.CharacterID, e.Text, int(e.Expression),
		e.AudioPath, e.FramesDir, e.FrameCount, e.Duration.Milliseconds(), created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqliteindex: put %s: %w", e.Key, err)
	}
	return nil
}

// Get returns the entry recorded for key.
func (x *Index) Get(ctx context.Context, key speechcache.Key) (speechcache.Entry, bool, error) {
	const query = `
SELECT character_id, text, expression, audio_path, frames_dir, frame_count, duration_ms, created_at
FROM speech_cache_entries WHERE key = ?`

	var (
		e          = speechcache.Entry{Key: key}
		expr       int
		durationMs int64
		created    int64
	)
	err := x.db.QueryRowContext(ctx, query, string(key)).Scan(
		&e.CharacterID, &e.Text, &expr, &e.AudioPath, &e.FramesDir, &e.FrameCount, &durationMs, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return speechcache.Entry{}, false, nil
	}
	if err != nil {
		return speechcache.Entry{}, false, fmt.Errorf("sqliteindex: get %s: %w", key, err)
	}
	e.Expression = types.Expression(expr)
	e.Duration = time.Duration(durationMs) * time.Millisecond
	e.CreatedAt = time.Unix(0, created)
	return e, true, nil
}

// Count returns the number of recorded entries.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT count(*) FROM speech_cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqliteindex: count: %w", err)
	}
	return n, nil
}

// ByCharacter lists the keys recorded for characterID, newest first.
func (x *Index) ByCharacter(ctx context.Context, characterID string) ([]speechcache.Key, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT key FROM speech_cache_entries WHERE character_id = ? ORDER BY created_at DESC, key`,
		characterID)
	if err != nil {
		return nil, fmt.Errorf("sqliteindex: list %s: %w", characterID, err)
	}
	defer rows.Close()

	var keys []speechcache.Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqliteindex: scan key: %w", err)
		}
		keys = append(keys, speechcache.Key(k))
	}
	return keys, rows.Err()
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

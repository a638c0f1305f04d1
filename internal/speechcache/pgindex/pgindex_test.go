package pgindex

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/talkinghead/internal/speechcache"
	"github.com/MrWong99/talkinghead/pkg/types"
)

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	keys   []string
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.keys) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	*dest[0].(*string) = r.keys[r.idx-1]
	return nil
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func TestMigrate(t *testing.T) {
	t.Parallel()
	var got string
	x := New(&mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		got = sql
		return pgconn.CommandTag{}, nil
	}}, nil)
	if err := x.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(got, "CREATE TABLE IF NOT EXISTS speech_cache_entries") {
		t.Fatalf("unexpected DDL: %s", got)
	}
}

func TestPut(t *testing.T) {
	t.Parallel()
	var args []any
	x := New(&mockDB{execFunc: func(_ context.Context, sql string, a ...any) (pgconn.CommandTag, error) {
		if !strings.Contains(sql, "ON CONFLICT (key)") {
			t.Errorf("Put must upsert, got: %s", sql)
		}
		args = a
		return pgconn.CommandTag{}, nil
	}}, nil)

	err := x.Put(context.Background(), speechcache.Entry{
		Key:         "abc",
		CharacterID: "ada",
		Text:        "hello",
		Expression:  types.VoiceOnly,
		AudioPath:   "/c/audio/ab/abc.pcm.zst",
		Duration:    1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(args) != 9 {
		t.Fatalf("got %d args, want 9", len(args))
	}
	if args[0] != "abc" || args[3] != -1 || args[7] != int64(1500) {
		t.Fatalf("args = %v", args)
	}
	if ts, ok := args[8].(time.Time); !ok || ts.IsZero() {
		t.Fatalf("created_at = %v, want non-zero time", args[8])
	}
}

func TestPut_Error(t *testing.T) {
	t.Parallel()
	x := New(&mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}}, nil)
	err := x.Put(context.Background(), speechcache.Entry{Key: "abc"})
	if err == nil || !strings.Contains(err.Error(), "pgindex: put abc") {
		t.Fatalf("err = %v", err)
	}
}

func TestGet(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	x := New(&mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != "abc" {
			t.Errorf("key arg = %v", args[0])
		}
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*string) = "abc"
			*dest[1].(*string) = "ada"
			*dest[2].(*string) = "hello"
			*dest[3].(*int) = 2
			*dest[4].(*string) = "/a"
			*dest[5].(*string) = "/f"
			*dest[6].(*int) = 40
			*dest[7].(*int64) = 1600
			*dest[8].(*time.Time) = created
			return nil
		}}
	}}, nil)

	e, ok, err := x.Get(context.Background(), "abc")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if e.Key != "abc" || e.Expression != 2 || e.FrameCount != 40 || e.Duration != 1600*time.Millisecond || !e.CreatedAt.Equal(created) {
		t.Fatalf("entry = %+v", e)
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	x := New(&mockDB{}, nil)
	_, ok, err := x.Get(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("Get = %v, %v; want not found without error", ok, err)
	}
}

func TestCountAndByCharacter(t *testing.T) {
	t.Parallel()
	rows := &mockRows{keys: []string{"k2", "k1"}}
	x := New(&mockDB{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*int) = 7
				return nil
			}}
		},
		queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
			if args[0] != "ada" {
				t.Errorf("character arg = %v", args[0])
			}
			return rows, nil
		},
	}, nil)

	n, err := x.Count(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	keys, err := x.ByCharacter(context.Background(), "ada")
	if err != nil {
		t.Fatalf("ByCharacter: %v", err)
	}
	if len(keys) != 2 || keys[0] != "k2" || keys[1] != "k1" {
		t.Fatalf("keys = %v", keys)
	}
	if !rows.closed {
		t.Fatal("rows not closed")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	closed := false
	x := New(&mockDB{}, func() { closed = true })
	if err := x.Close(); err != nil || !closed {
		t.Fatalf("Close = %v, closed = %v", err, closed)
	}
	if err := New(&mockDB{}, nil).Close(); err != nil {
		t.Fatalf("Close without owner: %v", err)
	}
}

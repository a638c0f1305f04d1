// Package speechcache persists generated speech so repeated lines skip the
// engines entirely.
//
// Each line is stored under a [Key] derived from its text, character and
// expression. Audio and frames live in separate sub-stores because a line can
// be cached as audio only (voice-only requests) and gain frames later:
//
//	<dir>/audio/<k[:2]>/<k>.pcm.zst         header + (zstd-compressed) PCM
//	<dir>/frames/<k[:2]>/<k>/000000.png ... frames, one PNG per frame
//	<dir>/frames/<k[:2]>/<k>/frames.json    manifest carrying the frame count
//	<dir>/tmp/                               in-progress writes
//
// Writes go to a temporary location and become visible through a single
// rename, so a reader never observes a partially written entry. Entries are
// never evicted automatically.
package speechcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/talkinghead/internal/observe"
	"github.com/MrWong99/talkinghead/pkg/framestream"
	"github.com/MrWong99/talkinghead/pkg/types"
)

const (
	audioDir     = "audio"
	framesDir    = "frames"
	tmpDir       = "tmp"
	audioExt     = ".pcm.zst"
	manifestName = "frames.json"

	// DefaultCompressionLevel is the zstd level used when none is configured.
	DefaultCompressionLevel = 3
)

var (
	// ErrNotCached is returned by loads for keys that have no entry.
	ErrNotCached = errors.New("speechcache: not cached")

	// ErrClosed is returned after [Cache.Close].
	ErrClosed = errors.New("speechcache: closed")

	// ErrExists is returned by [Cache.Copy] when the destination already exists.
	ErrExists = errors.New("speechcache: destination exists")

	// ErrNoIndex is returned by queries that need an [Index] when none is configured.
	ErrNoIndex = errors.New("speechcache: no index configured")
)

// Location describes where a cached line lives on disk.
type Location struct {
	AudioPath  string
	FramesDir  string // empty when no frames are cached
	FrameCount int
}

// HasFrames reports whether frames are cached for the line.
func (l Location) HasFrames() bool { return l.FramesDir != "" }

// Entry describes one cached line. It is what an [Index] records.
type Entry struct {
	Key         Key
	CharacterID string
	Text        string
	Expression  types.Expression
	AudioPath   string
	FramesDir   string
	FrameCount  int
	Duration    time.Duration
	CreatedAt   time.Time
}

// framesManifest is the JSON document committed alongside frames.
type framesManifest struct {
	Count     int       `json:"count"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	CreatedAt time.Time `json:"created_at"`
}

// Option is a functional option for [Open].
type Option func(*Cache)

// WithCompressionLevel sets the zstd level for audio files. 0 stores PCM uncompressed.
func WithCompressionLevel(level int) Option {
	return func(c *Cache) {
		c.level = level
	}
}

// WithIndex records committed entries in idx.
func WithIndex(idx Index) Option {
	return func(c *Cache) {
		c.index = idx
	}
}

// WithLogger sets the logger used for swallowed errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.log = l
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache is a content-addressed, filesystem-backed speech cache. It is safe for
// concurrent use.
type Cache struct {
	dir     string
	level   int
	index   Index
	log     *slog.Logger
	metrics *observe.Metrics

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	loads   singleflight.Group
	pending sync.WaitGroup
	closed  atomic.Bool
	seq     atomic.Uint64
}

// Open prepares dir for use as a cache, creating it if needed. Leftovers of
// interrupted writes are removed.
func Open(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		dir:   dir,
		level: DefaultCompressionLevel,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	if err := os.RemoveAll(filepath.Join(dir, tmpDir)); err != nil {
		return nil, fmt.Errorf("speechcache: clean tmp: %w", err)
	}
	for _, sub := range []string{audioDir, framesDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("speechcache: create %s: %w", sub, err)
		}
	}

	var err error
	if c.level > 0 {
		c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
		if err != nil {
			return nil, fmt.Errorf("speechcache: create zstd encoder: %w", err)
		}
	}
	c.decoder, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("speechcache: create zstd decoder: %w", err)
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) audioPath(key Key) string {
	return filepath.Join(c.dir, audioDir, shard(key), string(key)+audioExt)
}

func (c *Cache) framesPath(key Key) string {
	return filepath.Join(c.dir, framesDir, shard(key), string(key))
}

func shard(key Key) string {
	if len(key) < 2 {
		return "00"
	}
	return string(key[:2])
}

// Exists reports whether audio is cached for key and where the entry lives.
// Frames may be cached independently; check [Location.HasFrames].
func (c *Cache) Exists(key Key) (bool, Location) {
	loc := Location{}
	audio := false
	if p := c.audioPath(key); fileExists(p) {
		audio = true
		loc.AudioPath = p
	}
	if m, err := readManifest(c.framesPath(key)); err == nil {
		loc.FramesDir = c.framesPath(key)
		loc.FrameCount = m.Count
	}
	return audio, loc
}

// LoadAudio reads the cached audio for key. Concurrent loads of the same key
// share a single read.
func (c *Cache) LoadAudio(ctx context.Context, key Key) (*types.AudioSegment, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	ch := c.loads.DoChan(string(key), func() (any, error) {
		data, err := os.ReadFile(c.audioPath(key))
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: audio %s", ErrNotCached, key)
		}
		if err != nil {
			return nil, fmt.Errorf("speechcache: read audio %s: %w", key, err)
		}
		seg, err := decodeAudio(c.decoder, data)
		if err != nil {
			return nil, fmt.Errorf("speechcache: decode audio %s: %w", key, err)
		}
		return seg, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			c.recordLookup(ctx, "audio", res.Err)
			return nil, res.Err
		}
		c.metrics.RecordCacheLookup(ctx, "audio", "hit")
		return res.Val.(*types.AudioSegment), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LoadFrames returns a stream fed by a loader goroutine that decodes the
// cached frames for key in order. The stream finishes with an error if a frame
// cannot be read.
func (c *Cache) LoadFrames(ctx context.Context, key Key) (*framestream.Stream, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	dir := c.framesPath(key)
	m, err := readManifest(dir)
	if err != nil {
		c.recordLookup(ctx, "frames", err)
		return nil, err
	}
	c.metrics.RecordCacheLookup(ctx, "frames", "hit")

	s := framestream.New(m.Count)
	go func() {
		defer s.Finish()
		for i := range m.Count {
			if ctx.Err() != nil {
				s.FinishWithError(ctx.Err())
				return
			}
			f, err := readFrame(filepath.Join(dir, frameName(i)), i)
			if err != nil {
				s.FinishWithError(fmt.Errorf("speechcache: frame %d of %s: %w", i, key, err))
				return
			}
			if s.Enqueue(f) != nil {
				return
			}
		}
	}()
	return s, nil
}

func (c *Cache) recordLookup(ctx context.Context, kind string, err error) {
	if errors.Is(err, ErrNotCached) {
		c.metrics.RecordCacheLookup(ctx, kind, "miss")
		return
	}
	c.metrics.RecordCacheLookup(ctx, kind, "error")
}

// Lookup returns the recorded entry for key. It consults the index when one is
// configured and falls back to the filesystem otherwise.
func (c *Cache) Lookup(ctx context.Context, key Key) (Entry, bool, error) {
	if c.index != nil {
		e, ok, err := c.index.Get(ctx, key)
		if err != nil || ok {
			return e, ok, err
		}
	}
	audio, loc := c.Exists(key)
	if !audio && !loc.HasFrames() {
		return Entry{}, false, nil
	}
	e := Entry{Key: key, FramesDir: loc.FramesDir, FrameCount: loc.FrameCount}
	if audio {
		e.AudioPath = loc.AudioPath
		if st, err := os.Stat(loc.AudioPath); err == nil {
			e.CreatedAt = st.ModTime()
		}
	}
	return e, true, nil
}

// CharacterKeys lists the indexed keys of characterID, newest first.
func (c *Cache) CharacterKeys(ctx context.Context, characterID string) ([]Key, error) {
	if c.index == nil {
		return nil, ErrNoIndex
	}
	return c.index.ByCharacter(ctx, characterID)
}

// Count returns the number of indexed entries.
func (c *Cache) Count(ctx context.Context) (int, error) {
	if c.index == nil {
		return 0, ErrNoIndex
	}
	return c.index.Count(ctx)
}

// Wait blocks until all asynchronous stores have completed.
func (c *Cache) Wait() {
	c.pending.Wait()
}

// Close waits for pending stores and releases the cache's resources.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pending.Wait()
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
	if c.index != nil {
		return c.index.Close()
	}
	return nil
}

func readManifest(dir string) (framesManifest, error) {
	var m framesManifest
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return m, fmt.Errorf("%w: frames %s", ErrNotCached, filepath.Base(dir))
	}
	if err != nil {
		return m, fmt.Errorf("speechcache: read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("speechcache: decode manifest: %w", err)
	}
	return m, nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func frameName(i int) string {
	return fmt.Sprintf("%06d.png", i)
}

package speechcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// Writer stages one entry in a temporary directory. Nothing becomes visible to
// readers until [Writer.Commit].
type Writer struct {
	c   *Cache
	key Key
	tmp string

	audio  *types.AudioSegment
	frames int
	width  int
	height int
	done   bool
}

// Create starts a new entry for key.
func (c *Cache) Create(key Key) (*Writer, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	tmp := filepath.Join(c.dir, tmpDir, string(key)+"-"+strconv.FormatUint(c.seq.Add(1), 10))
	if err := os.MkdirAll(filepath.Join(tmp, framesDir), 0o755); err != nil {
		return nil, fmt.Errorf("speechcache: create staging dir: %w", err)
	}
	return &Writer{c: c, key: key, tmp: tmp}, nil
}

// WriteAudio stages the audio of the entry.
func (w *Writer) WriteAudio(seg *types.AudioSegment) error {
	if seg == nil {
		return errors.New("speechcache: nil audio")
	}
	data := encodeAudio(w.c.encoder, seg)
	if err := os.WriteFile(filepath.Join(w.tmp, "audio"+audioExt), data, 0o644); err != nil {
		return fmt.Errorf("speechcache: stage audio: %w", err)
	}
	w.audio = seg
	return nil
}

// WriteFrame stages the next frame. Frames must be written in order.
func (w *Writer) WriteFrame(f types.Frame) error {
	if err := writeFrame(filepath.Join(w.tmp, framesDir, frameName(w.frames)), f); err != nil {
		return fmt.Errorf("speechcache: stage frame %d: %w", w.frames, err)
	}
	if w.frames == 0 {
		w.width, w.height = f.Width, f.Height
	}
	w.frames++
	return nil
}

// Commit publishes the staged audio and frames. Each part becomes visible
// through a single rename. If another writer already published readable frames
// for the same key, the existing frames are kept; damaged ones are replaced.
//
// meta supplies the descriptive fields recorded in the index; the returned
// entry reflects what is on disk after the commit.
func (w *Writer) Commit(ctx context.Context, meta Entry) (Entry, error) {
	if w.done {
		return Entry{}, errors.New("speechcache: writer already finished")
	}
	w.done = true
	defer os.RemoveAll(w.tmp)

	c := w.c
	if w.audio != nil {
		dst := c.audioPath(w.key)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return Entry{}, fmt.Errorf("speechcache: create audio shard: %w", err)
		}
		if err := os.Rename(filepath.Join(w.tmp, "audio"+audioExt), dst); err != nil {
			return Entry{}, fmt.Errorf("speechcache: publish audio: %w", err)
		}
	}

	if w.frames > 0 {
		m := framesManifest{Count: w.frames, Width: w.width, Height: w.height, CreatedAt: time.Now().UTC()}
		data, err := json.Marshal(m)
		if err != nil {
			return Entry{}, fmt.Errorf("speechcache: encode manifest: %w", err)
		}
		staged := filepath.Join(w.tmp, framesDir)
		if err := os.WriteFile(filepath.Join(staged, manifestName), data, 0o644); err != nil {
			return Entry{}, fmt.Errorf("speechcache: stage manifest: %w", err)
		}
		dst := c.framesPath(w.key)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return Entry{}, fmt.Errorf("speechcache: create frames shard: %w", err)
		}
		if err := os.Rename(staged, dst); err != nil {
			if err := c.replaceFrames(staged, dst); err != nil {
				return Entry{}, fmt.Errorf("speechcache: publish frames: %w", err)
			}
		}
	}

	audio, loc := c.Exists(w.key)
	e := meta
	e.Key = w.key
	e.FramesDir = loc.FramesDir
	e.FrameCount = loc.FrameCount
	if audio {
		e.AudioPath = loc.AudioPath
	}
	if w.audio != nil {
		e.Duration = w.audio.Duration()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if c.index != nil {
		if err := c.index.Put(ctx, e); err != nil {
			return e, fmt.Errorf("speechcache: index put: %w", err)
		}
	}
	return e, nil
}

// replaceFrames publishes staged over an existing frames directory. An intact
// directory is kept. A damaged one is moved aside into the staging area and
// swapped for staged.
func (c *Cache) replaceFrames(staged, dst string) error {
	if framesIntact(dst) {
		return nil
	}
	aside := filepath.Join(c.dir, tmpDir, "stale-"+strconv.FormatUint(c.seq.Add(1), 10))
	if err := os.Rename(dst, aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("move damaged frames aside: %w", err)
	}
	defer os.RemoveAll(aside)
	if err := os.Rename(staged, dst); err != nil {
		// A concurrent writer may have won the swap.
		if framesIntact(dst) {
			return nil
		}
		return err
	}
	c.log.Info("speech cache frames replaced", "dir", dst)
	return nil
}

// framesIntact reports whether dir holds a manifest and every frame it lists.
func framesIntact(dir string) bool {
	m, err := readManifest(dir)
	if err != nil {
		return false
	}
	for i := range m.Count {
		if _, err := readFrame(filepath.Join(dir, frameName(i)), i); err != nil {
			return false
		}
	}
	return true
}

// Abort discards everything staged so far.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return os.RemoveAll(w.tmp)
}

// StoreAsync persists audio and frames for meta.Key in the background. Either
// part may be nil/empty, e.g. audio-only for voice-only lines or frames-only
// when the audio was already cached. Failures are logged and counted, never
// returned.
func (c *Cache) StoreAsync(meta Entry, audio *types.AudioSegment, frames []types.Frame) {
	if c.closed.Load() || (audio == nil && len(frames) == 0) {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx := context.Background()
		if err := c.store(ctx, meta, audio, frames); err != nil {
			c.metrics.CacheWriteErrors.Add(ctx, 1)
			c.log.Warn("speech cache write failed",
				"key", meta.Key.String(),
				"character", meta.CharacterID,
				"err", err,
			)
		}
	}()
}

func (c *Cache) store(ctx context.Context, meta Entry, audio *types.AudioSegment, frames []types.Frame) error {
	w, err := c.Create(meta.Key)
	if err != nil {
		return err
	}
	if audio != nil {
		if err := w.WriteAudio(audio); err != nil {
			_ = w.Abort()
			return err
		}
	}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			_ = w.Abort()
			return err
		}
	}
	_, err = w.Commit(ctx, meta)
	return err
}

// Copy copies the directory tree at src to dst. The copy is staged in the
// cache's tmp directory and published with one rename, so dst appears
// complete or not at all. dst must not exist yet.
func (c *Cache) Copy(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, dst)
	}
	tmp := filepath.Join(c.dir, tmpDir, "copy-"+strconv.FormatUint(c.seq.Add(1), 10))
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(tmp, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(dst), 0o755); err == nil {
			err = os.Rename(tmp, dst)
		}
	}
	if err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("speechcache: copy %s: %w", src, err)
	}
	return nil
}

// Import copies every entry of the cache rooted at srcDir that is missing
// here, and returns how many audio and frame entries were added.
func (c *Cache) Import(ctx context.Context, srcDir string) (int, error) {
	added := 0

	audioFiles, err := filepath.Glob(filepath.Join(srcDir, audioDir, "*", "*"+audioExt))
	if err != nil {
		return 0, err
	}
	for _, p := range audioFiles {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		key := Key(filepath.Base(p)[:len(filepath.Base(p))-len(audioExt)])
		dst := c.audioPath(key)
		if fileExists(dst) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return added, err
		}
		tmp := filepath.Join(c.dir, tmpDir, "import-"+strconv.FormatUint(c.seq.Add(1), 10))
		if err := copyFile(p, tmp); err != nil {
			return added, fmt.Errorf("speechcache: import %s: %w", key, err)
		}
		if err := os.Rename(tmp, dst); err != nil {
			return added, fmt.Errorf("speechcache: import %s: %w", key, err)
		}
		added++
	}

	frameDirs, err := filepath.Glob(filepath.Join(srcDir, framesDir, "*", "*"))
	if err != nil {
		return added, err
	}
	for _, d := range frameDirs {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		if _, err := readManifest(d); err != nil {
			continue
		}
		key := Key(filepath.Base(d))
		if err := c.Copy(d, c.framesPath(key)); err != nil {
			if errors.Is(err, ErrExists) {
				continue
			}
			return added, err
		}
		added++
	}
	return added, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

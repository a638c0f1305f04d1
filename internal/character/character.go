// Package character loads character bundles: the portrait, idle animation,
// voice settings and per-expression motion data the pipeline needs to speak
// as a character.
//
// A bundle is a directory:
//
//	<bundle>/character.yaml          manifest (see [Manifest])
//	<bundle>/image.png               base portrait
//	<bundle>/idle/000.png ...        idle animation frames, played in name order
//	<bundle>/expressions/<name>/...  motion data and optional textures
package character

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // portraits may be JPEG
	"image/png"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// ManifestFile is the name of the manifest inside a bundle.
const ManifestFile = "character.yaml"

var (
	// ErrNotFound is returned by a [Store] when no character has the given ID.
	ErrNotFound = errors.New("character: not found")

	// ErrUnknownExpression is returned when an expression index is out of range.
	ErrUnknownExpression = errors.New("character: unknown expression")
)

// Store resolves character IDs to loaded characters.
type Store interface {
	Load(ctx context.Context, id string) (*Character, error)
}

// Manifest is the YAML document at the root of a bundle.
type Manifest struct {
	Name        string               `yaml:"name"`
	Image       string               `yaml:"image"`
	Idle        IdleManifest         `yaml:"idle"`
	Voice       VoiceManifest        `yaml:"voice"`
	Expressions []ExpressionManifest `yaml:"expressions"`
}

// IdleManifest locates the idle animation.
type IdleManifest struct {
	Dir string `yaml:"dir"`
	FPS int    `yaml:"fps"`
}

// VoiceManifest holds the default voice settings of a character.
type VoiceManifest struct {
	ID       string  `yaml:"id"`
	Provider string  `yaml:"provider"`
	Style    string  `yaml:"style"`
	Speed    float64 `yaml:"speed"`
}

// ExpressionManifest describes one selectable expression.
type ExpressionManifest struct {
	Name     string `yaml:"name"`
	Motion   string `yaml:"motion"`
	Textures string `yaml:"textures"`
}

// Expression is a loaded expression.
type Expression struct {
	Name     string
	Motion   []byte
	Textures []types.Frame
}

// Character is a fully loaded bundle.
type Character struct {
	ID          string
	Name        string
	Voice       types.VoiceProfile
	Image       types.Frame
	IdleFrames  []types.Frame
	IdleFPS     int
	Expressions []Expression
}

// Avatar returns the animation input for expression e. Voice-only requests
// have no avatar and yield an error.
func (c *Character) Avatar(e types.Expression) (*types.AvatarData, error) {
	if !c.HasExpression(e) || e.IsVoiceOnly() {
		return nil, fmt.Errorf("%w: %s has no %s", ErrUnknownExpression, c.ID, e)
	}
	x := c.Expressions[e]
	return &types.AvatarData{
		CharacterID:    c.ID,
		Expression:     e,
		ExpressionName: x.Name,
		Image:          c.Image,
		Motion:         x.Motion,
		Textures:       x.Textures,
	}, nil
}

// HasExpression reports whether e is valid for the character. [types.VoiceOnly]
// is always valid.
func (c *Character) HasExpression(e types.Expression) bool {
	return e.IsVoiceOnly() || (e >= 0 && int(e) < len(c.Expressions))
}

// ExpressionByName resolves an expression name. The empty name selects the
// first expression and "voice-only" selects [types.VoiceOnly].
func (c *Character) ExpressionByName(name string) (types.Expression, error) {
	switch name {
	case "":
		return 0, nil
	case types.VoiceOnly.String():
		return types.VoiceOnly, nil
	}
	for i, x := range c.Expressions {
		if x.Name == name {
			return types.Expression(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s has no expression %q", ErrUnknownExpression, c.ID, name)
}

// LoadBundle reads the bundle in dir and assigns it id.
func LoadBundle(id, dir string) (*Character, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("character %s: open manifest: %w", id, err)
	}
	defer f.Close()

	var m Manifest
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("character %s: decode manifest: %w", id, err)
	}

	c := &Character{
		ID:      id,
		Name:    m.Name,
		IdleFPS: m.Idle.FPS,
		Voice: types.VoiceProfile{
			ID:          m.Voice.ID,
			Provider:    m.Voice.Provider,
			Style:       m.Voice.Style,
			SpeedFactor: m.Voice.Speed,
		},
	}
	if c.Name == "" {
		c.Name = id
	}

	imagePath := m.Image
	if imagePath == "" {
		imagePath = "image.png"
	}
	if c.Image, err = LoadImage(filepath.Join(dir, imagePath), 0); err != nil {
		return nil, fmt.Errorf("character %s: %w", id, err)
	}

	idleDir := m.Idle.Dir
	if idleDir == "" {
		idleDir = "idle"
	}
	if c.IdleFrames, err = LoadFrameDir(filepath.Join(dir, idleDir)); err != nil {
		return nil, fmt.Errorf("character %s: idle frames: %w", id, err)
	}
	if len(c.IdleFrames) == 0 {
		// A still portrait is a valid one-frame idle animation.
		c.IdleFrames = []types.Frame{c.Image}
	}

	for _, xm := range m.Expressions {
		x := Expression{Name: xm.Name}
		if xm.Motion != "" {
			if x.Motion, err = os.ReadFile(filepath.Join(dir, xm.Motion)); err != nil {
				return nil, fmt.Errorf("character %s: expression %q motion: %w", id, xm.Name, err)
			}
		}
		if xm.Textures != "" {
			if x.Textures, err = LoadFrameDir(filepath.Join(dir, xm.Textures)); err != nil {
				return nil, fmt.Errorf("character %s: expression %q textures: %w", id, xm.Name, err)
			}
		}
		c.Expressions = append(c.Expressions, x)
	}
	return c, nil
}

// LoadImage decodes the image file at path into a frame with the given index.
func LoadImage(path string, index int) (types.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Frame{}, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return types.Frame{}, fmt.Errorf("decode image %s: %w", filepath.Base(path), err)
	}
	return types.FrameFromImage(index, img), nil
}

// LoadFrameDir decodes every PNG in dir in lexical name order. A missing
// directory yields no frames and no error.
func LoadFrameDir(dir string) ([]types.Frame, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	frames := make([]types.Frame, 0, len(names))
	for i, name := range names {
		f, err := LoadImage(filepath.Join(dir, name), i)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// SavePNG encodes f as a PNG file at path.
func SavePNG(path string, f types.Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(out, f.Image()); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// DirStore loads characters from bundle directories on disk and memoises them.
type DirStore struct {
	mu      sync.Mutex
	bundles map[string]string
	loaded  map[string]*Character
}

// NewDirStore returns a store for the given id → bundle directory mapping.
func NewDirStore(bundles map[string]string) *DirStore {
	b := make(map[string]string, len(bundles))
	maps.Copy(b, bundles)
	return &DirStore{bundles: b, loaded: make(map[string]*Character)}
}

// Load implements Store.
func (s *DirStore) Load(ctx context.Context, id string) (*Character, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.loaded[id]; ok {
		return c, nil
	}
	dir, ok := s.bundles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	c, err := LoadBundle(id, dir)
	if err != nil {
		return nil, err
	}
	s.loaded[id] = c
	return c, nil
}

// Set points id at dir. A previously loaded copy is forgotten so the next
// Load reads the bundle again.
func (s *DirStore) Set(id, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[id] = dir
	delete(s.loaded, id)
}

// Remove forgets id.
func (s *DirStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bundles, id)
	delete(s.loaded, id)
}

// IDs returns the known character IDs in sorted order.
func (s *DirStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.bundles))
	for id := range s.bundles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// MemStore is an in-memory Store, mainly for tests and embedded use.
type MemStore struct {
	mu    sync.RWMutex
	chars map[string]*Character
}

// NewMemStore returns a store holding chars.
func NewMemStore(chars ...*Character) *MemStore {
	s := &MemStore{chars: make(map[string]*Character, len(chars))}
	for _, c := range chars {
		s.chars[c.ID] = c
	}
	return s
}

// Put adds or replaces a character.
func (s *MemStore) Put(c *Character) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chars[c.ID] = c
}

// Load implements Store.
func (s *MemStore) Load(_ context.Context, id string) (*Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chars[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return c, nil
}

var (
	_ Store = (*DirStore)(nil)
	_ Store = (*MemStore)(nil)
)

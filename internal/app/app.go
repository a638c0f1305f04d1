// Package app wires the talkinghead components into a running server.
//
// [New] connects the shared engines to one playback controller per
// configured character, opens the speech cache and loads every character.
// [App.Run] serves the HTTP API and plays the dialogue queue until its context
// ends. [App.Shutdown] releases everything.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/talkinghead/internal/audioout"
	"github.com/MrWong99/talkinghead/internal/audioout/oto"
	"github.com/MrWong99/talkinghead/internal/character"
	"github.com/MrWong99/talkinghead/internal/config"
	"github.com/MrWong99/talkinghead/internal/dialogue"
	"github.com/MrWong99/talkinghead/internal/health"
	"github.com/MrWong99/talkinghead/internal/observe"
	"github.com/MrWong99/talkinghead/internal/pipeline"
	"github.com/MrWong99/talkinghead/internal/playback"
	"github.com/MrWong99/talkinghead/internal/present"
	"github.com/MrWong99/talkinghead/internal/present/wshub"
	"github.com/MrWong99/talkinghead/internal/speechcache"
	"github.com/MrWong99/talkinghead/internal/speechcache/pgindex"
	"github.com/MrWong99/talkinghead/internal/speechcache/sqliteindex"
	"github.com/MrWong99/talkinghead/pkg/resqueue"
)

// DefaultWatchInterval is how often the config file is polled when
// [WithConfigPath] is set.
const DefaultWatchInterval = 5 * time.Second

// App owns all component lifetimes.
type App struct {
	cfg     *config.Config
	engines *Engines
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	voiceQ *resqueue.Queue
	animQ  *resqueue.Queue
	cache  *speechcache.Cache
	output audioout.Output
	store  *characterStore
	hub    *wshub.Hub
	sinks  []present.Sink
	sink   present.Sink
	orch   *dialogue.Orchestrator
	health *health.Handler

	configPath    string
	watchInterval time.Duration

	mu          sync.Mutex
	controllers map[string]*playback.Controller

	// closers run in order during Shutdown, after the controllers are closed.
	closers  []func() error
	stopOnce sync.Once
}

// Option configures [New]. Use these to inject test doubles.
type Option func(*App)

// WithOutput replaces the audio output selected by playback.output.
func WithOutput(o audioout.Output) Option {
	return func(a *App) { a.output = o }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel hands the app the level variable of its log handler so that
// server.log_level changes take effect without a restart.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics instance. The default is observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSink adds a presentation sink next to the log and WebSocket sinks.
func WithSink(s present.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// WithConfigPath makes Run watch path and apply character and log level
// changes while running.
func WithConfigPath(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		if interval > 0 {
			a.watchInterval = interval
		}
	}
}

// New creates an App from cfg and loads every configured character. Characters
// are loaded in parallel; the first failure aborts New.
func New(ctx context.Context, cfg *config.Config, engines *Engines, opts ...Option) (*App, error) {
	if engines == nil || engines.Voice == nil || engines.Animation == nil {
		return nil, errNoEngines
	}
	a := &App{
		cfg:           cfg,
		engines:       engines,
		log:           slog.Default(),
		watchInterval: DefaultWatchInterval,
		controllers:   make(map[string]*playback.Controller),
	}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(ParseLevel(cfg.Server.LogLevel))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.voiceQ = resqueue.New("voice",
		resqueue.WithCallTimeout(cfg.Engines.Voice.CallTimeout),
		resqueue.WithObserver(a.metrics.QueueObserver()))
	a.animQ = resqueue.New("animation",
		resqueue.WithCallTimeout(cfg.Engines.Animation.CallTimeout),
		resqueue.WithObserver(a.metrics.QueueObserver()))

	if err := a.initCache(ctx); err != nil {
		a.runClosers(context.Background())
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	if err := a.initOutput(); err != nil {
		a.runClosers(context.Background())
		return nil, fmt.Errorf("app: init output: %w", err)
	}

	a.hub = wshub.New(wshub.WithLogger(a.log))
	a.sink = append(present.Multi{present.Log{L: a.log}, a.hub}, a.sinks...)

	a.orch = dialogue.New(
		dialogue.WithSink(a.sink),
		dialogue.WithLogger(a.log),
		dialogue.WithPoll(cfg.Playback.PollMin, cfg.Playback.PollMax),
	)
	a.store = newCharacterStore()
	a.initHealth()

	if err := a.loadCharacters(ctx, cfg.Characters); err != nil {
		_ = a.Shutdown(context.Background())
		return nil, err
	}

	turns, err := a.resolveTurns(cfg.Dialogue.Script)
	if err == nil {
		err = a.orch.Enqueue(turns...)
	}
	if err != nil {
		_ = a.Shutdown(context.Background())
		return nil, fmt.Errorf("app: dialogue script: %w", err)
	}
	if len(turns) > 0 {
		a.log.Info("dialogue script queued", "turns", len(turns))
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCache opens the speech cache and its optional index.
func (a *App) initCache(ctx context.Context) error {
	c := a.cfg.Cache
	if !c.Enabled {
		return nil
	}
	opts := []speechcache.Option{
		speechcache.WithLogger(a.log),
		speechcache.WithMetrics(a.metrics),
	}
	if c.CompressionLevel != nil {
		opts = append(opts, speechcache.WithCompressionLevel(*c.CompressionLevel))
	}

	switch c.Index {
	case config.IndexSQLite:
		path := c.DSN
		if path == "" {
			path = filepath.Join(c.Dir, "index.db")
		}
		idx, err := sqliteindex.Open(ctx, path)
		if err != nil {
			return err
		}
		opts = append(opts, speechcache.WithIndex(idx))
		a.log.Info("speech cache index opened", "kind", c.Index, "path", path)

	case config.IndexPostgres:
		pool, err := pgxpool.New(ctx, c.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		idx := pgindex.New(pool, pool.Close)
		if err := idx.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		opts = append(opts, speechcache.WithIndex(idx))
		a.log.Info("speech cache index opened", "kind", c.Index)
	}

	cache, err := speechcache.Open(c.Dir, opts...)
	if err != nil {
		return err
	}
	a.cache = cache
	a.closers = append(a.closers, cache.Close)
	a.log.Info("speech cache opened", "dir", c.Dir)
	return nil
}

// initOutput opens the audio device unless an output was injected.
func (a *App) initOutput() error {
	if a.output != nil {
		return nil
	}
	pb := a.cfg.Playback
	if pb.Output != config.OutputOto {
		a.output = audioout.NewClock()
		return nil
	}
	rate, channels := pb.SampleRate, pb.Channels
	if channels == 0 {
		channels = 2
	}
	out, err := oto.New(rate, channels)
	if err != nil {
		return err
	}
	a.output = out
	return nil
}

func (a *App) initHealth() {
	a.health = health.New(
		health.FuncChecker("characters", "not every character is loaded", a.allLoaded),
		health.FuncChecker("voice", "every voice engine has an open circuit", a.engines.Voice.Available),
	)
	if a.cache != nil && a.cfg.Cache.Index != "" && a.cfg.Cache.Index != config.IndexNone {
		a.health.Add(health.Checker{Name: "cache_index", Check: func(ctx context.Context) error {
			_, err := a.cache.Count(ctx)
			return err
		}})
	}
}

// loadCharacters creates and loads one controller per character in parallel.
func (a *App) loadCharacters(ctx context.Context, chars []config.CharacterConfig) error {
	ctrls := make([]*playback.Controller, len(chars))
	for i, cc := range chars {
		a.store.Set(cc)
		ctrls[i] = a.newController(cc.ID)
		a.mu.Lock()
		a.controllers[cc.ID] = ctrls[i]
		a.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, ctrl := range ctrls {
		g.Go(func() error {
			if err := ctrl.Load(gctx); err != nil {
				return fmt.Errorf("app: load character %q: %w", chars[i].ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, ctrl := range ctrls {
		if err := a.orch.Register(ctrl); err != nil {
			return fmt.Errorf("app: %w", err)
		}
	}
	a.log.Info("characters loaded", "count", len(ctrls))
	return nil
}

func (a *App) newController(id string) *playback.Controller {
	pb := a.cfg.Playback
	return playback.New(id, a.store, pipeline.Config{
		Voice:          a.engines.Voice,
		Animation:      a.engines.Animation,
		VoiceQueue:     a.voiceQ,
		AnimationQueue: a.animQ,
		Cache:          a.cache,
		Output:         a.output,
		Sink:           a.sink,
		Logger:         a.log,
		Metrics:        a.metrics,
		PollMin:        pb.PollMin,
		PollMax:        pb.PollMax,
	}, playback.WithIdleFPS(pb.IdleFPS))
}

// addCharacter loads a character that was added while running.
func (a *App) addCharacter(ctx context.Context, cc config.CharacterConfig) error {
	a.store.Set(cc)
	ctrl := a.newController(cc.ID)
	if err := ctrl.Load(ctx); err != nil {
		_ = ctrl.Close()
		a.store.Remove(cc.ID)
		return fmt.Errorf("app: load character %q: %w", cc.ID, err)
	}
	a.mu.Lock()
	a.controllers[cc.ID] = ctrl
	a.mu.Unlock()
	if err := a.orch.Register(ctrl); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.log.Info("character added", "character", cc.ID)
	return nil
}

// removeCharacter stops and forgets a character.
func (a *App) removeCharacter(id string) {
	a.orch.Unregister(id)
	a.mu.Lock()
	ctrl, ok := a.controllers[id]
	delete(a.controllers, id)
	a.mu.Unlock()
	if ok {
		if err := ctrl.Close(); err != nil {
			a.log.Warn("close character", "character", id, "err", err)
		}
	}
	a.store.Remove(id)
	a.log.Info("character removed", "character", id)
}

// Controller returns the controller of character id.
func (a *App) Controller(id string) (*playback.Controller, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.controllers[id]
	return c, ok
}

// Characters returns the IDs of all characters in sorted order.
func (a *App) Characters() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.controllers))
	for id := range a.controllers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Dialogue returns the orchestrator.
func (a *App) Dialogue() *dialogue.Orchestrator { return a.orch }

// ImportCache copies the entries of the speech cache rooted at dir that are
// missing from the configured cache.
func (a *App) ImportCache(ctx context.Context, dir string) (int, error) {
	if a.cache == nil {
		return 0, errCacheDisabled
	}
	n, err := a.cache.Import(ctx, dir)
	if err != nil {
		return n, fmt.Errorf("app: import cache: %w", err)
	}
	a.log.Info("speech cache seeded", "from", dir, "entries", n)
	return n, nil
}

func (a *App) allLoaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.controllers {
		if !c.State().Loaded() {
			return false
		}
	}
	return true
}

// resolveTurns maps configured turns onto dialogue turns, resolving
// expression names against the loaded characters.
func (a *App) resolveTurns(turns []config.TurnConfig) ([]dialogue.Turn, error) {
	out := make([]dialogue.Turn, 0, len(turns))
	for i, t := range turns {
		ctrl, ok := a.Controller(t.Character)
		if !ok {
			return nil, fmt.Errorf("turn %d: %w: %q", i, dialogue.ErrUnknownCharacter, t.Character)
		}
		ch := ctrl.Character()
		if ch == nil {
			return nil, fmt.Errorf("turn %d: %w", i, pipeline.ErrNotLoaded)
		}
		expr, err := ch.ExpressionByName(t.Expression)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i, err)
		}
		out = append(out, dialogue.Turn{CharacterID: t.Character, Text: t.Text, Expression: expr})
	}
	return out, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run plays the dialogue queue, serves the HTTP API when server.listen_addr
// is set and watches the config file when [WithConfigPath] was given. It
// blocks until ctx is cancelled and then returns ctx's error, or returns
// early with the error of a failed server.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.orch.Run(gctx) })

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			// Cancels the WebSocket streams on shutdown.
			BaseContext: func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		a.log.Info("http api listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig,
			config.WithInterval(a.watchInterval),
			config.WithWatchLogger(a.log))
		if err != nil {
			a.log.Warn("config watcher disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error {
				<-gctx.Done()
				w.Stop()
				return nil
			})
		}
	}

	a.log.Info("app running", "characters", len(a.Characters()))
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// applyConfig reacts to a reloaded config file.
func (a *App) applyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(ParseLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		a.log.Warn("server, engine, cache and playback changes take effect after a restart")
	}
	if d.ScriptChanged {
		a.log.Info("dialogue script changed; scripts are only queued at startup")
	}

	byID := make(map[string]config.CharacterConfig, len(next.Characters))
	for _, cc := range next.Characters {
		byID[cc.ID] = cc
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, cd := range d.Characters {
		if cd.Removed || cd.Modified {
			a.removeCharacter(cd.ID)
		}
		if cd.Added || cd.Modified {
			if err := a.addCharacter(ctx, byID[cd.ID]); err != nil {
				a.log.Error("apply character change", "character", cd.ID, "err", err)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every controller and then the shared resources. If ctx
// expires before all closers finish, the rest are skipped and ctx's error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		ctrls := make([]*playback.Controller, 0, len(a.controllers))
		for _, c := range a.controllers {
			ctrls = append(ctrls, c)
		}
		clear(a.controllers)
		a.mu.Unlock()

		a.log.Info("shutting down", "characters", len(ctrls), "closers", len(a.closers))
		for _, c := range ctrls {
			a.orch.Unregister(c.ID())
			if err := c.Close(); err != nil {
				a.log.Warn("close character", "character", c.ID(), "err", err)
			}
		}
		shutdownErr = a.runClosers(ctx)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		if err := ctx.Err(); err != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return err
		}
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}

// ParseLevel maps a config log level onto a slog level. Unknown and empty
// levels map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// characterStore loads bundles from disk and applies the voice overrides of
// the character config.
type characterStore struct {
	dirs *character.DirStore

	mu      sync.RWMutex
	entries map[string]config.CharacterConfig
}

func newCharacterStore() *characterStore {
	return &characterStore{
		dirs:    character.NewDirStore(nil),
		entries: make(map[string]config.CharacterConfig),
	}
}

func (s *characterStore) Set(cc config.CharacterConfig) {
	s.mu.Lock()
	s.entries[cc.ID] = cc
	s.mu.Unlock()
	s.dirs.Set(cc.ID, cc.Bundle)
}

func (s *characterStore) Remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	s.dirs.Remove(id)
}

func (s *characterStore) Load(ctx context.Context, id string) (*character.Character, error) {
	c, err := s.dirs.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	cc := s.entries[id]
	s.mu.RUnlock()
	if cc.VoiceID == "" && cc.VoiceStyle == "" {
		return c, nil
	}
	out := *c
	if cc.VoiceID != "" {
		out.Voice.ID = cc.VoiceID
	}
	if cc.VoiceStyle != "" {
		out.Voice.Style = cc.VoiceStyle
	}
	return &out, nil
}

var _ character.Store = (*characterStore)(nil)

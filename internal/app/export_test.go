package app

import "github.com/MrWong99/talkinghead/internal/config"

var (
	ErrNoEngines     = errNoEngines
	ErrCacheDisabled = errCacheDisabled
	OptInt           = optInt
	OptDuration      = optDuration
)

// ApplyConfig runs the reload handler as the config watcher would.
func (a *App) ApplyConfig(old, next *config.Config) {
	a.applyConfig(old, next, config.Diff(old, next))
}

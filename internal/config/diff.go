package config

import (
	"cmp"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Characters lists added, removed and modified characters in ID order.
	Characters []CharacterDiff

	// ScriptChanged is true when the dialogue script differs.
	ScriptChanged bool

	// RestartRequired is true when settings that are only read at startup
	// changed: server, engines, cache or playback.
	RestartRequired bool
}

// CharacterDiff describes a change to one character.
type CharacterDiff struct {
	ID      string
	Added   bool
	Removed bool

	// Modified is true when the bundle path or voice override changed.
	Modified bool
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	d.RestartRequired = !reflect.DeepEqual(oldServer, newServer) ||
		!reflect.DeepEqual(old.Engines, new.Engines) ||
		!reflect.DeepEqual(old.Cache, new.Cache) ||
		old.Playback != new.Playback

	d.ScriptChanged = !slices.Equal(old.Dialogue.Script, new.Dialogue.Script)

	before := make(map[string]CharacterConfig, len(old.Characters))
	for _, c := range old.Characters {
		before[c.ID] = c
	}
	after := make(map[string]CharacterConfig, len(new.Characters))
	for _, c := range new.Characters {
		after[c.ID] = c
	}
	for id, o := range before {
		n, ok := after[id]
		switch {
		case !ok:
			d.Characters = append(d.Characters, CharacterDiff{ID: id, Removed: true})
		case n != o:
			d.Characters = append(d.Characters, CharacterDiff{ID: id, Modified: true})
		}
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			d.Characters = append(d.Characters, CharacterDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.Characters, func(a, b CharacterDiff) int { return cmp.Compare(a.ID, b.ID) })
	return d
}

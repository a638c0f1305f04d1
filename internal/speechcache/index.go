package speechcache

import "context"

// Index records committed entries so that a cache can be inspected or shared
// without walking the filesystem. The filesystem remains the source of truth:
// an index that lags or fails never makes an entry visible or invisible.
//
// Implementations live in the pgindex and sqliteindex subpackages.
type Index interface {
	// Put inserts or replaces the entry for e.Key.
	Put(ctx context.Context, e Entry) error

	// Get returns the entry for key. ok is false when none is recorded.
	Get(ctx context.Context, key Key) (e Entry, ok bool, err error)

	// Count returns the number of recorded entries.
	Count(ctx context.Context) (int, error)

	// ByCharacter lists the keys recorded for characterID, newest first.
	ByCharacter(ctx context.Context, characterID string) ([]Key, error)

	// Close releases the index's resources.
	Close() error
}

// Package roomcache holds the process-wide room_id -> streamer_name mapping.
//
// The original implementation keeps this behind a lazy_static global
// (original_source/src/manager.rs: ROOM_ID_TO_STREAMER). Per the Design Note
// in spec.md §9, this rework instead passes an explicit *Cache handle into
// every connector, sink, and replayer that needs it.
package roomcache

import (
	"strconv"
	"sync"
)

// Cache maps room ids to the streamer's display name.
type Cache struct {
	mu    sync.RWMutex
	names map[uint64]string
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{names: make(map[uint64]string)}
}

// Set records (or overwrites) the streamer name for a room.
func (c *Cache) Set(roomID uint64, streamer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[roomID] = streamer
}

// Lookup returns the cached streamer name and whether it was present.
func (c *Cache) Lookup(roomID uint64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[roomID]
	return name, ok
}

// StreamerOrFallback returns the cached name, or the stringified room id if
// the cache has no entry (spec.md §3 invariant). ok reports whether the
// cache was hit, so callers can emit the warning the invariant requires.
func (c *Cache) StreamerOrFallback(roomID uint64) (streamer string, ok bool) {
	name, ok := c.Lookup(roomID)
	if ok {
		return name, true
	}
	return strconv.FormatUint(roomID, 10), false
}

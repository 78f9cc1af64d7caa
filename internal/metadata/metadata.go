// Package metadata implements the TTL-bounded attribute and directory-entry
// cache sitting in front of the remote RPC facade.
package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cyverse/irodsfs-go/internal/rclient"
	"github.com/cyverse/irodsfs-go/ttlcache"
)

// StatFetcher retrieves a fresh Stat on a cache miss.
type StatFetcher func(ctx context.Context, path string) (rclient.Stat, error)

// DirFetcher retrieves a fresh, complete directory listing on a cache miss.
type DirFetcher func(ctx context.Context, path string) ([]rclient.DirEntry, error)

// Cache is the metadata cache. A disabled Cache (TTL <= 0 is still a valid,
// expiry-free cache per ttlcache's own semantics) simply means entries never
// expire; to turn caching off entirely, callers should not consult it.
type Cache struct {
	stats *ttlcache.Cache[string, rclient.Stat]
	dirs  *ttlcache.Cache[string, []rclient.DirEntry]
	dirMu sync.Mutex
	group singleflight.Group

	ttl             time.Duration
	cleanupInterval time.Duration

	statHits, statMisses atomic.Int64
	dirHits, dirMisses   atomic.Int64
}

// Stats is a point-in-time snapshot of cache effectiveness, for metrics.
type Stats struct {
	StatHits, StatMisses int64
	DirHits, DirMisses   int64
}

// Stats returns a snapshot of the cache's cumulative hit/miss counts.
func (c *Cache) Stats() Stats {
	return Stats{
		StatHits:   c.statHits.Load(),
		StatMisses: c.statMisses.Load(),
		DirHits:    c.dirHits.Load(),
		DirMisses:  c.dirMisses.Load(),
	}
}

// New builds a Cache with the given TTL, swept every cleanupInterval.
func New(ttl, cleanupInterval time.Duration) *Cache {
	return &Cache{
		stats:           ttlcache.New[string, rclient.Stat](ttl, cleanupInterval),
		dirs:            ttlcache.New[string, []rclient.DirEntry](ttl, cleanupInterval),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
	}
}

// Stop shuts down the background expiry sweepers.
func (c *Cache) Stop() {
	c.stats.Stop()
	c.dirs.Stop()
}

// PutStat installs stat for path unconditionally, resetting its TTL.
func (c *Cache) PutStat(path string, stat rclient.Stat) {
	c.stats.Set(path, stat)
}

// GetStat returns the cached stat for path, fetching and populating on a
// miss. Concurrent misses for the same path are collapsed into a single
// fetch call via singleflight.
func (c *Cache) GetStat(ctx context.Context, path string, fetch StatFetcher) (rclient.Stat, error) {
	if stat, ok := c.stats.Get(path); ok {
		c.statHits.Add(1)
		return stat, nil
	}
	c.statMisses.Add(1)

	v, err, _ := c.group.Do("stat:"+path, func() (interface{}, error) {
		stat, err := fetch(ctx, path)
		if err != nil {
			return rclient.Stat{}, err
		}
		c.stats.Set(path, stat)
		return stat, nil
	})
	if err != nil {
		return rclient.Stat{}, err
	}
	return v.(rclient.Stat), nil
}

// RemoveStat invalidates path's cached attributes, e.g. after a write.
func (c *Cache) RemoveStat(path string) { c.stats.Delete(path) }

// AddDirEntry appends entry to path's cached listing, creating the listing
// if none is cached; the listing's TTL restarts either way. Use
// AddDirEntryIfFresh to avoid reviving an entry that should be considered
// stale.
func (c *Cache) AddDirEntry(path string, entry rclient.DirEntry) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	entries, _ := c.dirs.Get(path)
	entries = append(entries, entry)
	c.dirs.Set(path, entries)
}

// AddDirEntryIfFresh adds entry to path's listing only if that listing is
// already cached (i.e. a ReadDir has populated it within the TTL); it is a
// no-op otherwise, so that a create/delete notification arriving after the
// listing has expired does not seed a half-built cache entry.
func (c *Cache) AddDirEntryIfFresh(path string, entry rclient.DirEntry) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	entries, ok := c.dirs.Get(path)
	if !ok {
		return
	}
	entries = append(entries, entry)
	c.dirs.Set(path, entries)
}

// GetDirEntries returns the cached listing for path, fetching and populating
// on a miss.
func (c *Cache) GetDirEntries(ctx context.Context, path string, fetch DirFetcher) ([]rclient.DirEntry, error) {
	if entries, ok := c.dirs.Get(path); ok {
		c.dirHits.Add(1)
		return entries, nil
	}
	c.dirMisses.Add(1)

	v, err, _ := c.group.Do("dir:"+path, func() (interface{}, error) {
		entries, err := fetch(ctx, path)
		if err != nil {
			return nil, err
		}
		c.dirs.Set(path, entries)
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]rclient.DirEntry), nil
}

// CheckExistenceOfDirEntry reports whether name is present in path's cached
// listing, returning false if the listing is not cached at all.
func (c *Cache) CheckExistenceOfDirEntry(path, name string) bool {
	entries, ok := c.dirs.Get(path)
	if !ok {
		return false
	}
	for _, e := range entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

// RemoveDir invalidates path's cached listing entirely.
func (c *Cache) RemoveDir(path string) { c.dirs.Delete(path) }

// RemoveDirEntry removes a single name from path's cached listing, if
// cached.
func (c *Cache) RemoveDirEntry(path, name string) {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()

	entries, ok := c.dirs.Get(path)
	if !ok {
		return
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			filtered = append(filtered, e)
		}
	}
	c.dirs.Set(path, filtered)
}

// Clear invalidates every cached entry and restarts the expiry sweepers.
func (c *Cache) Clear() {
	c.Stop()
	c.stats = ttlcache.New[string, rclient.Stat](c.ttl, c.cleanupInterval)
	c.dirs = ttlcache.New[string, []rclient.DirEntry](c.ttl, c.cleanupInterval)
}

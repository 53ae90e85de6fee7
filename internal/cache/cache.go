// Package cache implements the in-memory TTL+LRU response cache described
// by the edge node's ResponseCache component. It is also reused,
// parameterized differently, as the FileResolver's positive/negative
// resolution cache and the URL rewriter's memoization cache.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// Entry is one cached value plus the bookkeeping needed to expire and
// evict it.
type Entry struct {
	Key       string
	Value     interface{}
	Size      int64
	StoredAt  time.Time
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Expired    int64
	ItemCount  int
	TotalBytes int64
}

type shard struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List // front = most recently used
	bytes    int64
}

type listEntry struct {
	entry *Entry
}

// Store is a sharded, TTL-aware LRU cache. Sharding avoids a single
// whole-cache mutex under concurrent read/write load.
type Store struct {
	shards     []*shard
	maxEntries int   // per-shard capacity; 0 means unbounded
	maxBytes   int64 // per-shard byte budget; 0 means unbounded

	mu         sync.Mutex
	hits       int64
	misses     int64
	evictions  int64
	expired    int64
}

// New creates a Store with the given shard count and per-shard limits.
// maxEntriesTotal and maxBytesTotal are divided evenly across shards; pass
// 0 for either to leave that dimension unbounded.
func New(shards int, maxEntriesTotal int, maxBytesTotal int64) *Store {
	if shards <= 0 {
		shards = 1
	}
	s := &Store{shards: make([]*shard, shards)}
	perShardEntries := 0
	if maxEntriesTotal > 0 {
		perShardEntries = maxEntriesTotal / shards
		if perShardEntries <= 0 {
			perShardEntries = 1
		}
	}
	perShardBytes := int64(0)
	if maxBytesTotal > 0 {
		perShardBytes = maxBytesTotal / int64(shards)
	}
	s.maxEntries = perShardEntries
	s.maxBytes = perShardBytes
	for i := range s.shards {
		s.shards[i] = &shard{
			items:    make(map[string]*list.Element),
			eviction: list.New(),
		}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the value stored for key, whether it was found, and whether
// it was found but already expired (a "stale" hit some callers may choose
// to serve anyway under a stale-while-revalidate policy).
func (s *Store) Get(key string) (value interface{}, ok bool, stale bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	el, found := sh.items[key]
	if !found {
		s.recordMiss()
		return nil, false, false
	}
	le := el.Value.(*listEntry)
	now := time.Now()
	if le.entry.expired(now) {
		s.recordExpired()
		return le.entry.Value, false, true
	}
	sh.eviction.MoveToFront(el)
	s.recordHit()
	return le.entry.Value, true, false
}

// Set stores value under key with the given TTL (0 means no expiry).
func (s *Store) Set(key string, value interface{}, size int64, ttl time.Duration) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	entry := &Entry{Key: key, Value: value, Size: size, StoredAt: now, ExpiresAt: expiresAt}

	if el, found := sh.items[key]; found {
		old := el.Value.(*listEntry).entry
		sh.bytes -= old.Size
		el.Value = &listEntry{entry: entry}
		sh.eviction.MoveToFront(el)
		sh.bytes += size
	} else {
		el := sh.eviction.PushFront(&listEntry{entry: entry})
		sh.items[key] = el
		sh.bytes += size
	}

	s.evictLocked(sh)
}

func (s *Store) evictLocked(sh *shard) {
	for s.maxEntries > 0 && len(sh.items) > s.maxEntries {
		s.evictOldestLocked(sh)
	}
	for s.maxBytes > 0 && sh.bytes > s.maxBytes && sh.eviction.Len() > 0 {
		s.evictOldestLocked(sh)
	}
}

func (s *Store) evictOldestLocked(sh *shard) {
	back := sh.eviction.Back()
	if back == nil {
		return
	}
	le := back.Value.(*listEntry)
	sh.eviction.Remove(back)
	delete(sh.items, le.entry.Key)
	sh.bytes -= le.entry.Size
	s.mu.Lock()
	s.evictions++
	s.mu.Unlock()
}

// SweepExpired removes every expired entry, returning the count removed.
// Called periodically by the owner so expired entries don't linger until
// their next lookup.
func (s *Store) SweepExpired() int {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, el := range sh.items {
			le := el.Value.(*listEntry)
			if le.entry.expired(now) {
				sh.eviction.Remove(el)
				delete(sh.items, key)
				sh.bytes -= le.entry.Size
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.mu.Lock()
		s.expired += int64(removed)
		s.mu.Unlock()
	}
	return removed
}

// Delete removes key from the cache, if present.
func (s *Store) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if el, found := sh.items[key]; found {
		le := el.Value.(*listEntry)
		sh.eviction.Remove(el)
		delete(sh.items, key)
		sh.bytes -= le.entry.Size
	}
}

// PurgeFunc removes every entry for which match returns true, returning
// the number of entries removed. Used for glob-style domain/path purges.
func (s *Store) PurgeFunc(match func(key string) bool) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, el := range sh.items {
			if match(key) {
				le := el.Value.(*listEntry)
				sh.eviction.Remove(el)
				delete(sh.items, key)
				sh.bytes -= le.entry.Size
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Purge empties the cache entirely.
func (s *Store) Purge() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.items = make(map[string]*list.Element)
		sh.eviction = list.New()
		sh.bytes = 0
		sh.mu.Unlock()
	}
}

func (s *Store) recordHit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *Store) recordMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

func (s *Store) recordExpired() {
	s.mu.Lock()
	s.expired++
	s.mu.Unlock()
}

// Stats returns a point-in-time snapshot of cache counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{Hits: s.hits, Misses: s.misses, Evictions: s.evictions, Expired: s.expired}
	s.mu.Unlock()

	for _, sh := range s.shards {
		sh.mu.Lock()
		st.ItemCount += len(sh.items)
		st.TotalBytes += sh.bytes
		sh.mu.Unlock()
	}
	return st
}

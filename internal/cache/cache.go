// Package cache implements the read-through cache fabric: four namespaces
// (search, bundle, index, metadata), each an LRU+TTL store, with
// signature/file/repo invalidation and health reporting. Each namespace
// is a github.com/hashicorp/golang-lru/v2 expirable LRU so it carries
// its own TTL.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Namespace identifies one of the four cache fabric namespaces.
type Namespace string

const (
	NamespaceSearch   Namespace = "search"
	NamespaceBundle   Namespace = "bundle"
	NamespaceIndex    Namespace = "index"
	NamespaceMetadata Namespace = "metadata"
)

// namespaceDefaults is the per-namespace TTL/size table.
var namespaceDefaults = map[Namespace]struct {
	ttl      time.Duration
	capacity int
}{
	NamespaceSearch:   {ttl: 5 * time.Minute, capacity: 1000},
	NamespaceBundle:   {ttl: 30 * time.Minute, capacity: 500},
	NamespaceIndex:    {ttl: 10 * time.Minute, capacity: 200},
	NamespaceMetadata: {ttl: 1 * time.Hour, capacity: 100},
}

// entry wraps a cached value with its bookkeeping metadata.
type entry struct {
	value       any
	signature   string // bundle signature, for invalidate_by_signature
	paths       []string // file paths referenced, for invalidate_on_file_change
	repo        string
	createdAt   time.Time
	expiresAt   time.Time
	accessCount int
	lastAccess  time.Time
	sizeBytes   int
}

// EntryMeta is the caller-visible metadata for an entry.
type EntryMeta struct {
	CreatedAt   time.Time
	ExpiresAt   time.Time
	AccessCount int
	LastAccess  time.Time
	SizeBytes   int
}

// SetOptions annotate a cache entry for later invalidation lookups.
type SetOptions struct {
	Signature string
	Paths     []string
	Repo      string
	SizeBytes int
}

// Stats is a namespace's point-in-time counters.
type Stats struct {
	Namespace    Namespace
	Hits         int64
	Misses       int64
	Evictions    int64
	Len          int
	Capacity     int
	HitRate      float64
	MemoryBytes  int64
}

// Health flags computed from Stats.
type Health struct {
	Namespace        Namespace
	LowHitRate       bool
	HighMemory       bool
	HighEvictionRate bool
}

type namespaceStore struct {
	mu        sync.Mutex
	lru       *expirable.LRU[string, *entry]
	ttl       time.Duration
	capacity  int
	hits      int64
	misses    int64
	evictions int64
	memory    int64
}

func newNamespaceStore(ttl time.Duration, capacity int) *namespaceStore {
	ns := &namespaceStore{ttl: ttl, capacity: capacity}
	ns.lru = expirable.NewLRU[string, *entry](capacity, func(key string, e *entry) {
		ns.mu.Lock()
		ns.evictions++
		ns.memory -= int64(e.sizeBytes)
		ns.mu.Unlock()
	}, ttl)
	return ns
}

// Fabric is the cache fabric: one LRU+TTL store per namespace.
type Fabric struct {
	stores map[Namespace]*namespaceStore
}

// Config allows overriding a namespace's TTL/capacity away from the
// defaults.
type Config struct {
	TTL      map[Namespace]time.Duration
	Capacity map[Namespace]int
}

// New creates a cache fabric with the default namespace parameters.
func New() *Fabric {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a cache fabric, overriding any namespace's TTL or
// capacity supplied in cfg.
func NewWithConfig(cfg Config) *Fabric {
	f := &Fabric{stores: make(map[Namespace]*namespaceStore)}
	for ns, d := range namespaceDefaults {
		ttl := d.ttl
		if t, ok := cfg.TTL[ns]; ok {
			ttl = t
		}
		capacity := d.capacity
		if c, ok := cfg.Capacity[ns]; ok {
			capacity = c
		}
		f.stores[ns] = newNamespaceStore(ttl, capacity)
	}
	return f
}

func (f *Fabric) store(ns Namespace) *namespaceStore {
	s, ok := f.stores[ns]
	if !ok {
		s = newNamespaceStore(5*time.Minute, 1000)
		f.stores[ns] = s
	}
	return s
}

// FetchFunc produces the value to cache on a miss.
type FetchFunc func() (any, SetOptions, error)

// Result is what Get returns: the value plus whether it was already cached.
type Result struct {
	Value  any
	Cached bool
}

// Get performs a read-through cache lookup: on hit, returns the cached
// value; on miss, invokes fetch, stores the result if non-nil, and returns
// it tagged as uncached.
func (f *Fabric) Get(ns Namespace, key string, fetch FetchFunc) (Result, error) {
	s := f.store(ns)

	s.mu.Lock()
	e, ok := s.lru.Get(key)
	if ok {
		e.accessCount++
		e.lastAccess = time.Now()
		s.hits++
	} else {
		s.misses++
	}
	s.mu.Unlock()

	if ok {
		return Result{Value: e.value, Cached: true}, nil
	}

	value, opts, err := fetch()
	if err != nil {
		return Result{}, err
	}
	if value == nil {
		return Result{Value: nil, Cached: false}, nil
	}

	f.Set(ns, key, value, opts)
	return Result{Value: value, Cached: false}, nil
}

// Set stores a value directly, bypassing the fetch path.
func (f *Fabric) Set(ns Namespace, key string, value any, opts SetOptions) {
	s := f.store(ns)
	now := time.Now()
	e := &entry{
		value:     value,
		signature: opts.Signature,
		paths:     opts.Paths,
		repo:      opts.Repo,
		createdAt: now,
		expiresAt: now.Add(s.ttl),
		lastAccess: now,
		sizeBytes: opts.SizeBytes,
	}
	s.mu.Lock()
	s.memory += int64(opts.SizeBytes)
	s.mu.Unlock()
	s.lru.Add(key, e)
}

// Delete removes a single key from a namespace.
func (f *Fabric) Delete(ns Namespace, key string) {
	f.store(ns).lru.Remove(key)
}

// Clear empties an entire namespace.
func (f *Fabric) Clear(ns Namespace) {
	f.store(ns).lru.Purge()
}

// InvalidateBySignature walks the bundle namespace and removes entries
// whose stored SetOptions.Signature matches signature.
func (f *Fabric) InvalidateBySignature(signature string) {
	s := f.store(NamespaceBundle)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.lru.Keys() {
		e, ok := s.lru.Peek(key)
		if ok && e.signature == signature {
			s.lru.Remove(key)
		}
	}
}

// InvalidateOnFileChange clears search entries whose key references path's
// basename, and bundle entries whose recorded evidence paths include path.
func (f *Fabric) InvalidateOnFileChange(path string) {
	basename := basenameOf(path)

	search := f.store(NamespaceSearch)
	search.mu.Lock()
	for _, key := range search.lru.Keys() {
		if containsSubstring(key, basename) {
			search.lru.Remove(key)
		}
	}
	search.mu.Unlock()

	bundle := f.store(NamespaceBundle)
	bundle.mu.Lock()
	for _, key := range bundle.lru.Keys() {
		e, ok := bundle.lru.Peek(key)
		if !ok {
			continue
		}
		for _, p := range e.paths {
			if p == path {
				bundle.lru.Remove(key)
				break
			}
		}
	}
	bundle.mu.Unlock()
}

// InvalidateOnRepoChange clears search, bundle, and index wholesale for repo.
func (f *Fabric) InvalidateOnRepoChange(repo string) {
	for _, ns := range []Namespace{NamespaceSearch, NamespaceBundle, NamespaceIndex} {
		s := f.store(ns)
		s.mu.Lock()
		for _, key := range s.lru.Keys() {
			e, ok := s.lru.Peek(key)
			if ok && (e.repo == repo || repo == "") {
				s.lru.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}

// Warm prepopulates a namespace with a set of keys using fetch, skipping
// keys that already have a cached value.
func (f *Fabric) Warm(ns Namespace, keys []string, fetch func(key string) (any, SetOptions, error)) error {
	for _, key := range keys {
		_, err := f.Get(ns, key, func() (any, SetOptions, error) {
			return fetch(key)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns the current counters for one namespace.
func (f *Fabric) GetStats(ns Namespace) Stats {
	s := f.store(ns)
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.hits + s.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}
	return Stats{
		Namespace:   ns,
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Len:         s.lru.Len(),
		Capacity:    s.capacity,
		HitRate:     hitRate,
		MemoryBytes: s.memory,
	}
}

// AllStats returns stats for every namespace.
func (f *Fabric) AllStats() []Stats {
	out := make([]Stats, 0, len(f.stores))
	for ns := range f.stores {
		out = append(out, f.GetStats(ns))
	}
	return out
}

const (
	lowHitRateThreshold      = 0.3
	highMemoryThresholdBytes = 100 * 1024 * 1024
	highEvictionRateThreshold = 0.1
)

// GetHealth computes the warn flags for one namespace.
func (f *Fabric) GetHealth(ns Namespace) Health {
	stats := f.GetStats(ns)
	total := stats.Hits + stats.Misses
	evictionRate := 0.0
	if total > 0 {
		evictionRate = float64(stats.Evictions) / float64(total)
	}
	return Health{
		Namespace:        ns,
		LowHitRate:       total > 0 && stats.HitRate < lowHitRateThreshold,
		HighMemory:       stats.MemoryBytes > highMemoryThresholdBytes,
		HighEvictionRate: evictionRate > highEvictionRateThreshold,
	}
}

func basenameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

func containsSubstring(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

package dedupe

import "sync"

// Verdict is the outcome of Cache.Admit.
type Verdict int

const (
	Admitted Verdict = iota
	DuplicateURL
	DuplicateContent
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case DuplicateURL:
		return "duplicate_url"
	case DuplicateContent:
		return "duplicate_content"
	default:
		return "unknown"
	}
}

// set is an insertion-ordered string set, optionally bounded.
type set struct {
	items map[string]struct{}
	order []string
}

func newSet() set {
	return set{items: make(map[string]struct{})}
}

func (s *set) has(key string) bool {
	_, ok := s.items[key]
	return ok
}

func (s *set) add(key string, capacity int) {
	if s.has(key) {
		return
	}
	s.items[key] = struct{}{}
	s.order = append(s.order, key)
	for capacity > 0 && len(s.items) > capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
}

// Cache remembers accepted page URLs and content hashes for the lifetime of
// the process. Nothing is persisted: a restart starts from an empty cache.
// Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	urls     set
	hashes   set
	capacity int
}

// NewCache creates a cache. capacity bounds each set independently; zero
// means unbounded, otherwise the oldest entries are evicted first.
func NewCache(capacity int) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache{
		urls:     newSet(),
		hashes:   newSet(),
		capacity: capacity,
	}
}

// Admit checks url, then hash, and records both only when neither was seen.
// The check and the insert happen under one lock.
func (c *Cache) Admit(url, hash string) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.urls.has(url) {
		return DuplicateURL
	}
	if c.hashes.has(hash) {
		return DuplicateContent
	}
	c.urls.add(url, c.capacity)
	c.hashes.add(hash, c.capacity)
	return Admitted
}

// Len returns the number of remembered URLs and hashes.
func (c *Cache) Len() (urls, hashes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.urls.items), len(c.hashes.items)
}

// Clear forgets everything and returns how many entries were dropped.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := len(c.urls.items) + len(c.hashes.items)
	c.urls = newSet()
	c.hashes = newSet()
	return dropped
}

// Package sigcache is a process-local, capacity-bounded cache of opaque
// thought signatures. It serves two access patterns: tool-use id -> signature
// (restoring a signature a client library stripped before a follow-up turn),
// and signature -> model family (detecting cross-family signature reuse
// before it reaches a Gemini-family request).
//
// No LRU library was found anywhere in the retrieved example corpus (neither
// the teacher nor the other repos import one), so this is built on the
// standard two-structure LRU idiom: a doubly linked list (container/list)
// for recency order plus a map for O(1) lookup. The teacher's own signature
// cache (internal/cache/signature_cache.go) is TTL-based via sync.Map and has
// no capacity bound at all; its guarded-map-plus-cleanup style is kept here,
// restructured around real eviction instead of time-based expiry.
package sigcache

import (
	"container/list"
	"sync"
)

// Family tags the provenance of a thought signature.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

type entry struct {
	key   string
	value string
}

// lru is a single capacity-bounded map, guarded by its own mutex so the two
// caches in Cache never contend with each other.
type lru struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 1
	}
	return &lru{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *lru) get(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		return "", false
	}
	l.order.MoveToFront(el)
	return el.Value.(*entry).value, true
}

func (l *lru) put(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		el.Value.(*entry).value = value
		l.order.MoveToFront(el)
		return
	}
	el := l.order.PushFront(&entry{key: key, value: value})
	l.items[key] = el
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.items, oldest.Value.(*entry).key)
		}
	}
}

// Cache holds the two LRU maps described above.
type Cache struct {
	byToolUseID *lru
	byFamily    *lru
}

// New constructs a Cache with both maps bounded to capacity entries.
func New(capacity int) *Cache {
	return &Cache{
		byToolUseID: newLRU(capacity),
		byFamily:    newLRU(capacity),
	}
}

// PutSignature records that toolUseID produced signature, and that signature
// belongs to family.
func (c *Cache) PutSignature(toolUseID, signature string, family Family) {
	if toolUseID != "" && signature != "" {
		c.byToolUseID.put(toolUseID, signature)
	}
	if signature != "" {
		c.byFamily.put(signature, string(family))
	}
}

// SignatureForToolUse returns a previously observed signature for toolUseID.
func (c *Cache) SignatureForToolUse(toolUseID string) (string, bool) {
	return c.byToolUseID.get(toolUseID)
}

// FamilyOfSignature returns the family a signature was first observed under.
func (c *Cache) FamilyOfSignature(signature string) (Family, bool) {
	v, ok := c.byFamily.get(signature)
	if !ok {
		return "", false
	}
	return Family(v), true
}

// IsCrossFamily reports whether signature is known to belong to a family
// other than target. Unknown signatures are not considered cross-family
// (the caller decides separately how to treat unknown-origin signatures).
func (c *Cache) IsCrossFamily(signature string, target Family) bool {
	fam, ok := c.FamilyOfSignature(signature)
	if !ok {
		return false
	}
	return fam != target
}

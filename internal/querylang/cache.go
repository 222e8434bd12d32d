package querylang

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of parsed queries a Cache keeps.
const DefaultCacheSize = 256

// VersionedResolver is a Resolver that can fingerprint its contents.
// *registry.Registry implements it.
type VersionedResolver interface {
	Resolver
	Version() string
}

type cacheKey struct {
	version string
	text    string
}

// Cache memoizes successful parses. Entries are keyed by the resolver
// version as well as the text, so a changed schema never serves a tree
// resolved against the old one. Failed parses are not cached.
//
// Cache is safe for concurrent use.
type Cache struct {
	entries *lru.Cache[cacheKey, *Query]
}

// NewCache returns a cache holding up to size trees.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[cacheKey, *Query](size)
	if err != nil {
		return nil, fmt.Errorf("new parse cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Parse returns the cached tree for text or parses and stores it.
func (c *Cache) Parse(text string, r VersionedResolver) (*Query, error) {
	key := cacheKey{version: r.Version(), text: text}
	if q, ok := c.entries.Get(key); ok {
		return q, nil
	}
	q, err := Parse(text, r)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, q)
	return q, nil
}

// Len is the number of cached trees.
func (c *Cache) Len() int {
	return c.entries.Len()
}

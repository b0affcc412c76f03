// Package search defines the full-text index the ORM uses to pre-select documents.
package search

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Hit is one ranked search result.
type Hit struct {
	ObjectID string
	Score    float64
}

// Index searches one collection's documents. Hits are ordered by relevance.
type Index interface {
	Search(ctx context.Context, text string) ([]Hit, error)
}

// Provider resolves an index by name.
type Provider interface {
	Index(name string) Index
}

// Static is an index returning the same hits for any text.
type Static []Hit

func (s Static) Search(ctx context.Context, text string) ([]Hit, error) {
	return append([]Hit(nil), s...), ctx.Err()
}

// IDs builds a Static index from object ids in relevance order.
func IDs(ids ...string) Static {
	hits := make(Static, len(ids))
	for i, id := range ids {
		hits[i] = Hit{ObjectID: id, Score: float64(len(ids) - i)}
	}
	return hits
}

// Indexes is a Provider over a fixed set of indexes. Unknown names resolve to an empty index.
type Indexes map[string]Index

func (p Indexes) Index(name string) Index {
	if idx, ok := p[name]; ok {
		return idx
	}
	return Static(nil)
}

// Cached memoizes search results of a provider's indexes in a shared LRU.
type Cached struct {
	next  Provider
	cache *lru.Cache[cacheKey, []Hit]
}

type cacheKey struct {
	index string
	text  string
}

// NewCached wraps next with an LRU of size entries.
func NewCached(next Provider, size int) (*Cached, error) {
	cache, err := lru.New[cacheKey, []Hit](size)
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Index(name string) Index {
	return &cachedIndex{name: name, next: c.next.Index(name), cache: c.cache}
}

// Purge drops every cached result.
func (c *Cached) Purge() {
	c.cache.Purge()
}

type cachedIndex struct {
	name  string
	next  Index
	cache *lru.Cache[cacheKey, []Hit]
}

func (c *cachedIndex) Search(ctx context.Context, text string) ([]Hit, error) {
	key := cacheKey{index: c.name, text: text}
	if hits, ok := c.cache.Get(key); ok {
		return append([]Hit(nil), hits...), nil
	}
	hits, err := c.next.Search(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, hits)
	return append([]Hit(nil), hits...), nil
}

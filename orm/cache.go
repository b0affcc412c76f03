package orm

import (
	"log/slog"
	"sync"

	"github.com/add-eus/library/docdb"
)

type cacheEntry struct {
	doc    Document
	model  modelInfo
	usedBy int
}

// Cache shares one live entity per document path between its users. An entity is
// destroyed when its last user releases it.
type Cache struct {
	store   *Store
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func newCache(store *Store) *Cache {
	return &Cache{store: store, entries: make(map[string]*cacheEntry)}
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether an entity is cached at path.
func (c *Cache) Contains(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[path]
	return ok
}

// acquire returns the entity at ref, creating and watching it on first use. When snap is
// given it hydrates an entity that was not fulfilled yet. The returned release function
// is idempotent.
func (c *Cache) acquire(model modelInfo, ref docdb.DocumentRef, snap *docdb.Snapshot) (Document, func(), error) {
	path := ref.Path()

	c.mu.Lock()
	e, ok := c.entries[path]
	if ok && e.doc.Base().meta.IsDestroyed() {
		delete(c.entries, path)
		ok = false
	}
	created := false
	if ok {
		if e.model != model {
			c.mu.Unlock()
			return nil, nil, invariantf("%s is cached as %s, not %s", path, e.model.Name(), model.Name())
		}
		e.usedBy++
	} else {
		doc := model.newDocument(c.store)
		if _, err := doc.Base().meta.bind(ref); err != nil {
			c.mu.Unlock()
			return nil, nil, err
		}
		e = &cacheEntry{doc: doc, model: model, usedBy: 1}
		c.entries[path] = e
		created = true
	}
	c.mu.Unlock()

	meta := e.doc.Base().meta
	if created {
		if _, nested := docdb.Collection(ref.Collection).Parent(); nested {
			if info, ok := c.store.namespace(model.Name()); ok {
				meta.addBlacklist(info.blacklist(docdb.Collection(ref.Collection).ID()))
			}
		}
		meta.watch()
		if err := meta.InitSubCollections(false); err != nil {
			c.store.logger.Warn("init sub-collections", slog.String("path", path), slog.Any("err", err))
		}
	}
	if snap != nil && !meta.IsFulfilled() {
		if err := meta.applySnapshot(*snap); err != nil {
			meta.fail(err)
		}
	}

	var once sync.Once
	return e.doc, func() { once.Do(func() { c.release(path, e) }) }, nil
}

func (c *Cache) release(path string, e *cacheEntry) {
	c.mu.Lock()
	e.usedBy--
	evict := e.usedBy <= 0
	if evict && c.entries[path] == e {
		delete(c.entries, path)
	}
	c.mu.Unlock()
	if evict {
		e.doc.Base().meta.Destroy()
	}
}

// insert caches a newly saved entity under its path unless one is cached there already.
func (c *Cache) insert(doc Document, model modelInfo) (func(), bool) {
	path := doc.Base().Path()
	c.mu.Lock()
	if _, ok := c.entries[path]; ok || path == "" {
		c.mu.Unlock()
		return nil, false
	}
	e := &cacheEntry{doc: doc, model: model, usedBy: 1}
	c.entries[path] = e
	c.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { c.release(path, e) }) }, true
}

// clear destroys every cached entity.
func (c *Cache) clear() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
	for _, e := range entries {
		e.doc.Base().meta.Destroy()
	}
}

// transform returns the cached entity for a fetched snapshot.
func transform[T any](s *Store, m *Model[T], snap docdb.Snapshot) (*T, func(), error) {
	doc, release, err := s.cache.acquire(m, snap.Ref, &snap)
	if err != nil {
		return nil, nil, err
	}
	return any(doc).(*T), release, nil
}

// acquireRef returns the cached entity at ref without fetching it.
func acquireRef[T any](s *Store, m *Model[T], ref docdb.DocumentRef) (*T, func(), error) {
	doc, release, err := s.cache.acquire(m, ref, nil)
	if err != nil {
		return nil, nil, err
	}
	return any(doc).(*T), release, nil
}

// holdRef returns the entity at ref, held by owner until owner is destroyed.
func holdRef[T any](owner *EntityMetaData, m *Model[T], ref docdb.DocumentRef) (*T, error) {
	doc, err := owner.hold(ref.Path(), func() (Document, func(), error) {
		return owner.store.cache.acquire(m, ref, nil)
	})
	if err != nil {
		return nil, err
	}
	t, ok := any(doc).(*T)
	if !ok {
		return nil, invariantf("%s is held as %T", ref.Path(), doc)
	}
	return t, nil
}

// Package orm maps documents of a docdb.Client to live Go entities.
//
// Entities are structs embedding Entity whose persisted attributes are Field values
// declared on a Model. Entities loaded from the store are shared through a cache keyed by
// document path, follow remote changes while in use and hydrate lazily on first read.
// Queries page through collections and keep their pages live.
package orm

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/search"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/add-eus/library/orm"

// Store binds models to a document database.
type Store struct {
	db       docdb.Client
	search   search.Provider
	cache    *Cache
	logger   *slog.Logger
	tracer   trace.Tracer
	validate *validator.Validate

	ctx    context.Context
	cancel context.CancelFunc

	regMu    sync.Mutex
	registry map[string]*namespaceInfo
}

// Option configures a Store.
type Option func(*Store)

// WithSearch sets the full-text index provider used by searching collections. Indexes
// are named after the collection id.
func WithSearch(p search.Provider) Option {
	return func(s *Store) {
		s.search = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithTracerProvider sets the provider of the store's tracer, the global one by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// New returns a store over db.
func New(db docdb.Client, opts ...Option) *Store {
	s := &Store{
		db:       db,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		registry: make(map[string]*namespaceInfo),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cache = newCache(s)
	for _, opt := range opts {
		opt(s)
	}
	if s.search == nil {
		s.search = search.Indexes{}
	}
	return s
}

// Client returns the underlying database.
func (s *Store) Client() docdb.Client {
	return s.db
}

// Cache returns the entity cache.
func (s *Store) Cache() *Cache {
	return s.cache
}

// ClearCache destroys every cached entity. Entities still referenced by callers stop
// following remote changes.
func (s *Store) ClearCache() {
	s.cache.clear()
}

// Close stops background work and clears the cache. The database is not closed.
func (s *Store) Close() error {
	s.cancel()
	s.cache.clear()
	return nil
}

func (s *Store) validator() *validator.Validate {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if s.validate == nil {
		s.validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return s.validate
}

// namespaceInfo is the registry entry of a model: every collection id its documents are
// stored under, the root first, and the properties left out of each copy.
type namespaceInfo struct {
	model      modelInfo
	subPaths   []string
	blacklists map[string][]string
}

func (n *namespaceInfo) blacklist(sub string) []string {
	return n.blacklists[sub]
}

// Register declares models and, recursively, the models of their sub-collections.
// Models are registered on first use too, but duplicates of an entity are only found in
// sub-collections of registered models.
func (s *Store) Register(models ...modelInfo) {
	for _, m := range models {
		s.ensure(m)
	}
}

func (s *Store) ensure(m modelInfo) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.registerLocked(m, make(map[modelInfo]bool))
}

func (s *Store) registerLocked(m modelInfo, seen map[modelInfo]bool) {
	if seen[m] || m.Embedded() {
		return
	}
	seen[m] = true
	if _, ok := s.registry[m.Name()]; !ok {
		s.registry[m.Name()] = &namespaceInfo{
			model:      m,
			subPaths:   []string{m.Name()},
			blacklists: make(map[string][]string),
		}
	}
	for _, c := range m.collectionDefs() {
		s.registerLocked(c.target, seen)
		target := s.registry[c.target.Name()]
		if target == nil {
			continue
		}
		if !slices.Contains(target.subPaths, c.name) {
			target.subPaths = append(target.subPaths, c.name)
		}
		target.blacklists[c.name] = c.blacklist
	}
}

func (s *Store) namespace(name string) (namespaceInfo, bool) {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	n, ok := s.registry[name]
	if !ok {
		return namespaceInfo{}, false
	}
	out := namespaceInfo{
		model:      n.model,
		subPaths:   append([]string(nil), n.subPaths...),
		blacklists: make(map[string][]string, len(n.blacklists)),
	}
	for k, v := range n.blacklists {
		out.blacklists[k] = v
	}
	return out, true
}

package orm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/reactive"
)

type docOptions struct {
	noFetch    bool
	collection string
}

// DocOption configures UseDoc and NewDoc.
type DocOption func(*docOptions)

// WithoutFetch leaves the entity unfetched; it hydrates on first read.
func WithoutFetch() DocOption {
	return func(o *docOptions) {
		o.noFetch = true
	}
}

// FromCollection sets the collection path the document lives in, the model's collection
// by default.
func FromCollection(path string) DocOption {
	return func(o *docOptions) {
		o.collection = path
	}
}

func applyDocOptions(opts []DocOption) docOptions {
	var o docOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// UseDoc returns the shared entity of m with the given id, released when scope is
// disposed. An id containing a slash is a full document path. An empty id returns a new
// entity as NewDoc does. The entity is fetched in the background unless WithoutFetch is
// given.
func UseDoc[T any](scope *reactive.Scope, s *Store, m *Model[T], id string, opts ...DocOption) (*T, error) {
	if id == "" {
		return NewDoc(scope, s, m, opts...), nil
	}
	o := applyDocOptions(opts)
	collection := m.Name()
	if o.collection != "" {
		collection = o.collection
	}
	ref := docdb.Collection(collection).Doc(id)
	if strings.Contains(id, "/") {
		var err error
		if ref, err = docdb.ParseDocPath(id); err != nil {
			return nil, err
		}
	}

	t, release, err := acquireRef(s, m, ref)
	if err != nil {
		return nil, err
	}
	if scope != nil {
		scope.OnDispose(release)
	}
	if !o.noFetch {
		meta := baseOf(t).meta
		go func() {
			if err := meta.Refresh(s.ctx); err != nil {
				meta.fail(err)
			}
		}()
	}
	return t, nil
}

// NewDoc returns a new entity of m. Once saved it joins the cache until scope is
// disposed.
func NewDoc[T any](scope *reactive.Scope, s *Store, m *Model[T], opts ...DocOption) *T {
	o := applyDocOptions(opts)
	t := m.construct(s)
	meta := baseOf(t).meta
	if o.collection != "" {
		meta.stateMu.Lock()
		meta.newDocPath = o.collection
		meta.stateMu.Unlock()
	}
	if err := meta.InitSubCollections(true); err != nil {
		s.logger.Warn("init sub-collections", slog.String("model", m.Name()), slog.Any("err", err))
	}
	meta.events.Once(EventSaved, func(...any) {
		release, ok := s.cache.insert(any(t).(Document), m)
		if ok && scope != nil {
			scope.OnDispose(release)
		}
	})
	return t
}

// FindDoc returns the first entity matching opts, or nil when none does. The entity is
// released when scope is disposed.
func FindDoc[T any](ctx context.Context, scope *reactive.Scope, s *Store, m *Model[T], opts CollectionOptions) (*T, error) {
	q, err := opts.query(m.Name())
	if err != nil {
		return nil, err
	}
	docs, err := s.db.GetAll(ctx, q.With(docdb.Limit(1)))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", q.Collection, accessDenied(err, "access", q.Collection))
	}
	if len(docs) == 0 {
		return nil, nil
	}
	t, release, err := transform(s, m, docs[0])
	if err != nil {
		return nil, err
	}
	if scope != nil {
		scope.OnDispose(release)
	}
	return t, nil
}

// Count returns the number of documents in the collection at path matching wheres.
func Count(ctx context.Context, s *Store, path string, wheres ...WhereOption) (int, error) {
	q, err := CollectionOptions{Wheres: wheres}.query(path)
	if err != nil {
		return 0, err
	}
	n, err := s.db.Count(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", path, accessDenied(err, "access", path))
	}
	return n, nil
}

// ParentsOfCollectionGroup returns the distinct entities of m owning a document of the
// collection group that matches wheres. Entities are fetched and released when scope is
// disposed.
func ParentsOfCollectionGroup[T any](ctx context.Context, scope *reactive.Scope, s *Store, m *Model[T], group string, wheres ...WhereOption) ([]*T, error) {
	var cs []docdb.Constraint
	for _, w := range wheres {
		cs = append(cs, docdb.Where(w.Field, w.Op, w.Value))
	}
	docs, err := s.db.GetAll(ctx, docdb.NewGroupQuery(group, cs...))
	if err != nil {
		return nil, fmt.Errorf("query group %s: %w", group, accessDenied(err, "access", group))
	}

	var out []*T
	seen := make(map[string]bool)
	for _, d := range docs {
		parent, ok := docdb.Collection(d.Ref.Collection).Parent()
		if !ok || seen[parent.Path()] {
			continue
		}
		seen[parent.Path()] = true
		t, release, err := acquireRef(s, m, parent)
		if err != nil {
			return nil, err
		}
		if scope != nil {
			scope.OnDispose(release)
		}
		if err := baseOf(t).meta.Refresh(ctx); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

package orm

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/reactive"
	"go.opentelemetry.io/otel/attribute"
)

// chunk is one loaded page and its live subscription.
type chunk[T any] struct {
	snaps  []docdb.Snapshot
	items  []*T
	stop   func()
	loaded bool
}

type heldEntity[T any] struct {
	t       *T
	release func()
}

// Query pages through a collection. Every page stays subscribed, so the list follows
// additions and removals in loaded pages. Requests run one at a time in call order.
type Query[T any] struct {
	store *Store
	model *Model[T]
	base  docdb.Query
	list  *reactive.List[*T]

	// properties excluded from the sub-collection handling of loaded entities
	blacklist []string

	mu        sync.Mutex
	destroyed chan struct{}
	tail      chan struct{}
	chunks    []*chunk[T]
	held      map[string]heldEntity[T]
	rank      map[string]int
	detached  bool
	err       error
}

// NewQuery returns a query over base whose results are entities of m.
func NewQuery[T any](s *Store, m *Model[T], base docdb.Query) *Query[T] {
	s.ensure(m)
	return &Query[T]{
		store:     s,
		model:     m,
		base:      base,
		list:      reactive.NewList[*T](),
		held:      make(map[string]heldEntity[T]),
		destroyed: make(chan struct{}),
	}
}

// List returns the live result list.
func (q *Query[T]) List() *reactive.List[*T] {
	return q.list
}

// Err returns the last error of a live page subscription.
func (q *Query[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// enqueue runs fn after every previously enqueued request finished. A request whose
// context ends while waiting is skipped; its successors still wait for its predecessor.
func (q *Query[T]) enqueue(ctx context.Context, fn func() error) error {
	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		return ErrQueryDestroyed
	}
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				close(done)
			}()
			return ctx.Err()
		}
	}
	defer close(done)
	return fn()
}

// Next loads the page of size documents following the last loaded one. A size of zero
// loads every remaining document.
func (q *Query[T]) Next(ctx context.Context, size int, extra ...docdb.Constraint) error {
	ctx, span := q.store.tracer.Start(ctx, "orm.Query.Next")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.base.Collection), attribute.Int("size", size))

	err := q.enqueue(ctx, func() error {
		cs := append([]docdb.Constraint(nil), extra...)
		if size > 0 {
			cs = append(cs, docdb.Limit(size))
		}
		if cursor, ok := q.cursor(); ok {
			cs = append(cs, docdb.StartAfter(cursor))
		}
		_, err := q.subscribe(ctx, q.base.With(cs...))
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// NextFrom loads the page of size documents starting at index start of the query,
// ignoring what was loaded before. Nothing is loaded when the query has no more than
// start documents.
func (q *Query[T]) NextFrom(ctx context.Context, start, size int, extra ...docdb.Constraint) error {
	ctx, span := q.store.tracer.Start(ctx, "orm.Query.NextFrom")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.base.Collection), attribute.Int("start", start))

	err := q.enqueue(ctx, func() error {
		cs := append([]docdb.Constraint(nil), extra...)
		if start > 0 {
			skip, err := q.store.db.GetAll(ctx, q.base.With(append(cs, docdb.Limit(start))...))
			if err != nil {
				return fmt.Errorf("query %s: %w", q.base.Collection, accessDenied(err, "access", q.base.Collection))
			}
			if len(skip) < start {
				return nil
			}
			cs = append(cs, docdb.StartAfter(skip[start-1]))
		}
		if size > 0 {
			cs = append(cs, docdb.Limit(size))
		}
		_, err := q.subscribe(ctx, q.base.With(cs...))
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// cursor returns the last document of the last non-empty page.
func (q *Query[T]) cursor() (docdb.Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(q.chunks) - 1; i >= 0; i-- {
		if snaps := q.chunks[i].snaps; len(snaps) > 0 {
			return snaps[len(snaps)-1], true
		}
	}
	return docdb.Snapshot{}, false
}

// subscribe adds a live page for query and waits for its first result. It returns the
// number of documents in that result.
func (q *Query[T]) subscribe(ctx context.Context, query docdb.Query) (int, error) {
	c := &chunk[T]{}
	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		return 0, ErrQueryDestroyed
	}
	q.chunks = append(q.chunks, c)
	q.mu.Unlock()

	first := make(chan int, 1)
	firstErr := make(chan error, 1)
	var once sync.Once
	stop := q.store.db.OnQuerySnapshot(query, func(qs docdb.QuerySnapshot) {
		q.applyChunk(c, qs)
		once.Do(func() { first <- len(qs.Docs) })
	}, func(err error) {
		delivered := false
		once.Do(func() {
			firstErr <- err
			delivered = true
		})
		if !delivered {
			q.store.logger.Error("query subscription failed", slog.String("collection", query.Collection), slog.Any("err", err))
			q.mu.Lock()
			q.err = accessDenied(err, "access", query.Collection)
			q.mu.Unlock()
		}
	})

	q.mu.Lock()
	if q.detached {
		q.mu.Unlock()
		stop()
		return 0, ErrQueryDestroyed
	}
	c.stop = stop
	q.mu.Unlock()

	select {
	case n := <-first:
		return n, nil
	case err := <-firstErr:
		stop()
		q.mu.Lock()
		q.chunks = slices.DeleteFunc(q.chunks, func(x *chunk[T]) bool { return x == c })
		q.mu.Unlock()
		return 0, fmt.Errorf("query %s: %w", query.Collection, accessDenied(err, "access", query.Collection))
	case <-q.destroyed:
		return 0, ErrQueryDestroyed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// applyChunk updates a page from a snapshot of its subscription. A change set holding
// only modifications leaves the list alone; the entities update through their own
// subscription.
func (q *Query[T]) applyChunk(c *chunk[T], qs docdb.QuerySnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.detached {
		return
	}
	if c.loaded && qs.OnlyModified() {
		c.snaps = qs.Docs
		return
	}
	items := make([]*T, 0, len(qs.Docs))
	for _, snap := range qs.Docs {
		t, err := q.holdLocked(snap)
		if err != nil {
			q.store.logger.Warn("skip query result", slog.String("path", snap.Ref.Path()), slog.Any("err", err))
			continue
		}
		items = append(items, t)
	}
	c.snaps, c.items, c.loaded = qs.Docs, items, true
	q.rebuildLocked()
}

// holdLocked returns the cached entity of snap, acquired once for the query's lifetime.
func (q *Query[T]) holdLocked(snap docdb.Snapshot) (*T, error) {
	path := snap.Ref.Path()
	if h, ok := q.held[path]; ok {
		return h.t, nil
	}
	t, release, err := transform(q.store, q.model, snap)
	if err != nil {
		return nil, err
	}
	baseOf(t).meta.addBlacklist(q.blacklist)
	q.held[path] = heldEntity[T]{t: t, release: release}
	return t, nil
}

func (q *Query[T]) rebuildLocked() {
	var items []*T
	seen := make(map[*T]bool)
	for _, c := range q.chunks {
		for _, t := range c.items {
			if !seen[t] {
				seen[t] = true
				items = append(items, t)
			}
		}
	}
	if q.rank != nil {
		slices.SortStableFunc(items, func(a, b *T) int {
			return cmp.Compare(q.rankOf(a), q.rankOf(b))
		})
	}
	q.list.Replace(items)
}

func (q *Query[T]) rankOf(t *T) int {
	if r, ok := q.rank[baseOf(t).ID()]; ok {
		return r
	}
	return len(q.rank)
}

// detach stops every page subscription and settles requests waiting for a first
// result. The list keeps its last content.
func (q *Query[T]) detach() {
	q.mu.Lock()
	if !q.detached {
		q.detached = true
		close(q.destroyed)
	}
	var stops []func()
	for _, c := range q.chunks {
		if c.stop != nil {
			stops = append(stops, c.stop)
		}
	}
	q.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// release gives back every entity the query acquired.
func (q *Query[T]) release() {
	q.mu.Lock()
	held := q.held
	q.held = make(map[string]heldEntity[T])
	q.mu.Unlock()
	for _, h := range held {
		h.release()
	}
}

// Destroy stops the query and releases its entities. Later requests fail with
// ErrQueryDestroyed.
func (q *Query[T]) Destroy() {
	q.detach()
	q.release()
}

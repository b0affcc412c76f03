package orm

import (
	"context"
	"fmt"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/search"
	"go.opentelemetry.io/otel/attribute"
)

// QuerySearch pages through the documents of a collection matching a full-text search.
// Hits are loaded by id in batches of at most docdb.MaxInValues. Without an explicit
// ordering the list keeps the relevance order of the hits.
type QuerySearch[T any] struct {
	*Query[T]
	text  string
	index search.Index

	// written by queued requests; hits is also guarded by the query's mu
	hits     []search.Hit
	searched bool
	next     int
}

// NewQuerySearch returns a search over base for text. The index is named after the
// collection id.
func NewQuerySearch[T any](s *Store, m *Model[T], base docdb.Query, text string) *QuerySearch[T] {
	name := docdb.Collection(base.Collection).ID()
	return &QuerySearch[T]{
		Query: NewQuery(s, m, base),
		text:  text,
		index: s.search.Index(name),
	}
}

// Next loads documents for the following hits until size documents were loaded or the
// hits are exhausted. A size of zero loads every hit.
func (q *QuerySearch[T]) Next(ctx context.Context, size int, extra ...docdb.Constraint) error {
	ctx, span := q.store.tracer.Start(ctx, "orm.QuerySearch.Next")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.base.Collection), attribute.Int("size", size))

	err := q.enqueue(ctx, func() error {
		if err := q.searchOnce(ctx); err != nil {
			return err
		}
		return q.load(ctx, size, extra)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// NextFrom moves the hit cursor to start, then loads like Next.
func (q *QuerySearch[T]) NextFrom(ctx context.Context, start, size int, extra ...docdb.Constraint) error {
	ctx, span := q.store.tracer.Start(ctx, "orm.QuerySearch.NextFrom")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.base.Collection), attribute.Int("start", start))

	err := q.enqueue(ctx, func() error {
		if err := q.searchOnce(ctx); err != nil {
			return err
		}
		if start >= len(q.hits) {
			return nil
		}
		q.next = start
		return q.load(ctx, size, extra)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Hits returns the number of search hits, once the search ran.
func (q *QuerySearch[T]) Hits() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.hits)
}

func (q *QuerySearch[T]) searchOnce(ctx context.Context) error {
	if q.searched {
		return nil
	}
	hits, err := q.index.Search(ctx, q.text)
	if err != nil {
		return fmt.Errorf("search %s: %w", q.base.Collection, err)
	}
	var rank map[string]int
	if len(q.base.Orders) == 0 {
		rank = make(map[string]int, len(hits))
		for i, h := range hits {
			if _, ok := rank[h.ObjectID]; !ok {
				rank[h.ObjectID] = i
			}
		}
	}
	q.mu.Lock()
	q.hits, q.searched = hits, true
	if rank != nil {
		q.rank = rank
	}
	q.mu.Unlock()
	return nil
}

func (q *QuerySearch[T]) load(ctx context.Context, size int, extra []docdb.Constraint) error {
	loaded := 0
	for q.next < len(q.hits) && (size <= 0 || loaded < size) {
		batch := docdb.MaxInValues
		if size > 0 {
			batch = min(batch, size-loaded)
		}
		end := min(q.next+batch, len(q.hits))
		ids := make([]any, 0, end-q.next)
		for _, h := range q.hits[q.next:end] {
			ids = append(ids, h.ObjectID)
		}
		q.next = end

		cs := append(append([]docdb.Constraint(nil), extra...), docdb.Where(docdb.DocumentID, docdb.OpIn, ids))
		n, err := q.subscribe(ctx, q.base.With(cs...))
		if err != nil {
			return err
		}
		loaded += n
	}
	return nil
}

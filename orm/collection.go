package orm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/reactive"
)

// WhereOption is a field filter of a collection.
type WhereOption struct {
	Field string
	Op    docdb.Op
	Value any
}

// OrderOption is a sort key of a collection.
type OrderOption struct {
	Field     string
	Direction docdb.Direction
}

// ConstraintType is the kind of a CompositeConstraint node.
type ConstraintType string

const (
	ConstraintOr    ConstraintType = "OR"
	ConstraintAnd   ConstraintType = "AND"
	ConstraintWhere ConstraintType = "WHERE"
)

// CompositeConstraint is a tree of filters. WHERE nodes are leaves holding Where; OR and
// AND nodes combine their Constraints.
type CompositeConstraint struct {
	Type        ConstraintType
	Constraints []CompositeConstraint
	Where       WhereOption
}

func (c CompositeConstraint) filter() (docdb.Filter, error) {
	switch c.Type {
	case ConstraintWhere:
		return docdb.Where(c.Where.Field, c.Where.Op, c.Where.Value), nil
	case ConstraintAnd, ConstraintOr:
		filters := make([]docdb.Filter, 0, len(c.Constraints))
		for _, sub := range c.Constraints {
			f, err := sub.filter()
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
		if c.Type == ConstraintOr {
			return docdb.Or(filters...), nil
		}
		return docdb.And(filters...), nil
	}
	return nil, invariantf("unknown composite constraint type %q", c.Type)
}

// Range selects result indexes [Start, End).
type Range struct {
	Start int
	End   int
}

// CollectionOptions configures a live collection. A zero Limit loads every document.
type CollectionOptions struct {
	Wheres                []WhereOption
	Orders                []OrderOption
	Limit                 int
	Search                string
	Composite             *CompositeConstraint
	Path                  string
	BlacklistedProperties []string
	Range                 *Range
}

func (o CollectionOptions) query(collection string) (docdb.Query, error) {
	if len(o.Wheres) > 0 && o.Composite != nil {
		return docdb.Query{}, invariantf("wheres and composite constraints cannot be combined")
	}
	path := collection
	if o.Path != "" {
		path = o.Path
	}
	var cs []docdb.Constraint
	for _, w := range o.Wheres {
		cs = append(cs, docdb.Where(w.Field, w.Op, w.Value))
	}
	if o.Composite != nil {
		f, err := o.Composite.filter()
		if err != nil {
			return docdb.Query{}, err
		}
		cs = append(cs, f)
	}
	for _, ord := range o.Orders {
		dir := ord.Direction
		if dir == "" {
			dir = docdb.Asc
		}
		cs = append(cs, docdb.OrderBy(ord.Field, dir))
	}
	return docdb.NewQuery(path, cs...), nil
}

// pager is a Query or a QuerySearch.
type pager[T any] interface {
	Next(ctx context.Context, size int, extra ...docdb.Constraint) error
	NextFrom(ctx context.Context, start, size int, extra ...docdb.Constraint) error
	List() *reactive.List[*T]
	Err() error
	detach()
	release()
	Destroy()
}

// Collection is a live list of the entities matching its options. Changing the options
// re-fetches it; the entities of the previous result are released once the new one is
// loaded.
type Collection[T any] struct {
	*reactive.List[*T]
	store *Store
	model *Model[T]
	base  *docdb.Query

	mu         sync.Mutex
	opts       CollectionOptions
	pager      pager[T]
	stopSync   func()
	generation int
	pending    int
	idle       chan struct{}
	err        error
	closed     bool
}

// UseCollection returns the live collection of m configured by opts. It is closed when
// scope is disposed.
func UseCollection[T any](scope *reactive.Scope, s *Store, m *Model[T], opts CollectionOptions) *Collection[T] {
	return newCollection(scope, s, m, nil, opts)
}

// UseModelListQuery returns a live list over a caller-built query, restricted to the
// result indexes of rng when given.
func UseModelListQuery[T any](scope *reactive.Scope, s *Store, m *Model[T], q docdb.Query, rng *Range) *Collection[T] {
	return newCollection(scope, s, m, &q, CollectionOptions{Range: rng})
}

func newCollection[T any](scope *reactive.Scope, s *Store, m *Model[T], base *docdb.Query, opts CollectionOptions) *Collection[T] {
	s.ensure(m)
	c := &Collection[T]{
		List:  reactive.NewList[*T](),
		store: s,
		model: m,
		base:  base,
		opts:  opts,
	}
	if scope != nil {
		scope.OnDispose(c.Close)
	}
	c.refetch()
	return c
}

// Options returns the current options.
func (c *Collection[T]) Options() CollectionOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Fetched waits until the pending fetches completed and returns the error of the last
// one.
func (c *Collection[T]) Fetched(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.Err()
}

// IsUpdating reports whether a fetch is in flight.
func (c *Collection[T]) IsUpdating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}

// Err returns the error of the last fetch, or of the live subscription.
func (c *Collection[T]) Err() error {
	c.mu.Lock()
	err, p := c.err, c.pager
	c.mu.Unlock()
	if err != nil || p == nil {
		return err
	}
	return p.Err()
}

func (c *Collection[T]) SetWheres(wheres ...WhereOption) {
	c.update(func(o *CollectionOptions) { o.Wheres = wheres })
}

func (c *Collection[T]) SetOrders(orders ...OrderOption) {
	c.update(func(o *CollectionOptions) { o.Orders = orders })
}

func (c *Collection[T]) SetSearch(text string) {
	c.update(func(o *CollectionOptions) { o.Search = text })
}

func (c *Collection[T]) SetComposite(composite *CompositeConstraint) {
	c.update(func(o *CollectionOptions) { o.Composite = composite })
}

func (c *Collection[T]) SetRange(rng *Range) {
	c.update(func(o *CollectionOptions) { o.Range = rng })
}

// SetLimit changes the number of loaded documents. Raising it loads the missing ones
// without re-fetching.
func (c *Collection[T]) SetLimit(limit int) {
	c.mu.Lock()
	prev := c.opts.Limit
	p := c.pager
	grow := p != nil && c.pending == 0 && c.opts.Range == nil && prev > 0 && limit > prev
	if !grow {
		c.mu.Unlock()
		c.update(func(o *CollectionOptions) { o.Limit = limit })
		return
	}
	c.opts.Limit = limit
	gen := c.beginLocked()
	c.mu.Unlock()

	go func() {
		err := p.Next(c.store.ctx, limit-prev)
		c.finish(gen, err)
	}()
}

func (c *Collection[T]) update(fn func(o *CollectionOptions)) {
	c.mu.Lock()
	fn(&c.opts)
	c.mu.Unlock()
	c.refetch()
}

// beginLocked registers a pending fetch.
func (c *Collection[T]) beginLocked() int {
	if c.pending == 0 {
		c.idle = make(chan struct{})
	}
	c.pending++
	return c.generation
}

// finish ends a pending fetch, recording its error when it is still current.
func (c *Collection[T]) finish(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.generation {
		c.err = err
	}
	c.pending--
	if c.pending == 0 {
		close(c.idle)
		c.idle = nil
	}
}

func (c *Collection[T]) refetch() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.beginLocked()
	old, stopSync := c.pager, c.stopSync
	c.pager, c.stopSync = nil, nil
	c.err = nil
	opts := c.opts
	c.mu.Unlock()

	if stopSync != nil {
		stopSync()
	}
	if old != nil {
		old.detach()
	}
	c.List.Clear()
	go c.load(gen, opts, old)
}

func (c *Collection[T]) newPager(opts CollectionOptions) (pager[T], error) {
	var q docdb.Query
	if c.base != nil {
		q = *c.base
	} else {
		var err error
		if q, err = opts.query(c.model.Name()); err != nil {
			return nil, err
		}
	}
	if opts.Search != "" {
		qs := NewQuerySearch(c.store, c.model, q, opts.Search)
		qs.blacklist = opts.BlacklistedProperties
		return qs, nil
	}
	query := NewQuery(c.store, c.model, q)
	query.blacklist = opts.BlacklistedProperties
	return query, nil
}

func (c *Collection[T]) load(gen int, opts CollectionOptions, old pager[T]) {
	if old != nil {
		defer old.release()
	}
	p, err := c.newPager(opts)
	if err == nil {
		if opts.Range != nil {
			err = p.NextFrom(c.store.ctx, opts.Range.Start, max(opts.Range.End-opts.Range.Start, 0))
		} else {
			err = p.Next(c.store.ctx, opts.Limit)
		}
	}
	if err != nil {
		c.store.logger.Warn("collection fetch failed", slog.String("model", c.model.Name()), slog.Any("err", err))
	}

	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		if p != nil {
			p.Destroy()
		}
		c.finish(gen, err)
		return
	}
	if p != nil {
		c.pager = p
		c.stopSync = p.List().Watch(func(_, _ []*T) {
			c.mu.Lock()
			current := c.pager == p
			c.mu.Unlock()
			if current {
				c.List.Replace(p.List().Items())
			}
		})
	}
	c.mu.Unlock()

	if p != nil {
		c.List.Replace(p.List().Items())
	}
	c.finish(gen, err)
}

// Close stops the collection and releases its entities.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	p, stopSync := c.pager, c.stopSync
	c.pager, c.stopSync = nil, nil
	c.mu.Unlock()

	if stopSync != nil {
		stopSync()
	}
	if p != nil {
		p.Destroy()
	}
}

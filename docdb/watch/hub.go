// Package watch implements the live change feed shared by the docdb backends.
//
// Backends publish every committed change; the hub re-evaluates the listeners in scope and
// delivers snapshots through per-listener mailboxes, so a slow listener never blocks a
// writer and every listener observes its snapshots in commit order.
package watch

import (
	"sync"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/docquery"
)

// Change is a committed mutation of one document.
type Change struct {
	Ref    docdb.DocumentRef
	After  docdb.Data
	Exists bool
}

// Runner evaluates a query against the current store state.
type Runner func(q docdb.Query) ([]docdb.Snapshot, error)

// Loader reads a single document from the current store state.
type Loader func(ref docdb.DocumentRef) (docdb.Snapshot, error)

// Hub fans committed changes out to listeners.
type Hub struct {
	mu      sync.Mutex
	nextID  int
	docs    map[string]map[int]*docListener
	queries map[int]*queryListener

	run  Runner
	load Loader
}

// NewHub creates a hub reading state through run and load.
func NewHub(run Runner, load Loader) *Hub {
	return &Hub{
		docs:    make(map[string]map[int]*docListener),
		queries: make(map[int]*queryListener),
		run:     run,
		load:    load,
	}
}

type docListener struct {
	box     *mailbox
	onNext  func(docdb.Snapshot)
	onError func(error)
}

type queryListener struct {
	mu      sync.Mutex
	q       docdb.Query
	box     *mailbox
	last    []docdb.Snapshot
	onNext  func(docdb.QuerySnapshot)
	onError func(error)
	stopped bool
}

// Fail returns a stop function for a listener that failed before subscribing,
// delivering err asynchronously like any other listener error.
func Fail(err error, onError func(error)) (stop func()) {
	box := newMailbox()
	box.post(func() {
		if onError != nil {
			onError(err)
		}
		box.close()
	})
	return box.close
}

// WatchDoc registers a document listener and delivers the current state.
func (h *Hub) WatchDoc(ref docdb.DocumentRef, onNext func(docdb.Snapshot), onError func(error)) (stop func()) {
	l := &docListener{box: newMailbox(), onNext: onNext, onError: onError}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	path := ref.Path()
	if h.docs[path] == nil {
		h.docs[path] = make(map[int]*docListener)
	}
	h.docs[path][id] = l
	// the initial read happens under the hub lock so no change can slip in between
	snap, err := h.load(ref)
	if err != nil {
		l.box.post(func() { l.fail(err) })
	} else {
		l.box.post(func() { l.onNext(snap) })
	}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.docs[path], id)
		if len(h.docs[path]) == 0 {
			delete(h.docs, path)
		}
		h.mu.Unlock()
		l.box.close()
	}
}

func (l *docListener) fail(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

// WatchQuery registers a query listener and delivers the current result.
func (h *Hub) WatchQuery(q docdb.Query, onNext func(docdb.QuerySnapshot), onError func(error)) (stop func()) {
	l := &queryListener{q: q, box: newMailbox(), onNext: onNext, onError: onError}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.queries[id] = l
	h.refreshQuery(l)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.queries, id)
		h.mu.Unlock()
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		l.box.close()
	}
}

// refreshQuery re-runs the listener's query and posts the diff. Called with h.mu held.
func (h *Hub) refreshQuery(l *queryListener) {
	docs, err := h.run(l.q)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if err != nil {
		l.box.post(func() {
			if l.onError != nil {
				l.onError(err)
			}
		})
		return
	}
	first := l.last == nil
	changes := docquery.Diff(l.last, docs)
	if !first && len(changes) == 0 {
		return
	}
	if docs == nil {
		docs = []docdb.Snapshot{}
	}
	l.last = docs
	snap := docdb.QuerySnapshot{Docs: docs, Changes: changes}
	l.box.post(func() { l.onNext(snap) })
}

// Publish delivers committed changes to the listeners in scope.
func (h *Hub) Publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range changes {
		snap := docdb.Snapshot{Ref: c.Ref, Data: docquery.Clone(c.After), Exists: c.Exists}
		for _, l := range h.docs[c.Ref.Path()] {
			l := l
			l.box.post(func() { l.onNext(snap) })
		}
	}

	for _, l := range h.queries {
		for _, c := range changes {
			if l.q.MatchesCollection(c.Ref.Collection) {
				h.refreshQuery(l)
				break
			}
		}
	}
}

// Close stops every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for path, ls := range h.docs {
		for _, l := range ls {
			l.box.close()
		}
		delete(h.docs, path)
	}
	for id, l := range h.queries {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
		l.box.close()
		delete(h.queries, id)
	}
}

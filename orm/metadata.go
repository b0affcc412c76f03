package orm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/docquery"
	"github.com/add-eus/library/reactive"
	"go.opentelemetry.io/otel/attribute"
)

// Public entity events.
const (
	EventGet     = "get"
	EventSet     = "set"
	EventParsed  = "parsed"
	EventSaved   = "saved"
	EventDeleted = "deleted"
	EventDestroy = "destroy"
	EventError   = "error"
)

// Internal hooks every bound field listens to.
const (
	hookParse  = "parse"
	hookFormat = "format"
	hookSaved  = "saved"
)

type parseRun struct {
	env      *ParseEnv
	raw      docdb.Data
	forceAll bool
	errs     []error
}

type formatRun struct {
	out       docdb.Data
	forceAll  bool
	persisted bool
	errs      []error
}

// collectionProperty is a declared sub-collection of an entity.
type collectionProperty struct {
	target    modelInfo
	blacklist []string
	sub       subCollectionBinder
}

type fetchCall struct {
	done chan struct{}
	err  error
}

type heldRef struct {
	doc     Document
	release func()
}

// EntityMetaData is the sync state of one entity: its reference, the last persisted
// data, its fields and its live subscription.
//
// mu guards field values and origin; stateMu guards the lifecycle flags. stateMu is never
// held while taking mu.
type EntityMetaData struct {
	store *Store
	model modelInfo
	doc   Document

	hooks  EventEmitter
	events EventEmitter
	scope  *reactive.Scope

	mu             sync.Mutex
	origin         docdb.Data
	previousOrigin docdb.Data
	properties     []property
	collections    map[string]*collectionProperty
	collectionKeys []string

	stateMu     sync.Mutex
	reference   docdb.DocumentRef
	hasRef      bool
	newDocPath  string
	blacklisted []string
	fulfilled   bool
	deleted     bool
	destroyed   bool
	stopWatch   func()
	fulfilling  *fetchCall
	held        map[string]heldRef
}

func newMetadata(store *Store, model modelInfo, doc Document) *EntityMetaData {
	return &EntityMetaData{
		store:       store,
		model:       model,
		doc:         doc,
		scope:       reactive.NewScope(),
		origin:      docdb.Data{},
		collections: make(map[string]*collectionProperty),
		held:        make(map[string]heldRef),
	}
}

// On subscribes to a public entity event.
func (m *EntityMetaData) On(event string, fn Listener) (off func()) {
	return m.events.On(event, fn)
}

// Reference returns the persisted location and whether there is one.
func (m *EntityMetaData) Reference() (docdb.DocumentRef, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.reference, m.hasRef
}

// Origin returns a copy of the last known persisted data.
func (m *EntityMetaData) Origin() docdb.Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	return docquery.Clone(m.origin)
}

// PreviousOrigin returns a copy of the persisted data before the last update.
func (m *EntityMetaData) PreviousOrigin() docdb.Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	return docquery.Clone(m.previousOrigin)
}

func (m *EntityMetaData) IsFulfilled() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.fulfilled
}

func (m *EntityMetaData) IsDeleted() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.deleted
}

func (m *EntityMetaData) IsDestroyed() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.destroyed
}

// SetReference binds the entity to a persisted location and starts watching it.
// The reference is set once: binding the same path again is a no-op, another path fails
// with ErrReferenceAlreadySet.
func (m *EntityMetaData) SetReference(ref docdb.DocumentRef) error {
	bound, err := m.bind(ref)
	if err != nil || !bound {
		return err
	}
	m.watch()
	return nil
}

// bind sets the reference without starting the live subscription. It reports whether
// the reference was newly set.
func (m *EntityMetaData) bind(ref docdb.DocumentRef) (bool, error) {
	if m.model.Embedded() {
		return false, invariantf("embedded %s entities cannot be persisted on their own", m.model.Name())
	}
	m.stateMu.Lock()
	if m.hasRef {
		same := m.reference.Path() == ref.Path()
		m.stateMu.Unlock()
		if same {
			return false, nil
		}
		return false, fmt.Errorf("%w: bound to %s, not %s", ErrReferenceAlreadySet, m.reference.Path(), ref.Path())
	}
	m.reference, m.hasRef = ref, true
	m.stateMu.Unlock()
	return true, nil
}

// watch subscribes to remote changes of the referenced document. The snapshot delivered
// at subscription time is skipped unless it carries data the entity has not seen.
func (m *EntityMetaData) watch() {
	m.stateMu.Lock()
	if m.stopWatch != nil || m.destroyed || !m.hasRef {
		m.stateMu.Unlock()
		return
	}
	ref := m.reference
	m.stopWatch = func() {}
	m.stateMu.Unlock()

	first := true
	stop := m.store.db.OnSnapshot(ref, func(snap docdb.Snapshot) {
		if m.IsDestroyed() {
			return
		}
		if first {
			first = false
			if !snap.Exists || !m.IsFulfilled() {
				return
			}
			m.mu.Lock()
			seen := docquery.Equal(m.origin, snap.Data)
			m.mu.Unlock()
			if seen {
				return
			}
		}
		if !snap.Exists {
			m.MarkAsDeleted()
			return
		}
		if err := m.applyData(snap.Data); err != nil {
			m.fail(err)
		}
	}, func(err error) {
		m.fail(accessDenied(err, "access", ref.Path()))
	})

	m.stateMu.Lock()
	if m.destroyed {
		m.stateMu.Unlock()
		stop()
		return
	}
	m.stopWatch = stop
	m.stateMu.Unlock()
}

func (m *EntityMetaData) fail(err error) {
	ref, _ := m.Reference()
	m.store.logger.Error("entity sync failed", slog.String("path", ref.Path()), slog.Any("err", err))
	m.events.Emit(EventError, err)
}

// StopWatch ends the live subscription without destroying the entity.
func (m *EntityMetaData) StopWatch() {
	m.stateMu.Lock()
	stop := m.stopWatch
	m.stopWatch = nil
	m.stateMu.Unlock()
	if stop != nil {
		stop()
	}
}

// applyData records data as the persisted state and parses it into unchanged fields.
func (m *EntityMetaData) applyData(data docdb.Data) error {
	m.mu.Lock()
	m.previousOrigin = m.origin
	m.origin = docquery.Clone(data)
	if m.origin == nil {
		m.origin = docdb.Data{}
	}
	err := m.parseLocked(m.origin, false)
	m.mu.Unlock()

	m.stateMu.Lock()
	m.fulfilled = true
	m.stateMu.Unlock()

	m.events.Emit(EventParsed)
	return err
}

// applySnapshot hydrates the entity from a fetched snapshot.
func (m *EntityMetaData) applySnapshot(snap docdb.Snapshot) error {
	if !snap.Exists {
		m.MarkAsDeleted()
		return nil
	}
	return m.applyData(snap.Data)
}

// parseOrigin sets data as origin and parses every field from it.
func (m *EntityMetaData) parseOrigin(data docdb.Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origin = docquery.Clone(data)
	return m.parseLocked(m.origin, true)
}

func (m *EntityMetaData) parseLocked(raw docdb.Data, forceAll bool) error {
	run := &parseRun{env: &ParseEnv{store: m.store, owner: m}, raw: raw, forceAll: forceAll}
	m.hooks.Emit(hookParse, run)
	return errors.Join(run.errs...)
}

func (m *EntityMetaData) formatLocked(forceAll bool) (docdb.Data, error) {
	_, persisted := m.Reference()
	run := &formatRun{out: docdb.Data{}, forceAll: forceAll, persisted: persisted}
	m.hooks.Emit(hookFormat, run)
	return run.out, errors.Join(run.errs...)
}

func (m *EntityMetaData) format(forceAll bool) (docdb.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.formatLocked(forceAll)
}

// markSaved resets the change baseline of every field to its current value.
func (m *EntityMetaData) markSaved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks.Emit(hookSaved)
}

func (m *EntityMetaData) hasChanged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.properties {
		if p.changed() {
			return true
		}
	}
	return false
}

// Refresh fetches the document once. Concurrent calls share the in-flight fetch and a
// successful fetch is not repeated. A missing document marks the entity deleted.
func (m *EntityMetaData) Refresh(ctx context.Context) error {
	m.stateMu.Lock()
	if !m.hasRef {
		m.stateMu.Unlock()
		return nil
	}
	ref := m.reference
	call := m.fulfilling
	if call == nil {
		call = &fetchCall{done: make(chan struct{})}
		m.fulfilling = call
		go m.fetch(ref, call)
	}
	m.stateMu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *EntityMetaData) fetch(ref docdb.DocumentRef, call *fetchCall) {
	defer close(call.done)
	ctx, span := m.store.tracer.Start(m.store.ctx, "orm.Refresh")
	span.SetAttributes(attribute.String("path", ref.Path()))
	defer span.End()

	snap, err := m.store.db.Get(ctx, ref)
	if err == nil {
		err = m.applySnapshot(snap)
	}
	if err != nil {
		call.err = fmt.Errorf("get %s: %w", ref.Path(), accessDenied(err, "access", ref.Path()))
		span.RecordError(call.err)
		m.stateMu.Lock()
		m.fulfilling = nil
		m.stateMu.Unlock()
	}
}

// WaitFulfilled waits for the in-flight fetch, if any.
func (m *EntityMetaData) WaitFulfilled(ctx context.Context) error {
	m.stateMu.Lock()
	call := m.fulfilling
	m.stateMu.Unlock()
	if call == nil {
		return nil
	}
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// touch reports a field read and starts lazy hydration when needed.
func (m *EntityMetaData) touch(name string) {
	m.events.Emit(EventGet, name)

	m.stateMu.Lock()
	need := m.hasRef && !m.fulfilled && !m.deleted && !m.destroyed && m.fulfilling == nil
	m.stateMu.Unlock()
	if !need {
		return
	}
	go func() {
		if err := m.Refresh(m.store.ctx); err != nil {
			m.fail(err)
		}
	}()
}

// MarkAsDeleted moves the entity to its terminal deleted state.
func (m *EntityMetaData) MarkAsDeleted() {
	m.stateMu.Lock()
	already := m.deleted
	m.deleted = true
	m.stateMu.Unlock()
	if !already {
		m.events.Emit(EventDeleted)
	}
}

// Destroy stops the live subscription and releases every entity this one references.
// Repeated calls are no-ops.
func (m *EntityMetaData) Destroy() {
	m.stateMu.Lock()
	if m.destroyed {
		m.stateMu.Unlock()
		return
	}
	m.destroyed = true
	stop := m.stopWatch
	m.stopWatch = nil
	held := m.held
	m.held = make(map[string]heldRef)
	m.stateMu.Unlock()

	m.events.Emit(EventDestroy)
	if stop != nil {
		stop()
	}
	m.scope.Dispose()
	for _, h := range held {
		h.release()
	}
}

// hold returns the referenced entity at path, acquiring it from the cache once per
// owner. Held entities are released when the owner is destroyed.
func (m *EntityMetaData) hold(path string, acquire func() (Document, func(), error)) (Document, error) {
	m.stateMu.Lock()
	if h, ok := m.held[path]; ok {
		m.stateMu.Unlock()
		return h.doc, nil
	}
	m.stateMu.Unlock()

	doc, release, err := acquire()
	if err != nil {
		return nil, err
	}

	m.stateMu.Lock()
	if h, ok := m.held[path]; ok {
		m.stateMu.Unlock()
		release()
		return h.doc, nil
	}
	if m.destroyed {
		m.stateMu.Unlock()
		release()
		return doc, nil
	}
	m.held[path] = heldRef{doc: doc, release: release}
	m.stateMu.Unlock()
	return doc, nil
}

// addBlacklist excludes properties from sub-collection handling.
func (m *EntityMetaData) addBlacklist(names []string) {
	if len(names) == 0 {
		return
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	for _, n := range names {
		if !slices.Contains(m.blacklisted, n) {
			m.blacklisted = append(m.blacklisted, n)
		}
	}
}

// InitSubCollections binds every declared sub-collection to its path under the entity.
// New entities bind without a path; their sub-collections are bound on first save.
func (m *EntityMetaData) InitSubCollections(isNew bool) error {
	ref, hasRef := m.Reference()
	m.stateMu.Lock()
	blacklisted := m.blacklisted
	m.stateMu.Unlock()

	for _, name := range m.collectionKeys {
		if slices.Contains(blacklisted, name) {
			continue
		}
		cp := m.collections[name]
		if !isNew && !hasRef {
			return invariantf("sub-collection %s initialized on an entity without reference", name)
		}
		if _, ok := m.store.namespace(cp.target.Name()); !ok {
			return invariantf("namespace %s of sub-collection %s is not registered", cp.target.Name(), name)
		}
		path := ""
		if !isNew {
			path = ref.Sub(name).Path
		}
		cp.sub.init(m, path, cp.blacklist)
	}
	return nil
}

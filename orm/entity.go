package orm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/add-eus/library/docdb"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// propagationParallelism bounds concurrent writes to duplicate locations.
const propagationParallelism = 8

// Document is implemented by every model struct through its embedded Entity.
type Document interface {
	Base() *Entity
}

// Entity is embedded by model structs. It carries the entity's metadata and implements
// the persistence lifecycle.
type Entity struct {
	meta *EntityMetaData
}

func (e *Entity) Base() *Entity {
	return e
}

func baseOf[T any](t *T) *Entity {
	return any(t).(Document).Base()
}

// Metadata returns the entity's sync state.
func (e *Entity) Metadata() *EntityMetaData {
	return e.meta
}

func (e *Entity) mustMeta() *EntityMetaData {
	if e.meta == nil {
		panic(invariantf("entity has no metadata; create entities through their Model"))
	}
	return e.meta
}

// ID returns the document id, or "" for an entity never saved.
func (e *Entity) ID() string {
	if e == nil || e.meta == nil {
		return ""
	}
	ref, ok := e.meta.Reference()
	if !ok {
		return ""
	}
	return ref.ID
}

// Path returns the document path, or "" for an entity never saved.
func (e *Entity) Path() string {
	if e == nil || e.meta == nil {
		return ""
	}
	ref, ok := e.meta.Reference()
	if !ok {
		return ""
	}
	return ref.Path()
}

func (e *Entity) IsNew() bool {
	return e.ID() == ""
}

// IsSame reports whether both entities are persisted at the same path.
func (e *Entity) IsSame(other Document) bool {
	if other == nil {
		return false
	}
	o := other.Base()
	a, b := e.Path(), o.Path()
	return a != "" && a == b
}

// HasChanged reports whether any field differs from its last parsed or saved value.
func (e *Entity) HasChanged() bool {
	return e.mustMeta().hasChanged()
}

func (e *Entity) IsDeleted() bool {
	return e.mustMeta().IsDeleted()
}

// Plain returns every set field in stored form.
func (e *Entity) Plain() docdb.Data {
	data, err := e.mustMeta().format(true)
	if err != nil {
		e.meta.store.logger.Warn("format entity", slog.String("path", e.Path()), slog.Any("err", err))
	}
	return data
}

// ChangedPlain returns the changed fields in stored form. Fields unset since the last
// save map to docdb.DeleteField. For a new entity every set field is included.
func (e *Entity) ChangedPlain() docdb.Data {
	data, err := e.mustMeta().format(false)
	if err != nil {
		e.meta.store.logger.Warn("format entity", slog.String("path", e.Path()), slog.Any("err", err))
	}
	return data
}

// Reset discards local edits by re-parsing the last persisted data.
func (e *Entity) Reset() error {
	m := e.mustMeta()
	if _, ok := m.Reference(); !ok {
		return ErrNoOrigin
	}
	m.mu.Lock()
	err := m.parseLocked(m.origin, true)
	m.mu.Unlock()

	m.stateMu.Lock()
	m.fulfilled = true
	m.stateMu.Unlock()
	return err
}

// Fetch hydrates the entity from the store, once.
func (e *Entity) Fetch(ctx context.Context) error {
	return e.mustMeta().Refresh(ctx)
}

// ModelName is the singular name of the entity's collection.
func (e *Entity) ModelName() string {
	return strings.TrimSuffix(e.mustMeta().model.Name(), "s")
}

// LogValue renders the entity for structured logs.
func (e *Entity) LogValue() slog.Value {
	if e.meta == nil {
		return slog.StringValue("<unbound entity>")
	}
	attrs := []slog.Attr{
		slog.String("docName", e.ModelName()),
		slog.String("uid", e.ID()),
	}
	for k, v := range e.Plain() {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Save persists the entity. A new entity is created under a fresh id in its model's
// collection; a persisted one is patched with its changed fields only, and not written
// at all when nothing changed. Changes are then propagated to the entity's duplicates and
// sub-collections.
func (e *Entity) Save(ctx context.Context) error {
	m := e.mustMeta()
	ctx, span := m.store.tracer.Start(ctx, "orm.Save")
	defer span.End()
	span.SetAttributes(attribute.String("model", m.model.Name()))

	err := e.save(ctx, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Entity) save(ctx context.Context, retry bool) error {
	m := e.meta
	if m.model.Embedded() {
		return invariantf("embedded %s entities are saved through their parent", m.model.Name())
	}
	if m.IsDeleted() {
		return ErrDeleted
	}
	ref, persisted := m.Reference()
	raw, err := m.format(false)
	if err != nil {
		return err
	}

	if !persisted {
		ref = docdb.Collection(m.collectionPath()).NewDoc()
		err = m.store.db.Create(ctx, ref, raw)
		if err == nil {
			if err := m.SetReference(ref); err != nil {
				return err
			}
			if err := m.InitSubCollections(false); err != nil {
				return err
			}
		}
	} else if len(raw) > 0 {
		err = m.store.db.Update(ctx, ref, raw)
	}
	if err != nil {
		op := "edit"
		if !persisted {
			op = "create"
		}
		if errors.Is(err, docdb.ErrPermissionDenied) {
			return accessDenied(err, op, ref.Path())
		}
		if retry && isTransient(err) {
			m.store.logger.Warn("retrying save", slog.String("path", ref.Path()), slog.Any("err", err))
			return e.save(ctx, false)
		}
		return fmt.Errorf("save %s: %w", ref.Path(), err)
	}

	if !persisted || len(raw) > 0 {
		m.mu.Lock()
		m.previousOrigin = m.origin
		m.hooks.Emit(hookSaved)
		m.origin, _ = m.formatLocked(true)
		m.mu.Unlock()
		m.stateMu.Lock()
		m.fulfilled = true
		m.stateMu.Unlock()
	}

	var errs []error
	if persisted && len(raw) > 0 {
		if err := e.updateEntityToSubCollections(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.savePropertyCollections(ctx); err != nil {
		errs = append(errs, err)
	}
	m.events.Emit(EventSaved)
	return errors.Join(errs...)
}

// collectionPath is where a new entity is created.
func (m *EntityMetaData) collectionPath() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.newDocPath != "" {
		return m.newDocPath
	}
	return m.model.Name()
}

// Delete removes the document and its duplicates, then marks the entity deleted and
// destroys it. Duplicate locations are handled independently; their failures are
// returned joined.
func (e *Entity) Delete(ctx context.Context) error {
	m := e.mustMeta()
	ctx, span := m.store.tracer.Start(ctx, "orm.Delete")
	defer span.End()

	var errs []error
	if ref, ok := m.Reference(); ok {
		groups, err := e.duplicates(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		if err := propagate(ctx, m.store, groups, "delete", func(b docdb.Batch, ref docdb.DocumentRef) {
			b.Delete(ref)
		}); err != nil {
			errs = append(errs, err)
		}
		if err := m.store.db.Delete(ctx, ref); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", ref.Path(), accessDenied(err, "delete", ref.Path())))
			err := errors.Join(errs...)
			span.RecordError(err)
			return err
		}
	}
	m.MarkAsDeleted()
	m.Destroy()
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// duplicates finds the copies of this entity stored in sub-collections of other
// entities, grouped by collection path. Copies carry the original id as originalId or
// share the document id.
func (e *Entity) duplicates(ctx context.Context) (map[string][]docdb.DocumentRef, error) {
	m := e.meta
	ref, ok := m.Reference()
	if !ok {
		return nil, nil
	}
	info, ok := m.store.namespace(m.model.Name())
	if !ok {
		return nil, invariantf("namespace %s is not registered", m.model.Name())
	}

	groups := make(map[string][]docdb.DocumentRef)
	var errs []error
	for _, sub := range info.subPaths {
		if sub == info.model.Name() {
			continue
		}
		q := docdb.NewGroupQuery(sub, docdb.Or(
			docdb.Where("originalId", docdb.OpEqual, ref.ID),
			docdb.Where(docdb.DocumentID, docdb.OpEqual, ref.ID),
		))
		docs, err := m.store.db.GetAll(ctx, q)
		if err != nil {
			errs = append(errs, fmt.Errorf("find duplicates in %s: %w", sub, accessDenied(err, "read", sub)))
			continue
		}
		for _, d := range docs {
			if d.Ref.Path() == ref.Path() {
				continue
			}
			groups[d.Ref.Collection] = append(groups[d.Ref.Collection], d.Ref)
		}
	}
	return groups, errors.Join(errs...)
}

// updateEntityToSubCollections applies a changed-field patch to every duplicate.
func (e *Entity) updateEntityToSubCollections(ctx context.Context, raw docdb.Data) error {
	groups, err := e.duplicates(ctx)
	info, _ := e.meta.store.namespace(e.meta.model.Name())
	perr := propagate(ctx, e.meta.store, groups, "edit", func(b docdb.Batch, ref docdb.DocumentRef) {
		patch := without(raw, info.blacklist(docdb.CollectionRef{Path: ref.Collection}.ID()))
		if len(patch) > 0 {
			b.Update(ref, patch)
		}
	})
	return errors.Join(err, perr)
}

// propagate commits one batch per collection path. Every path is attempted; failures are
// joined and permission failures name their path.
func propagate(ctx context.Context, store *Store, groups map[string][]docdb.DocumentRef, op string, write func(docdb.Batch, docdb.DocumentRef)) error {
	if len(groups) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(propagationParallelism)
	var mu sync.Mutex
	var errs []error

	for collection, refs := range groups {
		g.Go(func() error {
			b := store.db.NewBatch()
			for _, ref := range refs {
				write(b, ref)
			}
			if b.Len() == 0 {
				return nil
			}
			if err := b.Commit(ctx); err != nil {
				err = fmt.Errorf("propagate to %s: %w", collection, accessDenied(err, op, collection))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func without(data docdb.Data, keys []string) docdb.Data {
	out := make(docdb.Data, len(data))
	for k, v := range data {
		top := k
		if i := strings.IndexByte(k, '.'); i >= 0 {
			top = k[:i]
		}
		if !slices.Contains(keys, top) {
			out[k] = v
		}
	}
	return out
}

// Validate checks every Input rule of the entity's model.
func (e *Entity) Validate() error {
	m := e.mustMeta()
	return m.model.validate(m.store, m.doc)
}

// savePropertyCollections writes the local changes of every sub-collection.
func (e *Entity) savePropertyCollections(ctx context.Context) error {
	m := e.meta
	m.stateMu.Lock()
	blacklisted := m.blacklisted
	m.stateMu.Unlock()

	var errs []error
	for _, name := range m.collectionKeys {
		if slices.Contains(blacklisted, name) {
			continue
		}
		if err := m.collections[name].sub.persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

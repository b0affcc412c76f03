package orm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/reactive"
	"golang.org/x/sync/errgroup"
)

// subCollectionBinder is the untyped view of a SubCollection used by the metadata.
type subCollectionBinder interface {
	init(owner *EntityMetaData, path string, blacklist []string)
	persist(ctx context.Context) error
}

// SubCollection is a collection stored under an entity. Its List is the local state:
// entities added or removed locally are written on the owner's next Save. Entities stored
// in a sub-collection are copies carrying an originalId marker; saving the original
// updates them.
type SubCollection[E any] struct {
	mu          sync.Mutex
	owner       *EntityMetaData
	model       *Model[E]
	path        string
	blacklist   []string
	initialized bool
	current     *reactive.List[*E]
	remote      *Collection[E]
	stopWatch   func()
	fetched     bool

	// editMu serializes check-then-mutate sequences on current
	editMu sync.Mutex
}

func (s *SubCollection[E]) init(owner *EntityMetaData, path string, blacklist []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owner = owner
	s.path = path
	s.blacklist = blacklist
	s.initialized = true
	if s.current == nil {
		s.current = reactive.NewList[*E]()
	}
}

// Path returns the collection path, empty until the owner is saved.
func (s *SubCollection[E]) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *SubCollection[E]) list() *reactive.List[*E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = reactive.NewList[*E]()
	}
	return s.current
}

// List returns the local list, fetching the remote content on first use when the owner
// is persisted.
func (s *SubCollection[E]) List() *reactive.List[*E] {
	s.mu.Lock()
	need := s.initialized && s.path != "" && !s.fetched
	s.mu.Unlock()
	if need {
		if err := s.SetOptions(CollectionOptions{}); err != nil {
			s.owner.store.logger.Warn("fetch sub-collection", slog.String("path", s.Path()), slog.Any("err", err))
		}
	}
	return s.list()
}

// Fetched reports whether the remote content was requested.
func (s *SubCollection[E]) Fetched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched
}

// Remote returns the live remote collection, nil before the first fetch.
func (s *SubCollection[E]) Remote() *Collection[E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// SetOptions (re)fetches the remote content with opts and resets the local list to it.
// The path option is always the sub-collection's.
func (s *SubCollection[E]) SetOptions(opts CollectionOptions) error {
	s.mu.Lock()
	if !s.initialized || s.model == nil {
		s.mu.Unlock()
		return invariantf("sub-collection is not initialized")
	}
	if s.path == "" {
		s.mu.Unlock()
		return invariantf("sub-collection of an unsaved %s has no path", s.owner.model.Name())
	}
	opts.Path = s.path
	owner, model := s.owner, s.model
	s.fetched = true
	oldRemote, oldStop := s.remote, s.stopWatch
	s.remote, s.stopWatch = nil, nil
	s.mu.Unlock()

	if oldStop != nil {
		oldStop()
	}
	if oldRemote != nil {
		oldRemote.Close()
	}

	remote := newCollection(owner.scope, owner.store, model, nil, opts)
	cur := s.list()
	cur.Clear()

	s.mu.Lock()
	s.remote = remote
	s.stopWatch = remote.Watch(func(added, removed []*E) {
		s.sync(remote, added, removed)
	})
	s.mu.Unlock()
	s.sync(remote, remote.Items(), nil)
	return nil
}

// sync mirrors remote changes into the local list, matching entities by id.
func (s *SubCollection[E]) sync(remote *Collection[E], added, removed []*E) {
	s.mu.Lock()
	current := s.remote == remote
	s.mu.Unlock()
	if !current {
		return
	}
	cur := s.list()
	s.editMu.Lock()
	defer s.editMu.Unlock()
	for _, a := range added {
		if indexByID(cur.Items(), baseOf(a).ID()) < 0 {
			cur.Append(a)
		}
	}
	if len(removed) == 0 {
		return
	}
	ids := make(map[string]bool, len(removed))
	for _, r := range removed {
		ids[baseOf(r).ID()] = true
	}
	cur.RemoveFunc(func(e *E) bool {
		return ids[baseOf(e).ID()]
	})
}

// Add appends e to the local list unless it is already there.
func (s *SubCollection[E]) Add(e *E) {
	cur := s.list()
	s.editMu.Lock()
	defer s.editMu.Unlock()
	items := cur.Items()
	for _, x := range items {
		if x == e {
			return
		}
	}
	if id := baseOf(e).ID(); id != "" && indexByID(items, id) >= 0 {
		return
	}
	cur.Append(e)
}

// Remove drops e, or the entity with the same id, from the local list.
func (s *SubCollection[E]) Remove(e *E) {
	cur := s.list()
	id := baseOf(e).ID()
	s.editMu.Lock()
	defer s.editMu.Unlock()
	cur.RemoveFunc(func(x *E) bool {
		return x == e || (id != "" && baseOf(x).ID() == id)
	})
}

// Exists reports whether a document with e's id is stored in the sub-collection.
func (s *SubCollection[E]) Exists(ctx context.Context, e *E) (bool, error) {
	id := baseOf(e).ID()
	if id == "" {
		return false, invariantf("entity has no id")
	}
	return s.ExistsByID(ctx, id)
}

func (s *SubCollection[E]) ExistsByID(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	path, owner := s.path, s.owner
	s.mu.Unlock()
	if path == "" || owner == nil {
		return false, invariantf("sub-collection has no path")
	}
	snap, err := owner.store.db.Get(ctx, docdb.Collection(path).Doc(id))
	if err != nil {
		return false, accessDenied(err, "access", path+"/"+id)
	}
	return snap.Exists, nil
}

// ArrayModification compares the local list with the remote content: toDelete are
// stored entities no longer listed, toAdd are listed entities not stored yet.
func (s *SubCollection[E]) ArrayModification() (toDelete, toAdd []*E) {
	s.mu.Lock()
	remote, cur := s.remote, s.current
	s.mu.Unlock()

	var stored []*E
	if remote != nil {
		stored = remote.Items()
	}
	var local []*E
	if cur != nil {
		local = cur.Items()
	}
	for _, d := range stored {
		if indexByID(local, baseOf(d).ID()) < 0 {
			toDelete = append(toDelete, d)
		}
	}
	for _, a := range local {
		id := baseOf(a).ID()
		if id == "" || indexByID(stored, id) < 0 {
			toAdd = append(toAdd, a)
		}
	}
	return toDelete, toAdd
}

func (s *SubCollection[E]) persist(ctx context.Context) error {
	s.mu.Lock()
	path, owner, model, blacklist := s.path, s.owner, s.model, s.blacklist
	s.mu.Unlock()
	toDelete, toAdd := s.ArrayModification()
	if len(toDelete) == 0 && len(toAdd) == 0 {
		return nil
	}
	if path == "" {
		return invariantf("sub-collection of an unsaved entity has no path")
	}
	return updatePropertyCollection(ctx, owner.store, model, toDelete, toAdd, path, blacklist)
}

func indexByID[E any](items []*E, id string) int {
	for i, x := range items {
		if baseOf(x).ID() == id {
			return i
		}
	}
	return -1
}

// updatePropertyCollection deletes the copies of toRemove from the collection at path
// and writes copies of toAdd into it. New entities are saved first.
func updatePropertyCollection[E any](ctx context.Context, store *Store, model *Model[E], toRemove, toAdd []*E, path string, blacklist []string) error {
	var g errgroup.Group
	g.SetLimit(propagationParallelism)
	var mu sync.Mutex
	var errs []error
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	coll := docdb.Collection(path)

	for _, r := range toRemove {
		ref := coll.Doc(baseOf(r).ID())
		g.Go(func() error {
			if err := store.db.Delete(ctx, ref); err != nil {
				fail(fmt.Errorf("remove %s: %w", ref.Path(), accessDenied(err, "delete", ref.Path())))
			}
			return nil
		})
	}
	for _, a := range toAdd {
		g.Go(func() error {
			base := baseOf(a)
			if base.IsNew() {
				if err := base.Save(ctx); err != nil {
					fail(err)
					return nil
				}
			}
			ref := coll.Doc(base.ID())
			if base.Path() == ref.Path() {
				return nil
			}
			data := without(base.Plain(), blacklist)
			data["originalId"] = base.ID()
			if err := store.db.Set(ctx, ref, data, true); err != nil {
				fail(fmt.Errorf("copy to %s: %w", ref.Path(), accessDenied(err, "edit", ref.Path())))
				return nil
			}
			src, _ := base.meta.Reference()
			if err := copySubCollections(ctx, store, model, src, ref); err != nil {
				fail(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// copySubCollections copies the stored sub-collections of src under dst, recursively.
func copySubCollections(ctx context.Context, store *Store, model modelInfo, src, dst docdb.DocumentRef) error {
	var errs []error
	for _, def := range model.collectionDefs() {
		from := src.Sub(def.name)
		docs, err := store.db.GetAll(ctx, docdb.NewQuery(from.Path))
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", from.Path, accessDenied(err, "access", from.Path)))
			continue
		}
		if len(docs) == 0 {
			continue
		}
		to := dst.Sub(def.name)
		b := store.db.NewBatch()
		for _, d := range docs {
			data := without(d.Data, def.blacklist)
			if _, ok := data["originalId"]; !ok {
				data["originalId"] = d.Ref.ID
			}
			b.Set(to.Doc(d.Ref.ID), data, true)
		}
		if err := b.Commit(ctx); err != nil {
			errs = append(errs, fmt.Errorf("copy to %s: %w", to.Path, accessDenied(err, "edit", to.Path)))
			continue
		}
		for _, d := range docs {
			if err := copySubCollections(ctx, store, def.target, d.Ref, to.Doc(d.Ref.ID)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

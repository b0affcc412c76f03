package orm

import (
	"fmt"

	"github.com/add-eus/library/docdb"
)

// Field is a tracked entity attribute. A Field is bound to its entity when the entity is
// created through its Model; until then it behaves as a plain value holder.
//
// The changed state is derived: a field is changed when its value differs, by its type's
// equality, from the value captured at the last parse or save.
type Field[V any] struct {
	meta *EntityMetaData
	typ  Type[V]
	name string

	value V
	set   bool

	orig    V
	origSet bool
}

// property is the untyped view of a bound field used by the metadata.
type property interface {
	propertyName() string
	changed() bool
}

func (f *Field[V]) bind(meta *EntityMetaData, name string, typ Type[V]) {
	f.meta = meta
	f.name = name
	f.typ = typ
	meta.properties = append(meta.properties, f)

	meta.hooks.On(hookParse, func(args ...any) {
		run := args[0].(*parseRun)
		if err := f.parse(run); err != nil {
			run.errs = append(run.errs, fmt.Errorf("parse %s: %w", name, err))
		}
	})
	meta.hooks.On(hookFormat, func(args ...any) {
		run := args[0].(*formatRun)
		if err := f.format(run); err != nil {
			run.errs = append(run.errs, fmt.Errorf("format %s: %w", name, err))
		}
	})
	meta.hooks.On(hookSaved, func(args ...any) {
		f.saved()
	})
}

func (f *Field[V]) propertyName() string {
	return f.name
}

// Get returns the current value. Reading a field of a persisted entity that was never
// fetched starts hydrating it in the background.
func (f *Field[V]) Get() V {
	v, _ := f.Lookup()
	return v
}

// Lookup returns the current value and whether it is set.
func (f *Field[V]) Lookup() (V, bool) {
	if f.meta == nil {
		return f.value, f.set
	}
	f.meta.mu.Lock()
	v, ok := f.value, f.set
	f.meta.mu.Unlock()
	f.meta.touch(f.name)
	return v, ok
}

// Set assigns the value.
func (f *Field[V]) Set(v V) {
	if f.meta == nil {
		f.value, f.set = v, true
		return
	}
	f.meta.mu.Lock()
	f.value, f.set = v, true
	f.meta.mu.Unlock()
	f.meta.events.Emit(EventSet, f.name, v)
}

// Unset clears the value. Saving a persisted entity then removes the stored field.
func (f *Field[V]) Unset() {
	var zero V
	if f.meta == nil {
		f.value, f.set = zero, false
		return
	}
	f.meta.mu.Lock()
	f.value, f.set = zero, false
	f.meta.mu.Unlock()
	f.meta.events.Emit(EventSet, f.name, nil)
}

func (f *Field[V]) IsSet() bool {
	if f.meta == nil {
		return f.set
	}
	f.meta.mu.Lock()
	defer f.meta.mu.Unlock()
	return f.set
}

// IsChanged reports whether the value differs from the last parsed or saved one.
func (f *Field[V]) IsChanged() bool {
	if f.meta == nil {
		return false
	}
	f.meta.mu.Lock()
	defer f.meta.mu.Unlock()
	return f.changed()
}

// Name returns the stored field name.
func (f *Field[V]) Name() string {
	return f.name
}

// changed is called with meta.mu held.
func (f *Field[V]) changed() bool {
	if f.set != f.origSet {
		return true
	}
	if !f.set {
		return false
	}
	return !f.typ.Equal(f.value, f.orig)
}

func (f *Field[V]) snapshotOrig() {
	f.orig, f.origSet = f.value, f.set
	if c, ok := f.typ.(cloner[V]); ok && f.set {
		f.orig = c.clone(f.value)
	}
}

func (f *Field[V]) parse(run *parseRun) error {
	if !run.forceAll && f.changed() {
		// local edits win until saved or reset
		return nil
	}
	raw, ok := run.raw[f.name]
	if !ok || raw == nil {
		var zero V
		f.value, f.set = zero, false
	} else {
		v, err := f.typ.Parse(run.env, raw)
		if err != nil {
			return err
		}
		f.value, f.set = v, true
	}
	f.snapshotOrig()
	return nil
}

func (f *Field[V]) format(run *formatRun) error {
	if !run.forceAll && run.persisted && !f.changed() {
		return nil
	}
	if !f.set {
		if run.persisted && !run.forceAll {
			run.out[f.name] = docdb.DeleteField
		}
		return nil
	}
	raw, err := f.typ.Format(f.value, run.forceAll)
	if err != nil {
		return err
	}
	if raw == nil {
		if run.persisted && !run.forceAll {
			run.out[f.name] = docdb.DeleteField
		}
		return nil
	}
	run.out[f.name] = raw
	return nil
}

func (f *Field[V]) saved() {
	if s, ok := f.typ.(savedNotifier[V]); ok && f.set {
		s.saved(f.value)
	}
	f.snapshotOrig()
}

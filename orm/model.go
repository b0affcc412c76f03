package orm

import (
	"fmt"
	"reflect"
)

// modelInfo is the untyped view of a Model.
type modelInfo interface {
	Name() string
	Embedded() bool
	collectionDefs() []collectionDef
	newDocument(store *Store) Document
	validate(store *Store, doc Document) error
}

type collectionDef struct {
	name      string
	target    modelInfo
	blacklist []string
}

// Model describes an entity type T: the collection it lives in and its fields. T must
// embed Entity.
type Model[T any] struct {
	name        string
	embedded    bool
	names       map[string]bool
	binders     []func(t *T, meta *EntityMetaData)
	inputs      []InputInfo
	checks      []inputCheck[T]
	collections []collectionDef
}

// Schema collects the field declarations of a model.
type Schema[T any] struct {
	model *Model[T]
}

// NewModel declares the model of documents stored in collection.
func NewModel[T any](collection string, define func(s *Schema[T])) *Model[T] {
	return newModel(collection, false, define)
}

// NewEmbeddedModel declares a model stored inline in other documents (see Embed). Its
// entities have no reference of their own.
func NewEmbeddedModel[T any](name string, define func(s *Schema[T])) *Model[T] {
	return newModel(name, true, define)
}

func newModel[T any](name string, embedded bool, define func(s *Schema[T])) *Model[T] {
	if _, ok := any(new(T)).(Document); !ok {
		panic(fmt.Sprintf("orm: %s does not embed orm.Entity", reflect.TypeFor[T]()))
	}
	m := &Model[T]{name: name, embedded: embedded, names: make(map[string]bool)}
	if define != nil {
		define(&Schema[T]{model: m})
	}
	return m
}

// Name returns the collection name.
func (m *Model[T]) Name() string {
	return m.name
}

func (m *Model[T]) Embedded() bool {
	return m.embedded
}

// Inputs returns the descriptors of the fields declared with Input, in declaration
// order.
func (m *Model[T]) Inputs() []InputInfo {
	return append([]InputInfo(nil), m.inputs...)
}

func (m *Model[T]) collectionDefs() []collectionDef {
	return m.collections
}

// construct returns a new entity bound to store with every declared field attached.
func (m *Model[T]) construct(store *Store) *T {
	if store != nil {
		store.ensure(m)
	}
	t := new(T)
	doc := any(t).(Document)
	meta := newMetadata(store, m, doc)
	doc.Base().meta = meta
	for _, bind := range m.binders {
		bind(t, meta)
	}
	return t
}

func (m *Model[T]) newDocument(store *Store) Document {
	return any(m.construct(store)).(Document)
}

// New returns a new, unsaved entity of the model.
func (m *Model[T]) New(store *Store) *T {
	return m.construct(store)
}

func (s *Schema[T]) declare(name string) {
	if s.model.names[name] {
		panic(fmt.Sprintf("orm: %s.%s declared twice", s.model.name, name))
	}
	s.model.names[name] = true
}

// Var declares a persisted field stored under name.
func Var[T, V any](s *Schema[T], name string, field func(t *T) *Field[V], typ Type[V]) {
	s.declare(name)
	s.model.binders = append(s.model.binders, func(t *T, meta *EntityMetaData) {
		field(t).bind(meta, name, typ)
	})
}

// SubCollectionVar declares a sub-collection stored under each entity at name, holding entities
// of target. Blacklisted properties are left out of the copies stored in it.
func SubCollectionVar[T, E any](s *Schema[T], name string, field func(t *T) *SubCollection[E], target *Model[E], blacklist ...string) {
	s.declare(name)
	def := collectionDef{name: name, target: target, blacklist: blacklist}
	s.model.collections = append(s.model.collections, def)
	s.model.binders = append(s.model.binders, func(t *T, meta *EntityMetaData) {
		sub := field(t)
		sub.model = target
		meta.collections[name] = &collectionProperty{target: target, blacklist: blacklist, sub: sub}
		meta.collectionKeys = append(meta.collectionKeys, name)
	})
}

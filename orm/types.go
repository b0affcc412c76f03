package orm

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/docquery"
	"golang.org/x/exp/constraints"
)

// Type converts a field between its stored and in-memory forms.
//
// Format returning nil means the value is absent; on a persisted entity that removes
// the stored field.
type Type[V any] interface {
	Parse(env *ParseEnv, raw any) (V, error)
	Format(v V, forceAll bool) (any, error)
	Equal(a, b V) bool
}

// cloner is implemented by types whose values share memory, so baselines are copied.
type cloner[V any] interface {
	clone(v V) V
}

// savedNotifier is implemented by types holding nested entities that track their own
// change state.
type savedNotifier[V any] interface {
	saved(v V)
}

// ParseEnv is the context a value is parsed in: the owning entity and its store.
type ParseEnv struct {
	store *Store
	owner *EntityMetaData
}

// Store returns the store the owning entity belongs to.
func (e *ParseEnv) Store() *Store {
	return e.store
}

type primitive[V comparable] struct {
	name string
}

// String is a text field.
var String Type[string] = primitive[string]{name: "string"}

// Bool is a boolean field.
var Bool Type[bool] = primitive[bool]{name: "bool"}

func (p primitive[V]) Parse(_ *ParseEnv, raw any) (V, error) {
	v, ok := raw.(V)
	if !ok {
		var zero V
		return zero, fmt.Errorf("expected %s, got %T", p.name, raw)
	}
	return v, nil
}

func (p primitive[V]) Format(v V, _ bool) (any, error) {
	return v, nil
}

func (p primitive[V]) Equal(a, b V) bool {
	return a == b
}

// Number is the set of numeric field types.
type Number interface {
	constraints.Integer | constraints.Float
}

type numberType[V Number] struct{}

// NumberOf returns the type of a numeric field stored as V. Stored integers and floats
// are both accepted; integers are stored as int64.
func NumberOf[V Number]() Type[V] {
	return numberType[V]{}
}

var (
	Int   = NumberOf[int64]()
	Float = NumberOf[float64]()
)

func (numberType[V]) Parse(_ *ParseEnv, raw any) (V, error) {
	switch n := raw.(type) {
	case V:
		return n, nil
	case int64:
		return V(n), nil
	case float64:
		return V(n), nil
	case int:
		return V(n), nil
	case int32:
		return V(n), nil
	case float32:
		return V(n), nil
	case uint64:
		return V(n), nil
	}
	var zero V
	return zero, fmt.Errorf("expected number, got %T", raw)
}

func (numberType[V]) Format(v V, _ bool) (any, error) {
	if isFloat[V]() {
		return float64(v), nil
	}
	return int64(v), nil
}

func (numberType[V]) Equal(a, b V) bool {
	return a == b
}

func isFloat[V Number]() bool {
	half := 0.5
	return V(half) != 0
}

type timeType struct{}

// Time is a timestamp field. Stored epoch seconds and {seconds, nanoseconds} maps are
// accepted when parsing.
var Time Type[time.Time] = timeType{}

func (timeType) Parse(_ *ParseEnv, raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case float64:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case map[string]any:
		sec, ok := v["seconds"]
		if !ok {
			break
		}
		s, err := Int.Parse(nil, sec)
		if err != nil {
			return time.Time{}, err
		}
		nanos, _ := Int.Parse(nil, v["nanoseconds"])
		return time.Unix(s, nanos).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected timestamp, got %T", raw)
}

func (timeType) Format(v time.Time, _ bool) (any, error) {
	if v.IsZero() {
		return nil, nil
	}
	return v, nil
}

func (timeType) Equal(a, b time.Time) bool {
	return a.Equal(b)
}

type geoPointType struct{}

// GeoPoint is a coordinate field.
var GeoPoint Type[docdb.GeoPoint] = geoPointType{}

func (geoPointType) Parse(_ *ParseEnv, raw any) (docdb.GeoPoint, error) {
	switch v := raw.(type) {
	case docdb.GeoPoint:
		return v, nil
	case map[string]any:
		lat, err1 := Float.Parse(nil, v["lat"])
		lng, err2 := Float.Parse(nil, v["lng"])
		if err1 == nil && err2 == nil {
			return docdb.GeoPoint{Lat: lat, Lng: lng}, nil
		}
	}
	return docdb.GeoPoint{}, fmt.Errorf("expected geopoint, got %T", raw)
}

func (geoPointType) Format(v docdb.GeoPoint, _ bool) (any, error) {
	return v, nil
}

func (geoPointType) Equal(a, b docdb.GeoPoint) bool {
	return a == b
}

type objectType struct{}

// Object is a free-form map field.
var Object Type[map[string]any] = objectType{}

func (objectType) Parse(_ *ParseEnv, raw any) (map[string]any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", raw)
	}
	return docquery.Clone(m), nil
}

func (objectType) Format(v map[string]any, _ bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	return docquery.Clone(v), nil
}

func (objectType) Equal(a, b map[string]any) bool {
	return docquery.Equal(a, b)
}

func (objectType) clone(v map[string]any) map[string]any {
	return docquery.Clone(v)
}

type arrayType[E any] struct {
	elem Type[E]
}

// ArrayOf is a list field with elements of elem.
func ArrayOf[E any](elem Type[E]) Type[[]E] {
	return arrayType[E]{elem: elem}
}

func (a arrayType[E]) Parse(env *ParseEnv, raw any) ([]E, error) {
	list, ok := raw.([]any)
	if !ok {
		// a non list value parses to an empty list
		return []E{}, nil
	}
	out := make([]E, 0, len(list))
	for i, item := range list {
		if item == nil {
			continue
		}
		v, err := a.elem.Parse(env, item)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (a arrayType[E]) Format(v []E, forceAll bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	out := make([]any, 0, len(v))
	for i := range v {
		raw, err := a.elem.Format(v[i], forceAll)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func (a arrayType[E]) Equal(x, y []E) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if !a.elem.Equal(x[i], y[i]) {
			return false
		}
	}
	return true
}

func (a arrayType[E]) clone(v []E) []E {
	if v == nil {
		return nil
	}
	out := make([]E, len(v))
	c, ok := a.elem.(cloner[E])
	for i := range v {
		if ok {
			out[i] = c.clone(v[i])
		} else {
			out[i] = v[i]
		}
	}
	return out
}

func (a arrayType[E]) saved(v []E) {
	if s, ok := a.elem.(savedNotifier[E]); ok {
		for i := range v {
			s.saved(v[i])
		}
	}
}

type refType[T any] struct {
	model *Model[T]
}

// RefTo is a reference to a document of model, stored as its id. Parsed references are
// shared through the store cache and hydrate lazily on first read.
func RefTo[T any](model *Model[T]) Type[*T] {
	return refType[T]{model: model}
}

func (r refType[T]) Parse(env *ParseEnv, raw any) (*T, error) {
	id, ok := raw.(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("expected document id, got %T", raw)
	}
	ref := docdb.Collection(r.model.Name()).Doc(id)
	if strings.Contains(id, "/") {
		parsed, err := docdb.ParseDocPath(id)
		if err != nil {
			return nil, err
		}
		ref = parsed
	}
	if env == nil || env.owner == nil {
		return nil, invariantf("reference %s parsed outside an entity", ref.Path())
	}
	return holdRef(env.owner, r.model, ref)
}

func (r refType[T]) Format(v *T, _ bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	id := baseOf(v).ID()
	if id == "" {
		return nil, invariantf("referenced %s entity is not saved", r.model.Name())
	}
	return id, nil
}

func (r refType[T]) Equal(a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return baseOf(a).IsSame(baseOf(b))
}

type embedType[T any] struct {
	model *Model[T]
}

// Embed is a nested entity stored inline as a map.
func Embed[T any](model *Model[T]) Type[*T] {
	return embedType[T]{model: model}
}

func (e embedType[T]) Parse(env *ParseEnv, raw any) (*T, error) {
	data, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map for %s, got %T", e.model.Name(), raw)
	}
	if env == nil {
		return nil, invariantf("embedded %s parsed outside an entity", e.model.Name())
	}
	t := e.model.construct(env.store)
	if err := baseOf(t).meta.parseOrigin(data); err != nil {
		return nil, err
	}
	return t, nil
}

func (e embedType[T]) Format(v *T, _ bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	return baseOf(v).Plain(), nil
}

func (e embedType[T]) Equal(a, b *T) bool {
	if a != b {
		return false
	}
	return a == nil || !baseOf(a).HasChanged()
}

func (e embedType[T]) saved(v *T) {
	if v != nil {
		baseOf(v).meta.markSaved()
	}
}

package docdb

import "fmt"

// DocumentID is the pseudo field addressing a document's id in filters and orderings.
const DocumentID = "__name__"

// MaxInValues is the largest number of values accepted by the in and not-in operators.
const MaxInValues = 10

// Op is a filter operator.
type Op string

const (
	OpEqual            Op = "=="
	OpNotEqual         Op = "!="
	OpLess             Op = "<"
	OpLessOrEqual      Op = "<="
	OpGreater          Op = ">"
	OpGreaterOrEqual   Op = ">="
	OpIn               Op = "in"
	OpNotIn            Op = "not-in"
	OpArrayContains    Op = "array-contains"
	OpArrayContainsAny Op = "array-contains-any"
)

func (o Op) valid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual,
		OpIn, OpNotIn, OpArrayContains, OpArrayContainsAny:
		return true
	}
	return false
}

// Direction is an ordering direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Constraint narrows, orders or pages a query.
type Constraint interface {
	apply(*Query)
}

// Filter is a constraint evaluated against each document.
type Filter interface {
	Constraint
	filter()
}

// FieldFilter compares a single field against a value.
type FieldFilter struct {
	Field string
	Op    Op
	Value any
}

// CompositeFilter combines filters with AND or OR.
type CompositeFilter struct {
	Or      bool
	Filters []Filter
}

// Order sorts results by a field.
type Order struct {
	Field     string
	Direction Direction
}

type limitConstraint int

type startAfterConstraint struct {
	snap Snapshot
}

// Where filters on a field.
func Where(field string, op Op, value any) Filter {
	return FieldFilter{Field: field, Op: op, Value: value}
}

// And matches documents matching every filter.
func And(filters ...Filter) Filter {
	return CompositeFilter{Filters: filters}
}

// Or matches documents matching any of the filters.
func Or(filters ...Filter) Filter {
	return CompositeFilter{Or: true, Filters: filters}
}

// OrderBy sorts results by field.
func OrderBy(field string, dir Direction) Constraint {
	return Order{Field: field, Direction: dir}
}

// Limit caps the number of results. Zero means unlimited.
func Limit(n int) Constraint {
	return limitConstraint(n)
}

// StartAfter starts results right after the given document, in query order.
func StartAfter(snap Snapshot) Constraint {
	return startAfterConstraint{snap: snap}
}

func (f FieldFilter) filter()     {}
func (f CompositeFilter) filter() {}

func (f FieldFilter) apply(q *Query)     { q.Filters = append(q.Filters, f) }
func (f CompositeFilter) apply(q *Query) { q.Filters = append(q.Filters, f) }
func (o Order) apply(q *Query)           { q.Orders = append(q.Orders, o) }
func (l limitConstraint) apply(q *Query) { q.Limit = int(l) }
func (s startAfterConstraint) apply(q *Query) {
	snap := s.snap
	q.StartAfter = &snap
}

// Query describes a read over one collection, or over every collection with the same id
// when Group is set.
type Query struct {
	Collection string
	Group      bool
	Filters    []Filter
	Orders     []Order
	Limit      int
	StartAfter *Snapshot
}

// NewQuery builds a query over the collection at path.
func NewQuery(path string, constraints ...Constraint) Query {
	q := Query{Collection: path}
	return q.With(constraints...)
}

// NewGroupQuery builds a query over every collection named id, whatever its parent.
func NewGroupQuery(id string, constraints ...Constraint) Query {
	q := Query{Collection: id, Group: true}
	return q.With(constraints...)
}

// With returns a copy of the query with the constraints applied.
func (q Query) With(constraints ...Constraint) Query {
	out := q
	out.Filters = append([]Filter(nil), q.Filters...)
	out.Orders = append([]Order(nil), q.Orders...)
	for _, c := range constraints {
		if c != nil {
			c.apply(&out)
		}
	}
	return out
}

// MatchesCollection reports whether a document stored in collection is in scope.
func (q Query) MatchesCollection(collection string) bool {
	if !q.Group {
		return q.Collection == collection
	}
	return CollectionRef{Path: collection}.ID() == q.Collection
}

// Validate checks operators and operand shapes.
func (q Query) Validate() error {
	if q.Collection == "" {
		return &Error{Code: CodeInvalidArgument, Err: fmt.Errorf("query has no collection")}
	}
	if q.Limit < 0 {
		return &Error{Code: CodeInvalidArgument, Path: q.Collection, Err: fmt.Errorf("negative limit %d", q.Limit)}
	}
	for _, f := range q.Filters {
		if err := validateFilter(f); err != nil {
			return &Error{Code: CodeInvalidArgument, Path: q.Collection, Err: err}
		}
	}
	for _, o := range q.Orders {
		if o.Direction != Asc && o.Direction != Desc {
			return &Error{Code: CodeInvalidArgument, Path: q.Collection, Err: fmt.Errorf("invalid direction %q on %s", o.Direction, o.Field)}
		}
	}
	return nil
}

func validateFilter(f Filter) error {
	switch f := f.(type) {
	case FieldFilter:
		if !f.Op.valid() {
			return fmt.Errorf("invalid operator %q on %s", f.Op, f.Field)
		}
		switch f.Op {
		case OpIn, OpNotIn, OpArrayContainsAny:
			values, ok := f.Value.([]any)
			if !ok {
				values, ok = toAnySlice(f.Value)
			}
			if !ok {
				return fmt.Errorf("operator %q on %s needs a list value, got %T", f.Op, f.Field, f.Value)
			}
			if len(values) > MaxInValues {
				return fmt.Errorf("operator %q on %s accepts at most %d values, got %d", f.Op, f.Field, MaxInValues, len(values))
			}
		}
	case CompositeFilter:
		for _, sub := range f.Filters {
			if err := validateFilter(sub); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported filter %T", f)
	}
	return nil
}

func toAnySlice(v any) ([]any, bool) {
	switch v := v.(type) {
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []int64:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	}
	return nil, false
}

// Values returns the operand of list operators as a []any.
func (f FieldFilter) Values() []any {
	if values, ok := f.Value.([]any); ok {
		return values
	}
	values, _ := toAnySlice(f.Value)
	return values
}

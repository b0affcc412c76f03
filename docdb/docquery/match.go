package docquery

import (
	"github.com/add-eus/library/docdb"
)

// Match reports whether the snapshot satisfies the filter.
func Match(f docdb.Filter, snap docdb.Snapshot) bool {
	switch f := f.(type) {
	case docdb.FieldFilter:
		return matchField(f, snap)
	case docdb.CompositeFilter:
		if f.Or {
			for _, sub := range f.Filters {
				if Match(sub, snap) {
					return true
				}
			}
			return len(f.Filters) == 0
		}
		for _, sub := range f.Filters {
			if !Match(sub, snap) {
				return false
			}
		}
		return true
	}
	return false
}

// MatchAll reports whether the snapshot satisfies every filter of the query.
func MatchAll(q docdb.Query, snap docdb.Snapshot) bool {
	if !snap.Exists || !q.MatchesCollection(snap.Ref.Collection) {
		return false
	}
	for _, f := range q.Filters {
		if !Match(f, snap) {
			return false
		}
	}
	for _, o := range q.Orders {
		// documents without an ordered field are not part of the result
		if _, ok := snap.Get(o.Field); !ok {
			return false
		}
	}
	return true
}

func matchField(f docdb.FieldFilter, snap docdb.Snapshot) bool {
	v, ok := snap.Get(f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case docdb.OpEqual:
		return Equal(v, f.Value)
	case docdb.OpNotEqual:
		return v != nil && !Equal(v, f.Value)
	case docdb.OpLess:
		return sameRank(v, f.Value) && Compare(v, f.Value) < 0
	case docdb.OpLessOrEqual:
		return sameRank(v, f.Value) && Compare(v, f.Value) <= 0
	case docdb.OpGreater:
		return sameRank(v, f.Value) && Compare(v, f.Value) > 0
	case docdb.OpGreaterOrEqual:
		return sameRank(v, f.Value) && Compare(v, f.Value) >= 0
	case docdb.OpIn:
		return containsValue(f.Values(), v)
	case docdb.OpNotIn:
		return v != nil && !containsValue(f.Values(), v)
	case docdb.OpArrayContains:
		return containsValue(asSlice(v), f.Value)
	case docdb.OpArrayContainsAny:
		for _, want := range f.Values() {
			if containsValue(asSlice(v), want) {
				return true
			}
		}
		return false
	}
	return false
}

func sameRank(a, b any) bool {
	return rank(a) == rank(b)
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if Equal(item, v) {
			return true
		}
	}
	return false
}

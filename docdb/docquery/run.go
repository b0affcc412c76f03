package docquery

import (
	"strings"

	"github.com/add-eus/library/docdb"
	"github.com/google/btree"
)

const btreeDegree = 16

// Run filters, orders and pages candidates according to q. Candidates outside the query's
// collection are ignored.
func Run(q docdb.Query, candidates []docdb.Snapshot) ([]docdb.Snapshot, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	less := Less(q)
	tree := btree.NewG(btreeDegree, less)
	for _, snap := range candidates {
		if MatchAll(q, snap) {
			tree.ReplaceOrInsert(snap)
		}
	}

	var out []docdb.Snapshot
	collect := func(snap docdb.Snapshot) bool {
		if q.Limit > 0 && len(out) >= q.Limit {
			return false
		}
		out = append(out, snap)
		return true
	}
	if q.StartAfter != nil {
		cursor := *q.StartAfter
		tree.AscendGreaterOrEqual(cursor, func(snap docdb.Snapshot) bool {
			if !less(cursor, snap) {
				return true
			}
			return collect(snap)
		})
	} else {
		tree.Ascend(collect)
	}
	return out, nil
}

// Less returns the ordering of q: explicit orderings first, then the document path in the
// direction of the last explicit ordering.
func Less(q docdb.Query) func(a, b docdb.Snapshot) bool {
	orders := q.Orders
	tail := docdb.Asc
	if len(orders) > 0 {
		tail = orders[len(orders)-1].Direction
	}
	return func(a, b docdb.Snapshot) bool {
		for _, o := range orders {
			av, _ := a.Get(o.Field)
			bv, _ := b.Get(o.Field)
			c := Compare(av, bv)
			if o.Direction == docdb.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		c := strings.Compare(a.Ref.Path(), b.Ref.Path())
		if tail == docdb.Desc {
			c = -c
		}
		return c < 0
	}
}

// Diff computes the changes turning prev into next, both in query order.
func Diff(prev, next []docdb.Snapshot) []docdb.DocumentChange {
	prevIndex := make(map[string]int, len(prev))
	for i, s := range prev {
		prevIndex[s.Ref.Path()] = i
	}
	nextIndex := make(map[string]int, len(next))
	for i, s := range next {
		nextIndex[s.Ref.Path()] = i
	}

	var changes []docdb.DocumentChange
	for i, s := range prev {
		if _, ok := nextIndex[s.Ref.Path()]; !ok {
			changes = append(changes, docdb.DocumentChange{Kind: docdb.Removed, Doc: s, OldIndex: i, NewIndex: -1})
		}
	}
	for i, s := range next {
		old, ok := prevIndex[s.Ref.Path()]
		if !ok {
			changes = append(changes, docdb.DocumentChange{Kind: docdb.Added, Doc: s, OldIndex: -1, NewIndex: i})
			continue
		}
		if old != i || !Equal(prev[old].Data, s.Data) {
			changes = append(changes, docdb.DocumentChange{Kind: docdb.Modified, Doc: s, OldIndex: old, NewIndex: i})
		}
	}
	return changes
}

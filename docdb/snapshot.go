package docdb

import "strings"

// Snapshot is the state of a document at a point in time.
type Snapshot struct {
	Ref    DocumentRef
	Data   Data
	Exists bool
}

// Get returns the value at a dotted field path.
func (s Snapshot) Get(field string) (any, bool) {
	if field == DocumentID {
		return s.Ref.ID, true
	}
	return Lookup(s.Data, field)
}

// Lookup resolves a dotted field path inside data.
func Lookup(data Data, field string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ChangeKind describes how a document moved in or out of a query result.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// DocumentChange is a single entry of a query snapshot diff.
// OldIndex is -1 for added documents, NewIndex is -1 for removed ones.
type DocumentChange struct {
	Kind     ChangeKind
	Doc      Snapshot
	OldIndex int
	NewIndex int
}

// QuerySnapshot is the ordered result of a query together with the changes since the
// previous snapshot delivered to the same listener.
type QuerySnapshot struct {
	Docs    []Snapshot
	Changes []DocumentChange
}

// OnlyModified reports whether the snapshot only changed document contents in place:
// no document was added, removed or moved.
func (qs QuerySnapshot) OnlyModified() bool {
	for _, c := range qs.Changes {
		if c.Kind != Modified || c.OldIndex != c.NewIndex {
			return false
		}
	}
	return true
}

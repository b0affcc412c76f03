package docquery

import (
	"fmt"
	"strings"

	"github.com/add-eus/library/docdb"
)

// Clone deep copies document data so stored values never alias caller maps.
func Clone(data docdb.Data) docdb.Data {
	if data == nil {
		return nil
	}
	out := make(docdb.Data, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return Clone(v)
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneValue(v[i])
		}
		return out
	}
	return v
}

// Strip removes DeleteField sentinels, for writes that create a document.
func Strip(data docdb.Data) docdb.Data {
	out := Clone(data)
	for k, v := range out {
		if docdb.IsDeleteField(v) {
			delete(out, k)
		}
	}
	return out
}

// Update applies an update patch: keys are dotted field paths, DeleteField removes.
func Update(base, patch docdb.Data) docdb.Data {
	out := Clone(base)
	if out == nil {
		out = docdb.Data{}
	}
	for field, v := range patch {
		setPath(out, strings.Split(field, "."), v)
	}
	return out
}

// Merge deep merges patch into base, the semantics of a merging Set.
func Merge(base, patch docdb.Data) docdb.Data {
	out := Clone(base)
	if out == nil {
		out = docdb.Data{}
	}
	mergeInto(out, patch)
	return out
}

func mergeInto(dst, patch map[string]any) {
	for k, v := range patch {
		if docdb.IsDeleteField(v) {
			delete(dst, k)
			continue
		}
		if pm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeInto(dm, pm)
				continue
			}
		}
		dst[k] = cloneValue(v)
	}
}

func setPath(m map[string]any, path []string, v any) {
	if len(path) == 1 {
		if docdb.IsDeleteField(v) {
			delete(m, path[0])
			return
		}
		m[path[0]] = cloneValue(v)
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		if docdb.IsDeleteField(v) {
			return
		}
		child = map[string]any{}
		m[path[0]] = child
	}
	setPath(child, path[1:], v)
}

// Apply computes the state of a document after w, given its current state.
func Apply(w docdb.Write, cur docdb.Snapshot) (docdb.Snapshot, error) {
	next := docdb.Snapshot{Ref: w.Ref, Exists: true}
	switch w.Kind {
	case docdb.WriteCreate:
		if cur.Exists {
			return cur, docdb.Errorf(docdb.CodeAlreadyExists, w.Ref.Path(), "document already exists")
		}
		next.Data = Strip(w.Data)
	case docdb.WriteSet:
		next.Data = Strip(w.Data)
	case docdb.WriteMerge:
		next.Data = Merge(cur.Data, w.Data)
	case docdb.WriteUpdate:
		if !cur.Exists {
			return cur, docdb.Errorf(docdb.CodeNotFound, w.Ref.Path(), "no document to update")
		}
		next.Data = Update(cur.Data, w.Data)
	case docdb.WriteDelete:
		next = docdb.Snapshot{Ref: w.Ref}
	default:
		return cur, fmt.Errorf("unknown write kind %d", w.Kind)
	}
	return next, nil
}

// Package rules holds per-collection access rules enforced by emulating backends.
//
// Rules are matched against collection paths with path.Match patterns, one pattern
// segment per path segment: "users/*/workspaces" matches every user's workspaces. The last
// matching rule wins; with no matching rule an operation is allowed.
package rules

import (
	"path"
	"sync"

	"github.com/add-eus/library/docdb"
)

// Op is an access operation.
type Op string

const (
	Get    Op = "get"
	List   Op = "list"
	Create Op = "create"
	Update Op = "update"
	Delete Op = "delete"
)

// Read covers single document reads and queries.
var Read = []Op{Get, List}

// Write covers every mutation.
var Write = []Op{Create, Update, Delete}

type rule struct {
	pattern string
	ops     map[Op]bool
	allow   bool
}

// Set is an ordered list of rules. The zero value allows everything.
type Set struct {
	mu    sync.RWMutex
	rules []rule
}

// New returns an empty rule set.
func New() *Set {
	return &Set{}
}

// Allow grants ops on collections matching pattern.
func (s *Set) Allow(pattern string, ops ...Op) *Set {
	return s.add(pattern, true, ops)
}

// Deny refuses ops on collections matching pattern.
func (s *Set) Deny(pattern string, ops ...Op) *Set {
	return s.add(pattern, false, ops)
}

func (s *Set) add(pattern string, allow bool, ops []Op) *Set {
	set := make(map[Op]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	s.mu.Lock()
	s.rules = append(s.rules, rule{pattern: pattern, ops: set, allow: allow})
	s.mu.Unlock()
	return s
}

// Check returns a permission-denied error when op is refused on collection.
// docPath is reported in the error; it may be the collection itself for list operations.
func (s *Set) Check(op Op, collection, docPath string) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := true
	for _, r := range s.rules {
		if !r.ops[op] {
			continue
		}
		if ok, _ := path.Match(r.pattern, collection); ok {
			allowed = r.allow
		}
	}
	if allowed {
		return nil
	}
	if docPath == "" {
		docPath = collection
	}
	return docdb.Errorf(docdb.CodePermissionDenied, docPath, "missing or insufficient permissions for %s", op)
}

// CheckDoc checks op on a single document.
func (s *Set) CheckDoc(op Op, ref docdb.DocumentRef) error {
	return s.Check(op, ref.Collection, ref.Path())
}

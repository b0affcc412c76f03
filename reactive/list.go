package reactive

import "sync"

// List is a shallow observable list. Watchers learn which items entered and left the
// list on every mutation; items are compared by identity.
type List[T comparable] struct {
	mu       sync.RWMutex
	items    []T
	nextID   int
	watchers map[int]func(added, removed []T)
	version  uint64
}

// NewList returns an empty list.
func NewList[T comparable]() *List[T] {
	return &List[T]{watchers: make(map[int]func(added, removed []T))}
}

// Items returns a copy of the current items.
func (l *List[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]T(nil), l.items...)
}

func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// At returns the item at i and whether i is in range.
func (l *List[T]) At(i int) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var zero T
	if i < 0 || i >= len(l.items) {
		return zero, false
	}
	return l.items[i], true
}

// Version increases on every mutation.
func (l *List[T]) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Replace sets the whole content of the list.
func (l *List[T]) Replace(items []T) {
	l.mutate(func(cur []T) []T {
		return append([]T(nil), items...)
	})
}

// Append adds items at the end.
func (l *List[T]) Append(items ...T) {
	l.mutate(func(cur []T) []T {
		return append(cur, items...)
	})
}

// RemoveFunc removes every item for which del returns true.
func (l *List[T]) RemoveFunc(del func(T) bool) {
	l.mutate(func(cur []T) []T {
		out := cur[:0:0]
		for _, item := range cur {
			if !del(item) {
				out = append(out, item)
			}
		}
		return out
	})
}

// Clear empties the list.
func (l *List[T]) Clear() {
	l.Replace(nil)
}

// Watch registers fn for membership changes. Reorders without membership changes are
// not reported.
func (l *List[T]) Watch(fn func(added, removed []T)) (stop func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.watchers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.watchers, id)
		l.mu.Unlock()
	}
}

func (l *List[T]) mutate(fn func(cur []T) []T) {
	l.mu.Lock()
	before := l.items
	l.items = fn(append([]T(nil), before...))
	l.version++
	added, removed := diff(before, l.items)
	watchers := make([]func(added, removed []T), 0, len(l.watchers))
	for _, w := range l.watchers {
		watchers = append(watchers, w)
	}
	l.mu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return
	}
	for _, w := range watchers {
		w(added, removed)
	}
}

func diff[T comparable](before, after []T) (added, removed []T) {
	unmatched := make(map[T]int, len(before))
	for _, item := range before {
		unmatched[item]++
	}
	for _, item := range after {
		if unmatched[item] == 0 {
			added = append(added, item)
			continue
		}
		unmatched[item]--
	}
	for _, item := range before {
		if unmatched[item] > 0 {
			removed = append(removed, item)
			unmatched[item]--
		}
	}
	return added, removed
}

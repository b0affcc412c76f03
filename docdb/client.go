package docdb

import "context"

// Client is the document store as seen by the ORM.
//
// Listener callbacks are delivered in order, one goroutine per listener. The first call of
// onNext carries the state at subscription time.
type Client interface {
	Reader
	Writer

	// OnSnapshot listens to a single document.
	OnSnapshot(ref DocumentRef, onNext func(Snapshot), onError func(error)) (stop func())
	// OnQuerySnapshot listens to a query result.
	OnQuerySnapshot(q Query, onNext func(QuerySnapshot), onError func(error)) (stop func())

	Close() error
}

type Reader interface {
	// Get returns the document. A missing document is not an error: Exists is false.
	Get(ctx context.Context, ref DocumentRef) (Snapshot, error)
	GetAll(ctx context.Context, q Query) ([]Snapshot, error)
	Count(ctx context.Context, q Query) (int, error)
}

type Writer interface {
	// Create writes a new document and fails with ErrAlreadyExists if it exists.
	Create(ctx context.Context, ref DocumentRef, data Data) error
	// Set replaces the document, or merges into it when merge is true.
	Set(ctx context.Context, ref DocumentRef, data Data, merge bool) error
	// Update patches fields of an existing document and fails with ErrNotFound otherwise.
	// Keys may be dotted field paths; DeleteField removes the field.
	Update(ctx context.Context, ref DocumentRef, data Data) error
	// Delete removes the document. Deleting a missing document succeeds.
	Delete(ctx context.Context, ref DocumentRef) error

	NewBatch() Batch
}

// Batch groups writes committed atomically.
type Batch interface {
	Create(ref DocumentRef, data Data)
	Set(ref DocumentRef, data Data, merge bool)
	Update(ref DocumentRef, data Data)
	Delete(ref DocumentRef)
	Len() int
	Commit(ctx context.Context) error
}

// WriteKind is the kind of a buffered write.
type WriteKind int

const (
	WriteCreate WriteKind = iota
	WriteSet
	WriteMerge
	WriteUpdate
	WriteDelete
)

// Write is a buffered batch write. Backends share [Writes] to implement Batch.
type Write struct {
	Kind WriteKind
	Ref  DocumentRef
	Data Data
}

// Writes is a reusable Batch buffer; backends embed it and implement Commit.
type Writes struct {
	List []Write
}

func (w *Writes) Create(ref DocumentRef, data Data) {
	w.List = append(w.List, Write{Kind: WriteCreate, Ref: ref, Data: data})
}

func (w *Writes) Set(ref DocumentRef, data Data, merge bool) {
	kind := WriteSet
	if merge {
		kind = WriteMerge
	}
	w.List = append(w.List, Write{Kind: kind, Ref: ref, Data: data})
}

func (w *Writes) Update(ref DocumentRef, data Data) {
	w.List = append(w.List, Write{Kind: WriteUpdate, Ref: ref, Data: data})
}

func (w *Writes) Delete(ref DocumentRef) {
	w.List = append(w.List, Write{Kind: WriteDelete, Ref: ref})
}

func (w *Writes) Len() int {
	return len(w.List)
}

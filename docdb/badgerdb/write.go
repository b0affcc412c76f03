package badgerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/attr"
	"github.com/add-eus/library/docdb/docquery"
	"github.com/add-eus/library/docdb/rules"
	"github.com/add-eus/library/docdb/watch"
	"github.com/dgraph-io/badger/v4"
)

// Create writes a new document.
func (s *Store) Create(ctx context.Context, ref docdb.DocumentRef, data docdb.Data) error {
	return s.commit(ctx, []docdb.Write{{Kind: docdb.WriteCreate, Ref: ref, Data: data}})
}

// Set replaces or merges a document.
func (s *Store) Set(ctx context.Context, ref docdb.DocumentRef, data docdb.Data, merge bool) error {
	kind := docdb.WriteSet
	if merge {
		kind = docdb.WriteMerge
	}
	return s.commit(ctx, []docdb.Write{{Kind: kind, Ref: ref, Data: data}})
}

// Update patches an existing document.
func (s *Store) Update(ctx context.Context, ref docdb.DocumentRef, data docdb.Data) error {
	return s.commit(ctx, []docdb.Write{{Kind: docdb.WriteUpdate, Ref: ref, Data: data}})
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, ref docdb.DocumentRef) error {
	return s.commit(ctx, []docdb.Write{{Kind: docdb.WriteDelete, Ref: ref}})
}

// NewBatch starts an atomic write batch.
func (s *Store) NewBatch() docdb.Batch {
	return &batch{store: s}
}

type batch struct {
	docdb.Writes
	store *Store
}

func (b *batch) Commit(ctx context.Context) error {
	return b.store.commit(ctx, b.List)
}

func ruleOp(kind docdb.WriteKind, exists bool) rules.Op {
	switch kind {
	case docdb.WriteCreate:
		return rules.Create
	case docdb.WriteDelete:
		return rules.Delete
	case docdb.WriteUpdate:
		return rules.Update
	}
	if exists {
		return rules.Update
	}
	return rules.Create
}

// commit applies writes in one badger transaction and publishes the results.
func (s *Store) commit(ctx context.Context, writes []docdb.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var changes []watch.Change
	err := s.db.Update(func(txn *badger.Txn) error {
		// later writes in the same batch see earlier ones
		pending := make(map[string]docdb.Snapshot)
		var order []string

		for _, w := range writes {
			path := w.Ref.Path()
			cur, ok := pending[path]
			if !ok {
				var err error
				cur, err = readDoc(txn, w.Ref)
				if err != nil {
					return err
				}
				order = append(order, path)
			}
			if err := s.rules.CheckDoc(ruleOp(w.Kind, cur.Exists), w.Ref); err != nil {
				return err
			}
			next, err := docquery.Apply(w, cur)
			if err != nil {
				return err
			}
			pending[path] = next
		}

		for _, path := range order {
			snap := pending[path]
			key := encodeKey(snap.Ref)
			if !snap.Exists {
				if err := txn.Delete(key); err != nil {
					return err
				}
			} else {
				raw, err := attr.Encode(snap.Data)
				if err != nil {
					return fmt.Errorf("encode %s: %w", path, err)
				}
				if err := txn.Set(key, raw); err != nil {
					return err
				}
			}
			changes = append(changes, watch.Change{Ref: snap.Ref, After: snap.Data, Exists: snap.Exists})
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return docdb.Errorf(docdb.CodeInvalidArgument, "", "batch too large: %v", err)
	}
	if err != nil {
		return err
	}

	s.hub.Publish(changes...)
	return nil
}

// Package badgerdb is a docdb.Client backed by BadgerDB.
//
// It is the local and test backend: documents live under keys of the form
// collectionPath 0x00 documentID, writes are badger transactions, and live listeners are
// served by a [watch.Hub] fed after every commit. Access rules from [rules.Set] are
// enforced the way a hosted store's security rules would be.
package badgerdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/attr"
	"github.com/add-eus/library/docdb/docquery"
	"github.com/add-eus/library/docdb/rules"
	"github.com/add-eus/library/docdb/watch"
	"github.com/dgraph-io/badger/v4"
)

const keySeparator byte = 0x00

// Options configures the store.
type Options struct {
	// Path to the database directory. If empty, uses in-memory mode.
	Path string
	// InMemory forces in-memory mode even if Path is set.
	InMemory bool
	// Logger receives badger's internal logs. If nil, badger logging is disabled.
	Logger *slog.Logger
	// Rules restricts access. If nil, everything is allowed.
	Rules *rules.Set
}

// Store is a BadgerDB-backed document store.
type Store struct {
	db    *badger.DB
	rules *rules.Set
	hub   *watch.Hub

	// writeMu keeps commit order and publish order identical.
	writeMu sync.Mutex
}

var _ docdb.Client = (*Store)(nil)

// Open opens or creates a store.
func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.Path == "" || opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(SlogLogger{Logger: opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	s := &Store{db: db, rules: opts.Rules}
	s.hub = watch.NewHub(s.runLocked, s.loadLocked)
	return s, nil
}

// Close stops every listener and closes the database.
func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

func encodeKey(ref docdb.DocumentRef) []byte {
	var buf bytes.Buffer
	buf.WriteString(ref.Collection)
	buf.WriteByte(keySeparator)
	buf.WriteString(ref.ID)
	return buf.Bytes()
}

func collectionPrefix(collection string) []byte {
	return append([]byte(collection), keySeparator)
}

func decodeKey(key []byte) (docdb.DocumentRef, error) {
	i := bytes.IndexByte(key, keySeparator)
	if i < 0 {
		return docdb.DocumentRef{}, fmt.Errorf("malformed key %q", key)
	}
	return docdb.DocumentRef{Collection: string(key[:i]), ID: string(key[i+1:])}, nil
}

func readDoc(txn *badger.Txn, ref docdb.DocumentRef) (docdb.Snapshot, error) {
	item, err := txn.Get(encodeKey(ref))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return docdb.Snapshot{Ref: ref}, nil
	}
	if err != nil {
		return docdb.Snapshot{}, err
	}
	var data docdb.Data
	err = item.Value(func(val []byte) error {
		data, err = attr.Decode(val)
		return err
	})
	if err != nil {
		return docdb.Snapshot{}, fmt.Errorf("read %s: %w", ref.Path(), err)
	}
	return docdb.Snapshot{Ref: ref, Data: data, Exists: true}, nil
}

// Get reads one document.
func (s *Store) Get(ctx context.Context, ref docdb.DocumentRef) (docdb.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return docdb.Snapshot{}, err
	}
	if err := s.rules.CheckDoc(rules.Get, ref); err != nil {
		return docdb.Snapshot{}, err
	}
	return s.loadLocked(ref)
}

func (s *Store) loadLocked(ref docdb.DocumentRef) (docdb.Snapshot, error) {
	var snap docdb.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		snap, err = readDoc(txn, ref)
		return err
	})
	return snap, err
}

// GetAll runs a query.
func (s *Store) GetAll(ctx context.Context, q docdb.Query) ([]docdb.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.checkList(q); err != nil {
		return nil, err
	}
	return s.runLocked(q)
}

// Count returns the number of documents matching q, ignoring its limit.
func (s *Store) Count(ctx context.Context, q docdb.Query) (int, error) {
	q.Limit = 0
	docs, err := s.GetAll(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (s *Store) checkList(q docdb.Query) error {
	if q.Group {
		// group queries are checked against the collections of their results
		return nil
	}
	return s.rules.Check(rules.List, q.Collection, "")
}

func (s *Store) runLocked(q docdb.Query) ([]docdb.Snapshot, error) {
	var candidates []docdb.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		if !q.Group {
			opts.Prefix = collectionPrefix(q.Collection)
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ref, err := decodeKey(it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			if !q.MatchesCollection(ref.Collection) {
				continue
			}
			var data docdb.Data
			if err := it.Item().Value(func(val []byte) error {
				var err error
				data, err = attr.Decode(val)
				return err
			}); err != nil {
				return fmt.Errorf("read %s: %w", ref.Path(), err)
			}
			candidates = append(candidates, docdb.Snapshot{Ref: ref, Data: data, Exists: true})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	docs, err := docquery.Run(q, candidates)
	if err != nil {
		return nil, err
	}
	if q.Group {
		for _, d := range docs {
			if err := s.rules.Check(rules.List, d.Ref.Collection, ""); err != nil {
				return nil, err
			}
		}
	}
	return docs, nil
}

// OnSnapshot listens to one document.
func (s *Store) OnSnapshot(ref docdb.DocumentRef, onNext func(docdb.Snapshot), onError func(error)) func() {
	if err := s.rules.CheckDoc(rules.Get, ref); err != nil {
		return watch.Fail(err, onError)
	}
	return s.hub.WatchDoc(ref, onNext, onError)
}

// OnQuerySnapshot listens to a query.
func (s *Store) OnQuerySnapshot(q docdb.Query, onNext func(docdb.QuerySnapshot), onError func(error)) func() {
	if err := q.Validate(); err != nil {
		return watch.Fail(err, onError)
	}
	if err := s.checkList(q); err != nil {
		return watch.Fail(err, onError)
	}
	return s.hub.WatchQuery(q, onNext, onError)
}

package badgerdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, r *rules.Set) *Store {
	store, err := Open(Options{InMemory: true, Rules: r})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// =============================================================================
// Basic CRUD Operations
// =============================================================================

func TestStore_CreateGet(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	ref := docdb.Collection("users").Doc("u1")

	t.Run("missing", func(t *testing.T) {
		snap, err := store.Get(ctx, docdb.Collection("users").Doc("nope"))
		require.NoError(t, err)
		assert.False(t, snap.Exists)
	})

	t.Run("create then get", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		err := store.Create(ctx, ref, docdb.Data{"name": "ada", "age": int64(36), "born": now})
		require.NoError(t, err)

		snap, err := store.Get(ctx, ref)
		require.NoError(t, err)
		require.True(t, snap.Exists)
		assert.Equal(t, "ada", snap.Data["name"])
		assert.Equal(t, int64(36), snap.Data["age"])
		assert.True(t, now.Equal(snap.Data["born"].(time.Time)))
	})

	t.Run("create twice", func(t *testing.T) {
		err := store.Create(ctx, ref, docdb.Data{"name": "other"})
		require.Error(t, err)
		assert.Equal(t, docdb.CodeAlreadyExists, docdb.CodeOf(err))
	})
}

func TestStore_Update(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	ref := docdb.Collection("users").Doc("u1")

	err := store.Update(ctx, ref, docdb.Data{"name": "x"})
	assert.Equal(t, docdb.CodeNotFound, docdb.CodeOf(err))

	require.NoError(t, store.Create(ctx, ref, docdb.Data{
		"name":    "ada",
		"address": map[string]any{"city": "london", "zip": "N1"},
	}))
	require.NoError(t, store.Update(ctx, ref, docdb.Data{
		"address.city": "paris",
		"address.zip":  docdb.DeleteField,
		"age":          int64(3),
	}))

	snap, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, docdb.Data{
		"name":    "ada",
		"age":     int64(3),
		"address": map[string]any{"city": "paris"},
	}, snap.Data)
}

func TestStore_SetMerge(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	ref := docdb.Collection("users").Doc("u1")

	require.NoError(t, store.Set(ctx, ref, docdb.Data{"a": int64(1), "b": int64(2)}, false))
	require.NoError(t, store.Set(ctx, ref, docdb.Data{"b": int64(3), "c": int64(4)}, true))

	snap, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, docdb.Data{"a": int64(1), "b": int64(3), "c": int64(4)}, snap.Data)

	require.NoError(t, store.Set(ctx, ref, docdb.Data{"z": true}, false))
	snap, err = store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, docdb.Data{"z": true}, snap.Data)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	ref := docdb.Collection("users").Doc("u1")

	require.NoError(t, store.Delete(ctx, ref), "deleting a missing document succeeds")
	require.NoError(t, store.Create(ctx, ref, docdb.Data{"a": int64(1)}))
	require.NoError(t, store.Delete(ctx, ref))

	snap, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

// =============================================================================
// Queries
// =============================================================================

func seedNumbers(t *testing.T, store *Store, collection string, n int) {
	t.Helper()
	batch := store.NewBatch()
	for i := 0; i < n; i++ {
		batch.Set(docdb.Collection(collection).Doc(string(rune('a'+i))), docdb.Data{"n": int64(i), "even": i%2 == 0}, false)
	}
	require.NoError(t, batch.Commit(context.Background()))
}

func ids(docs []docdb.Snapshot) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Ref.ID
	}
	return out
}

func TestStore_GetAll(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	seedNumbers(t, store, "numbers", 6)
	seedNumbers(t, store, "other", 2)

	t.Run("filter and order", func(t *testing.T) {
		docs, err := store.GetAll(ctx, docdb.NewQuery("numbers",
			docdb.Where("even", docdb.OpEqual, true),
			docdb.OrderBy("n", docdb.Desc),
		))
		require.NoError(t, err)
		assert.Equal(t, []string{"e", "c", "a"}, ids(docs))
	})

	t.Run("start after and limit", func(t *testing.T) {
		first, err := store.GetAll(ctx, docdb.NewQuery("numbers", docdb.OrderBy("n", docdb.Asc), docdb.Limit(2)))
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, ids(first))

		next, err := store.GetAll(ctx, docdb.NewQuery("numbers",
			docdb.OrderBy("n", docdb.Asc), docdb.StartAfter(first[1]), docdb.Limit(2)))
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d"}, ids(next))
	})

	t.Run("count ignores limit", func(t *testing.T) {
		n, err := store.Count(ctx, docdb.NewQuery("numbers", docdb.Limit(1)))
		require.NoError(t, err)
		assert.Equal(t, 6, n)
	})

	t.Run("in rejects more than ten values", func(t *testing.T) {
		values := make([]any, 11)
		for i := range values {
			values[i] = int64(i)
		}
		_, err := store.GetAll(ctx, docdb.NewQuery("numbers", docdb.Where("n", docdb.OpIn, values)))
		assert.Equal(t, docdb.CodeInvalidArgument, docdb.CodeOf(err))
	})
}

func TestStore_GroupQuery(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, docdb.Collection("users/u1/tags").Doc("t1"), docdb.Data{"originalId": "x"}, false))
	require.NoError(t, store.Set(ctx, docdb.Collection("users/u2/tags").Doc("t2"), docdb.Data{"originalId": "x"}, false))
	require.NoError(t, store.Set(ctx, docdb.Collection("users/u2/tags").Doc("t3"), docdb.Data{"originalId": "y"}, false))
	require.NoError(t, store.Set(ctx, docdb.Collection("tags").Doc("x"), docdb.Data{}, false))

	docs, err := store.GetAll(ctx, docdb.NewGroupQuery("tags", docdb.Or(
		docdb.Where("originalId", docdb.OpEqual, "x"),
		docdb.Where(docdb.DocumentID, docdb.OpEqual, "x"),
	)))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2", "x"}, ids(docs))
}

// =============================================================================
// Batches and rules
// =============================================================================

func TestStore_BatchIsAtomic(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	existing := docdb.Collection("c").Doc("exists")
	require.NoError(t, store.Create(ctx, existing, docdb.Data{}))

	batch := store.NewBatch()
	batch.Set(docdb.Collection("c").Doc("new"), docdb.Data{"a": int64(1)}, false)
	batch.Create(existing, docdb.Data{})
	assert.Equal(t, 2, batch.Len())
	require.Error(t, batch.Commit(ctx))

	snap, err := store.Get(ctx, docdb.Collection("c").Doc("new"))
	require.NoError(t, err)
	assert.False(t, snap.Exists, "failed batch must not leave partial writes")
}

func TestStore_Rules(t *testing.T) {
	r := rules.New().Deny("secrets", rules.Read...).Deny("users/*/private", rules.Update)
	store := newTestStore(t, r)
	ctx := context.Background()

	_, err := store.Get(ctx, docdb.Collection("secrets").Doc("s"))
	assert.ErrorIs(t, err, docdb.ErrPermissionDenied)

	ref := docdb.Collection("users/u1/private").Doc("p")
	require.NoError(t, store.Set(ctx, ref, docdb.Data{"a": int64(1)}, false), "create is still allowed")
	err = store.Update(ctx, ref, docdb.Data{"a": int64(2)})
	require.ErrorIs(t, err, docdb.ErrPermissionDenied)

	var derr *docdb.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ref.Path(), derr.Path)
}

// =============================================================================
// Listeners
// =============================================================================

type recorder[T any] struct {
	mu   sync.Mutex
	got  []T
	errs []error
}

func (r *recorder[T]) next(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder[T]) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func TestStore_OnSnapshot(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	ref := docdb.Collection("users").Doc("u1")

	rec := &recorder[docdb.Snapshot]{}
	stop := store.OnSnapshot(ref, rec.next, rec.fail)
	defer stop()

	require.NoError(t, store.Create(ctx, ref, docdb.Data{"n": int64(1)}))
	require.NoError(t, store.Update(ctx, ref, docdb.Data{"n": int64(2)}))
	require.NoError(t, store.Delete(ctx, ref))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.False(t, got[0].Exists)
	assert.Equal(t, int64(1), got[1].Data["n"])
	assert.Equal(t, int64(2), got[2].Data["n"])
	assert.False(t, got[3].Exists)
}

func TestStore_OnQuerySnapshot(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	seedNumbers(t, store, "numbers", 3)

	rec := &recorder[docdb.QuerySnapshot]{}
	stop := store.OnQuerySnapshot(docdb.NewQuery("numbers", docdb.OrderBy("n", docdb.Asc)), rec.next, rec.fail)
	defer stop()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, ids(rec.snapshot()[0].Docs))

	require.NoError(t, store.Update(ctx, docdb.Collection("numbers").Doc("b"), docdb.Data{"label": "two"}))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.snapshot()[1].OnlyModified())

	require.NoError(t, store.Delete(ctx, docdb.Collection("numbers").Doc("a")))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	last := rec.snapshot()[2]
	assert.Equal(t, []string{"b", "c"}, ids(last.Docs))
	assert.False(t, last.OnlyModified())

	// writes elsewhere do not produce snapshots
	require.NoError(t, store.Set(ctx, docdb.Collection("elsewhere").Doc("x"), docdb.Data{}, false))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 3)
}

func TestStore_OnQuerySnapshotDenied(t *testing.T) {
	store := newTestStore(t, rules.New().Deny("hidden", rules.List))

	rec := &recorder[docdb.QuerySnapshot]{}
	stop := store.OnQuerySnapshot(docdb.NewQuery("hidden"), rec.next, rec.fail)
	defer stop()

	require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.errors()[0], docdb.ErrPermissionDenied)
	assert.Empty(t, rec.snapshot())
}

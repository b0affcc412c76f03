package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingIndex struct {
	calls int
	hits  []Hit
}

func (c *countingIndex) Search(ctx context.Context, text string) ([]Hit, error) {
	c.calls++
	return c.hits, nil
}

func TestIDs(t *testing.T) {
	hits, err := IDs("a", "b").Search(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []Hit{{ObjectID: "a", Score: 2}, {ObjectID: "b", Score: 1}}, hits)
}

func TestIndexes_Unknown(t *testing.T) {
	hits, err := Indexes{}.Index("missing").Search(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCached(t *testing.T) {
	users := &countingIndex{hits: IDs("u1")}
	cached, err := NewCached(Indexes{"users": users}, 8)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		hits, err := cached.Index("users").Search(ctx, "ada")
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	}
	assert.Equal(t, 1, users.calls)

	_, err = cached.Index("users").Search(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, users.calls)

	cached.Purge()
	_, err = cached.Index("users").Search(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, 3, users.calls)
}

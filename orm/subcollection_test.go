package orm

import (
	"context"
	"errors"
	"testing"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/rules"
	"github.com/add-eus/library/reactive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memberRef(team, id string) docdb.DocumentRef {
	return docdb.Collection("teams").Doc(team).Sub("members").Doc(id)
}

func seedTeams(t *testing.T, db docdb.Client, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, db.Create(context.Background(), docdb.Collection("teams").Doc(id), docdb.Data{"title": id}))
	}
}

// =============================================================================
// Local list and persistence
// =============================================================================

func TestSubCollection_AddIsSavedWithOwner(t *testing.T) {
	db := newTestDB(t, nil)
	s := newTestStore(t, db)
	ctx := context.Background()

	u := newUser(s, "ada", "ada@example.com")
	require.NoError(t, u.Save(ctx))

	team := NewDoc(nil, s, teamModel)
	team.Title.Set("core")
	assert.Empty(t, team.Members.Path())
	assert.ErrorIs(t, team.Members.SetOptions(CollectionOptions{}), ErrInvariant)

	team.Members.Add(u)
	team.Members.Add(u)
	assert.Equal(t, 1, team.Members.List().Len())

	require.NoError(t, team.Save(ctx))
	assert.Equal(t, "teams/"+team.ID()+"/members", team.Members.Path())

	snap, err := db.Get(ctx, memberRef(team.ID(), u.ID()))
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, u.ID(), snap.Data["originalId"])
	assert.Equal(t, "ada", snap.Data["name"])
	assert.NotContains(t, snap.Data, "email", "blacklisted properties are not copied")
}

func TestSubCollection_NewEntityIsSavedFirst(t *testing.T) {
	db := newTestDB(t, nil)
	s := newTestStore(t, db)
	ctx := context.Background()
	seedTeams(t, db, "t1")

	scope := reactive.NewScope()
	t.Cleanup(scope.Dispose)
	team, err := UseDoc(scope, s, teamModel, "t1")
	require.NoError(t, err)

	u := newUser(s, "grace", "grace@example.com")
	team.Members.Add(u)
	require.NoError(t, team.Save(ctx))
	require.False(t, u.IsNew())

	root, err := db.Get(ctx, docdb.Collection("users").Doc(u.ID()))
	require.NoError(t, err)
	assert.True(t, root.Exists)

	exists, err := team.Members.Exists(ctx, u)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = team.Members.ExistsByID(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSubCollection_ListFollowsRemote(t *testing.T) {
	db := newTestDB(t, nil)
	s := newTestStore(t, db)
	ctx := context.Background()
	seedTeams(t, db, "t1")
	require.NoError(t, db.Create(ctx, memberRef("t1", "a"), docdb.Data{"name": "a", "originalId": "a"}))

	scope := reactive.NewScope()
	t.Cleanup(scope.Dispose)
	team, err := UseDoc(scope, s, teamModel, "t1")
	require.NoError(t, err)

	list := team.Members.List()
	require.Eventually(t, func() bool { return list.Len() == 1 }, eventually, tick)
	assert.True(t, team.Members.Fetched())
	assert.Equal(t, "a", list.Items()[0].ID())

	require.NoError(t, db.Create(ctx, memberRef("t1", "b"), docdb.Data{"name": "b", "originalId": "b"}))
	require.Eventually(t, func() bool { return list.Len() == 2 }, eventually, tick)

	toDelete, toAdd := team.Members.ArrayModification()
	assert.Empty(t, toDelete)
	assert.Empty(t, toAdd)

	t.Run("remove is saved with owner", func(t *testing.T) {
		team.Members.Remove(list.Items()[0])
		toDelete, toAdd := team.Members.ArrayModification()
		require.Len(t, toDelete, 1)
		assert.Empty(t, toAdd)

		require.NoError(t, team.Save(ctx))
		snap, err := db.Get(ctx, memberRef("t1", "a"))
		require.NoError(t, err)
		assert.False(t, snap.Exists)
		require.Eventually(t, func() bool { return list.Len() == 1 }, eventually, tick)
		assert.Equal(t, "b", list.Items()[0].ID())
	})
}

// =============================================================================
// Duplicate propagation
// =============================================================================

func TestEntity_SavePropagatesToCopies(t *testing.T) {
	db := newTestDB(t, nil)
	s := newTestStore(t, db)
	ctx := context.Background()
	seedTeams(t, db, "t1", "t2")

	u := newUser(s, "ada", "ada@example.com")
	require.NoError(t, u.Save(ctx))

	scope := reactive.NewScope()
	t.Cleanup(scope.Dispose)
	for _, id := range []string{"t1", "t2"} {
		team, err := UseDoc(scope, s, teamModel, id)
		require.NoError(t, err)
		team.Members.Add(u)
		require.NoError(t, team.Save(ctx))
	}

	u.Name.Set("ada lovelace")
	u.Email.Set("ada@lovelace.org")
	require.NoError(t, u.Save(ctx))

	for _, id := range []string{"t1", "t2"} {
		snap, err := db.Get(ctx, memberRef(id, u.ID()))
		require.NoError(t, err)
		assert.Equal(t, "ada lovelace", snap.Data["name"], id)
		assert.NotContains(t, snap.Data, "email", id)
	}
}

func TestEntity_PropagationAttemptsEveryPath(t *testing.T) {
	r := rules.New()
	db := newTestDB(t, r)
	s := newTestStore(t, db)
	ctx := context.Background()
	seedTeams(t, db, "t1", "t2")

	u := newUser(s, "ada", "ada@example.com")
	require.NoError(t, u.Save(ctx))

	scope := reactive.NewScope()
	t.Cleanup(scope.Dispose)
	for _, id := range []string{"t1", "t2"} {
		team, err := UseDoc(scope, s, teamModel, id)
		require.NoError(t, err)
		team.Members.Add(u)
		require.NoError(t, team.Save(ctx))
	}

	r.Deny("teams/t2/members", rules.Update)
	u.Name.Set("renamed")
	err := u.Save(ctx)
	require.Error(t, err)

	var ade *AccessDeniedError
	require.True(t, errors.As(err, &ade))
	assert.Equal(t, "edit", ade.Op)
	assert.Contains(t, ade.Path, "teams/t2/members")

	root, err := db.Get(ctx, docdb.Collection("users").Doc(u.ID()))
	require.NoError(t, err)
	assert.Equal(t, "renamed", root.Data["name"])

	allowed, err := db.Get(ctx, memberRef("t1", u.ID()))
	require.NoError(t, err)
	assert.Equal(t, "renamed", allowed.Data["name"])

	denied, err := db.Get(ctx, memberRef("t2", u.ID()))
	require.NoError(t, err)
	assert.Equal(t, "ada", denied.Data["name"])
}

func TestEntity_DeleteRemovesCopies(t *testing.T) {
	db := newTestDB(t, nil)
	s := newTestStore(t, db)
	ctx := context.Background()
	seedTeams(t, db, "t1")

	u := newUser(s, "ada", "ada@example.com")
	require.NoError(t, u.Save(ctx))
	scope := reactive.NewScope()
	t.Cleanup(scope.Dispose)
	team, err := UseDoc(scope, s, teamModel, "t1")
	require.NoError(t, err)
	team.Members.Add(u)
	require.NoError(t, team.Save(ctx))

	require.NoError(t, u.Delete(ctx))
	snap, err := db.Get(ctx, memberRef("t1", u.ID()))
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestEntity_DeleteDeniedOnOneCopy(t *testing.T) {
	r := rules.New()
	db := newTestDB(t, r)
	s := newTestStore(t, db)
	ctx := context.Background()
	seedTeams(t, db, "t1", "t2")

	u := newUser(s, "ada", "ada@example.com")
	require.NoError(t, u.Save(ctx))

	scope := reactive.NewScope()
	t.Cleanup(scope.Dispose)
	for _, id := range []string{"t1", "t2"} {
		team, err := UseDoc(scope, s, teamModel, id)
		require.NoError(t, err)
		team.Members.Add(u)
		require.NoError(t, team.Save(ctx))
	}

	r.Deny("teams/t2/members", rules.Delete)
	err := u.Delete(ctx)
	require.Error(t, err)

	var ade *AccessDeniedError
	require.True(t, errors.As(err, &ade))
	assert.Equal(t, "delete", ade.Op)
	assert.Contains(t, ade.Path, "teams/t2/members")

	removed, err := db.Get(ctx, memberRef("t1", u.ID()))
	require.NoError(t, err)
	assert.False(t, removed.Exists)

	kept, err := db.Get(ctx, memberRef("t2", u.ID()))
	require.NoError(t, err)
	assert.True(t, kept.Exists)
}

package rules

import (
	"testing"

	"github.com/add-eus/library/docdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_Check(t *testing.T) {
	var nilSet *Set
	assert.NoError(t, nilSet.Check(Delete, "anything", ""))

	s := New().
		Deny("users/*/private", Write...).
		Allow("users/admin/private", Update).
		Deny("secrets", Read...)

	assert.NoError(t, s.Check(Create, "users", ""))
	assert.NoError(t, s.Check(Update, "users/admin/private", ""), "last matching rule wins")
	assert.ErrorIs(t, s.Check(Update, "users/u1/private", ""), docdb.ErrPermissionDenied)
	assert.NoError(t, s.Check(Get, "users/u1/private", ""), "read is not denied")

	err := s.CheckDoc(Get, docdb.Collection("secrets").Doc("s1"))
	require.Error(t, err)
	var derr *docdb.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "secrets/s1", derr.Path)

	err = s.Check(List, "secrets", "")
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "secrets", derr.Path)
}

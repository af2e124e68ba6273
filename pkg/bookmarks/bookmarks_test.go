package bookmarks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromIgnoresEmpties(t *testing.T) {
	b := From("bm:1", "", "bm:2", "")
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.Contains("bm:1"))
	assert.False(t, b.Contains(""))
}

func TestZeroValueIsEmptySet(t *testing.T) {
	var b Bookmarks
	assert.True(t, b.Empty())
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Raw())
	assert.False(t, b.Contains("bm:1"))
}

func TestUnion(t *testing.T) {
	a := From("bm:1", "bm:2")
	b := From("bm:2", "bm:3")
	c := From("bm:4")

	u := a.Union(b, c)
	assert.Equal(t, []string{"bm:1", "bm:2", "bm:3", "bm:4"}, u.Raw())

	// Inputs are untouched.
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, b.Len())
}

func TestUnionWithZeroValue(t *testing.T) {
	var zero Bookmarks
	u := zero.Union(From("bm:1"))
	assert.Equal(t, []string{"bm:1"}, u.Raw())
}

func TestRawIsSorted(t *testing.T) {
	b := From("zz", "aa", "mm")
	assert.Equal(t, []string{"aa", "mm", "zz"}, b.Raw())
}

func TestStoreRoundTrip(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("orders", From("bm:1", "bm:2")))

	got, err := s.Load("orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"bm:1", "bm:2"}, got.Raw())
}

func TestStoreLoadMissingDatabase(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load("never-saved")
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestStoreSaveReplaces(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("orders", From("bm:old")))
	require.NoError(t, s.Save("orders", From("bm:new")))

	got, err := s.Load("orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"bm:new"}, got.Raw())
}

func TestStoreDefaultDatabaseKey(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("", From("bm:default")))

	got, err := s.Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"bm:default"}, got.Raw())

	// The unnamed database does not shadow named ones.
	other, err := s.Load("orders")
	require.NoError(t, err)
	assert.True(t, other.Empty())
}

func TestStoreSaveEmptySet(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("orders", From("bm:1")))
	require.NoError(t, s.Save("orders", Bookmarks{}))

	got, err := s.Load("orders")
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

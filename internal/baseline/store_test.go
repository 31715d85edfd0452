package baseline

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("graph-a")
	assert.ErrorIs(t, err, ErrNotFound)

	put, err := s.Put("graph-a", "schema-v1", json.RawMessage(`{"nodes":["plan","act"]}`))
	require.NoError(t, err)
	assert.Equal(t, "graph-a", put.Graph)

	got, err := s.Get("graph-a")
	require.NoError(t, err)
	assert.Equal(t, "schema-v1", got.SchemaID)
	assert.JSONEq(t, `{"nodes":["plan","act"]}`, string(got.SchemaJSON))

	require.NoError(t, s.Delete("graph-a"))
	_, err = s.Get("graph-a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing baseline is clean.
	assert.NoError(t, s.Delete("never-existed"))
}

func TestSanitizeGraphName(t *testing.T) {
	assert.Equal(t, "my-graph_v2.1", SanitizeGraphName("my-graph_v2.1"))
	assert.Equal(t, "default", SanitizeGraphName(""))
	assert.Equal(t, "default", SanitizeGraphName("../../"))
	assert.Equal(t, "etcpasswd", SanitizeGraphName("/etc/passwd"))
	assert.NotContains(t, SanitizeGraphName("a/b\\c"), "/")
}

func TestPathTraversalCannotEscapeDir(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put("../escape", "v1", nil)
	require.NoError(t, err)
	got, err := s.Get("../escape")
	require.NoError(t, err)
	assert.Equal(t, "escape", got.Graph)
}

func TestListPagination(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.Put(fmt.Sprintf("g%d", i), "v1", nil)
		require.NoError(t, err)
	}

	all, err := s.List(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"g0", "g1", "g2", "g3", "g4"}, all)

	page, err := s.List(2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"g2", "g3"}, page)

	tail, err := s.List(10, 2)
	require.NoError(t, err)
	assert.Empty(t, tail)

	capped, err := s.List(0, MaxListLimit+500)
	require.NoError(t, err)
	assert.Len(t, capped, 5)
}

func TestHistoryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put("g", "v1", nil)
	require.NoError(t, err)
	_, err = s.Put("g", "v2", nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete("g"))

	hist, err := s.History("g")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.True(t, hist[0].Deleted)
	assert.Equal(t, "v2", hist[1].SchemaID)
	assert.Equal(t, "v1", hist[2].SchemaID)

	empty, err := s.History("unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCursorStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	store := NewFileCursorStore(path)

	c := newCursors()
	c.OffsetsByPartition["0"] = "12345"
	// Beyond 2^53: must survive as an exact string.
	c.SequencesByThread["thread-a"] = "9007199254740993"
	require.NoError(t, store.Save(c))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "12345", loaded.OffsetsByPartition["0"])
	assert.Equal(t, "9007199254740993", loaded.SequencesByThread["thread-a"])
}

func TestFileCursorStoreMissingFile(t *testing.T) {
	store := NewFileCursorStore(filepath.Join(t.TempDir(), "nope.json"))
	c, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, c.OffsetsByPartition)
	assert.Empty(t, c.SequencesByThread)
}

func TestFileCursorStoreCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	require.NoError(t, os.WriteFile(path, []byte("{torn"), 0o644))

	c, err := NewFileCursorStore(path).Load()
	require.NoError(t, err)
	assert.Empty(t, c.OffsetsByPartition)
}

func TestCursorsSanitizeDropsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	raw := `{"lastOffsetsByPartition":{"0":"10","1":"-5","x":"3","2":"1.5"},
		"lastSequencesByThread":{"t1":"7","":"9","t2":"abc"}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	c, err := NewFileCursorStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0": "10"}, c.OffsetsByPartition)
	assert.Equal(t, map[string]string{"t1": "7"}, c.SequencesByThread)
}

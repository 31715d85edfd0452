package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dashflow-ai/telemetry/internal/codec"
)

// Cursors is the persisted resume position: last applied offset per
// partition and last applied sequence per thread. Values stay decimal
// strings end-to-end; anything past 2^53 never touches a float.
type Cursors struct {
	OffsetsByPartition map[string]string `json:"lastOffsetsByPartition"`
	SequencesByThread  map[string]string `json:"lastSequencesByThread"`
}

func newCursors() Cursors {
	return Cursors{
		OffsetsByPartition: make(map[string]string),
		SequencesByThread:  make(map[string]string),
	}
}

// sanitize drops invalid numeric strings so a corrupted cursor file cannot
// poison a resume request.
func (c *Cursors) sanitize() {
	for p, off := range c.OffsetsByPartition {
		if !codec.ValidSequence(p) || !codec.ValidSequence(off) {
			delete(c.OffsetsByPartition, p)
		}
	}
	for tid, seq := range c.SequencesByThread {
		if tid == "" || !codec.ValidSequence(seq) {
			delete(c.SequencesByThread, tid)
		}
	}
}

// CursorStore persists resume positions across sessions.
type CursorStore interface {
	Load() (Cursors, error)
	Save(Cursors) error
}

// FileCursorStore keeps cursors in one JSON file with atomic replace.
type FileCursorStore struct {
	path string
}

func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: path}
}

func (f *FileCursorStore) Load() (Cursors, error) {
	c := newCursors()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("load cursors: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		// A torn or corrupt file means starting fresh, not crashing.
		return newCursors(), nil
	}
	if c.OffsetsByPartition == nil {
		c.OffsetsByPartition = make(map[string]string)
	}
	if c.SequencesByThread == nil {
		c.SequencesByThread = make(map[string]string)
	}
	c.sanitize()
	return c, nil
}

func (f *FileCursorStore) Save(c Cursors) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cursors-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// MemoryCursorStore is the test double.
type MemoryCursorStore struct {
	cursors Cursors
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: newCursors()}
}

func (m *MemoryCursorStore) Load() (Cursors, error) { return m.cursors, nil }
func (m *MemoryCursorStore) Save(c Cursors) error   { m.cursors = c; return nil }

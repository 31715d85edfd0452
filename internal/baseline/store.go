// Package baseline persists the expected-schema baseline per graph name.
// Live runs are compared against these baselines for drift diagnostics.
// Writes are awaited and atomic: temp file + fsync + rename + dir fsync.
package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a graph has no stored baseline.
var ErrNotFound = errors.New("baseline: not found")

const (
	// DefaultListLimit and MaxListLimit bound pagination.
	DefaultListLimit = 100
	MaxListLimit     = 1000

	maxHistoryEntries = 50
)

// Baseline is one graph's expected structural signature.
type Baseline struct {
	Graph       string          `json:"graph"`
	SchemaID    string          `json:"schemaId"`
	SchemaJSON  json.RawMessage `json:"schemaJson,omitempty"`
	UpdatedAtMs int64           `json:"updatedAtMs"`
}

// HistoryEntry records one baseline change for drift diagnostics.
type HistoryEntry struct {
	SchemaID    string `json:"schemaId"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
	Deleted     bool   `json:"deleted,omitempty"`
}

// Store is a directory of per-graph baseline files.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu sync.Mutex
}

// NewStore ensures the directory exists.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("baseline dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// SanitizeGraphName maps arbitrary graph names onto safe file stems.
// Anything that sanitizes to nothing falls back to "default".
func SanitizeGraphName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.':
			b.WriteByte(c)
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "default"
	}
	if len(out) > 128 {
		out = out[:128]
	}
	return out
}

func (s *Store) path(graph string) string {
	return filepath.Join(s.dir, SanitizeGraphName(graph)+".json")
}

func (s *Store) historyPath(graph string) string {
	return filepath.Join(s.dir, SanitizeGraphName(graph)+".history.json")
}

// Get loads a graph's baseline.
func (s *Store) Get(graph string) (*Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(graph))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse baseline %s: %w", graph, err)
	}
	return &b, nil
}

// Put replaces a graph's baseline. The write is awaited; callers see the
// durable result, not a fire-and-forget promise.
func (s *Store) Put(graph, schemaID string, schemaJSON json.RawMessage) (*Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &Baseline{
		Graph:       SanitizeGraphName(graph),
		SchemaID:    schemaID,
		SchemaJSON:  schemaJSON,
		UpdatedAtMs: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(s.path(graph), data); err != nil {
		return nil, err
	}
	s.appendHistory(graph, HistoryEntry{SchemaID: schemaID, UpdatedAtMs: b.UpdatedAtMs})
	return b, nil
}

// Delete clears a graph's baseline. Missing baselines delete cleanly.
func (s *Store) Delete(graph string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(graph))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete baseline: %w", err)
	}
	if err == nil {
		s.appendHistory(graph, HistoryEntry{UpdatedAtMs: time.Now().UnixMilli(), Deleted: true})
	}
	return nil
}

// List returns graph names page by page, sorted.
func (s *Store) List(offset, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".history.json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)

	if offset >= len(names) {
		return []string{}, nil
	}
	end := offset + limit
	if end > len(names) {
		end = len(names)
	}
	return names[offset:end], nil
}

// History returns a graph's recent baseline changes, newest first.
func (s *Store) History(graph string) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.historyPath(graph))
	if err != nil {
		if os.IsNotExist(err) {
			return []HistoryEntry{}, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", graph, err)
	}
	return entries, nil
}

func (s *Store) appendHistory(graph string, entry HistoryEntry) {
	var entries []HistoryEntry
	if data, err := os.ReadFile(s.historyPath(graph)); err == nil {
		_ = json.Unmarshal(data, &entries)
	}
	entries = append([]HistoryEntry{entry}, entries...)
	if len(entries) > maxHistoryEntries {
		entries = entries[:maxHistoryEntries]
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := atomicWrite(s.historyPath(graph), data); err != nil {
		s.logger.Warn().Err(err).Str("graph", graph).Msg("Failed to persist baseline history")
	}
}

// atomicWrite is temp + fsync + rename + dir fsync, so a crash leaves
// either the old file or the new one, never a torn write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	d, err := os.Open(dir)
	if err != nil {
		return nil // rename landed; dir fsync is best-effort on exotic filesystems
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/supporttools/log-sentinel/pkg/types"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version     int                         `json:"version"`
	Checkpoints map[string]types.Checkpoint `json:"checkpoints"`
}

// FileStore keeps every checkpoint in one JSON document that is replaced
// atomically on each Save.
type FileStore struct {
	mu    sync.Mutex
	path  string
	state map[string]types.Checkpoint
}

// NewFileStore opens path, creating its directory if needed. A missing file
// is an empty store; an unreadable or corrupt file is an error.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	s := &FileStore{path: path, state: make(map[string]types.Checkpoint)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file %s: %w", path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint file %s: %w", path, err)
	}
	for id, cp := range doc.Checkpoints {
		cp.SourceID = id
		s.state[id] = cp
	}
	return s, nil
}

// Load returns the checkpoint for sourceID or nil.
func (s *FileStore) Load(ctx context.Context, sourceID string) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.state[sourceID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// LoadAll returns a copy of every checkpoint.
func (s *FileStore) LoadAll(ctx context.Context) (map[string]types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.Checkpoint, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out, nil
}

// Save replaces the checkpoint of cp.SourceID and rewrites the document.
// The in-memory state only changes once the file is durable.
func (s *FileStore) Save(ctx context.Context, cp types.Checkpoint) error {
	if cp.SourceID == "" {
		return fmt.Errorf("checkpoint has no source id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]types.Checkpoint, len(s.state)+1)
	for k, v := range s.state {
		next[k] = v
	}
	next[cp.SourceID] = cp

	data, err := json.MarshalIndent(fileDocument{Version: fileFormatVersion, Checkpoints: next}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoints: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	s.state = next
	return nil
}

// Close is a no-op; every Save is already durable.
func (s *FileStore) Close() error {
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, renames it over path and syncs the directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
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
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

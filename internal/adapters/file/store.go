package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
)

// Store implements ports.StateStore using the local filesystem.
// It stores one JSON file per thread in a configured directory.
type Store struct {
	BasePath string

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".crucible/tasks".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".crucible", "tasks")
	}
	return &Store{BasePath: basePath}
}

func (s *Store) path(threadID string) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("threadID cannot be empty")
	}
	if strings.ContainsAny(threadID, `/\`) || threadID == "." || threadID == ".." {
		return "", fmt.Errorf("invalid threadID %q", threadID)
	}
	return filepath.Join(s.BasePath, threadID+".json"), nil
}

// Create writes a new record. Fails with domain.ErrTaskExists if the file is present.
func (s *Store) Create(ctx context.Context, record *domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.path(record.ThreadID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return domain.ErrTaskExists
	}
	return s.write(p, record)
}

// Save persists the record atomically.
func (s *Store) Save(ctx context.Context, record *domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.path(record.ThreadID)
	if err != nil {
		return err
	}
	return s.write(p, record)
}

// Load retrieves the record from its JSON file.
func (s *Store) Load(ctx context.Context, threadID string) (*domain.TaskRecord, error) {
	p, err := s.path(threadID)
	if err != nil {
		return nil, err
	}
	return s.read(p)
}

// Apply reads, merges and rewrites the record under the store mutex.
func (s *Store) Apply(ctx context.Context, threadID string, fn ports.DeltaFunc) (*domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.path(threadID)
	if err != nil {
		return nil, err
	}
	rec, err := s.read(p)
	if err != nil {
		return nil, err
	}
	delta, err := fn(rec.Clone())
	if err != nil {
		return nil, err
	}
	rec.Apply(delta)
	if err := s.write(p, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record file.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	p, err := s.path(threadID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete task file: %w", err)
	}
	return nil
}

// List returns all stored thread IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *Store) read(p string) (*domain.TaskRecord, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var rec domain.TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task record: %w", err)
	}
	return &rec, nil
}

// write replaces the file through a synced temp file and a rename.
func (s *Store) write(dest string, record *domain.TaskRecord) error {
	if err := os.MkdirAll(s.BasePath, 0o755); err != nil {
		return fmt.Errorf("failed to ensure task directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}

	// Same directory keeps the rename on one filesystem.
	tmpFile, err := os.CreateTemp(s.BasePath, "tmp-"+record.ThreadID+"-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	// Windows cannot rename an open file.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Windows refuses to rename over an existing file.
	if _, err := os.Stat(dest); err == nil {
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("failed to remove existing task file for overwrite: %w", err)
		}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ExecutionStore persists execution contexts. Durability is best-effort;
// the in-memory context stays authoritative for a run in progress.
type ExecutionStore interface {
	Save(execCtx *ExecutionContext) error
	Load(executionID string) (*ExecutionContext, error)
	List() ([]*ExecutionContext, error)
	Delete(executionID string) error
}

// FileStore keeps one JSON file per execution under a directory,
// serialized through a directory-level file lock so concurrent processes
// do not interleave writes
type FileStore struct {
	dir  string
	lock *flock.Flock
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create executions dir: %w", err)
	}
	return &FileStore{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".lock")),
	}, nil
}

// DefaultFileStore uses ~/.skein/executions
func DefaultFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewFileStore(filepath.Join(home, ".skein", "executions"))
}

func (s *FileStore) path(executionID string) string {
	return filepath.Join(s.dir, executionID+".json")
}

func (s *FileStore) Save(execCtx *ExecutionContext) error {
	if execCtx.ExecutionID == "" {
		return fmt.Errorf("execution id is empty")
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	defer s.lock.Unlock()

	data, err := json.MarshalIndent(execCtx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	// Write-then-rename keeps the file parseable if the process dies mid-write
	tmp := s.path(execCtx.ExecutionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write execution: %w", err)
	}
	return os.Rename(tmp, s.path(execCtx.ExecutionID))
}

func (s *FileStore) Load(executionID string) (*ExecutionContext, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	defer s.lock.Unlock()

	data, err := os.ReadFile(s.path(executionID))
	if err != nil {
		return nil, fmt.Errorf("read execution %s: %w", executionID, err)
	}

	var execCtx ExecutionContext
	if err := json.Unmarshal(data, &execCtx); err != nil {
		return nil, fmt.Errorf("parse execution %s: %w", executionID, err)
	}
	return &execCtx, nil
}

func (s *FileStore) List() ([]*ExecutionContext, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	defer s.lock.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read executions dir: %w", err)
	}

	var out []*ExecutionContext
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var execCtx ExecutionContext
		if err := json.Unmarshal(data, &execCtx); err != nil {
			continue
		}
		out = append(out, &execCtx)
	}
	return out, nil
}

func (s *FileStore) Delete(executionID string) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	defer s.lock.Unlock()

	if err := os.Remove(s.path(executionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete execution %s: %w", executionID, err)
	}
	return nil
}

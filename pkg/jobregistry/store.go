package jobregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	_ Store          = (*FileStore)(nil)
	_ CancelSignaler = (*FileStore)(nil)
)

// FileStore persists JobStates under an on-disk directory so that other
// processes (for example `gsadash jobs status`) can poll them.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/cancel
//
// job.json is replaced via temp file + rename, so readers always see a
// complete snapshot.
type FileStore struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore returns a store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root: strings.TrimSpace(root),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *FileStore) RootDir() string {
	return s.root
}

func (s *FileStore) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileStore) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *FileStore) cancelPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "cancel")
}

func (s *FileStore) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *FileStore) Register(_ context.Context, state JobState) error {
	state, err := prepareRegister(state, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(&state)
}

func (s *FileStore) Update(_ context.Context, jobID string, completed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.read(jobID)
	if err != nil {
		return err
	}
	if err := applyUpdate(&state, completed, total, s.now()); err != nil {
		return err
	}
	return s.write(&state)
}

func (s *FileStore) Read(_ context.Context, jobID string) (JobState, error) {
	return s.read(jobID)
}

func (s *FileStore) MarkDone(_ context.Context, jobID string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.read(jobID)
	if err != nil {
		return err
	}
	changed, err := applyDone(&state, outcome, s.now())
	if err != nil || !changed {
		return err
	}
	if err := s.write(&state); err != nil {
		return err
	}
	_ = os.Remove(s.cancelPath(jobID))
	return nil
}

func (s *FileStore) Reset(_ context.Context, jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]JobState, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobState, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := s.read(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, state)
	}

	sortNewestFirst(out)
	return out, nil
}

// RequestCancel drops a cancel marker that the owning executor picks up at
// the next unit boundary.
func (s *FileStore) RequestCancel(_ context.Context, jobID string) error {
	state, err := s.read(jobID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	if err := os.WriteFile(s.cancelPath(jobID), []byte(s.now().Format(time.RFC3339Nano)+"\n"), 0644); err != nil {
		return fmt.Errorf("write cancel marker: %w", err)
	}
	return nil
}

func (s *FileStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	_, err := os.Stat(s.cancelPath(jobID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) read(jobID string) (JobState, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobState{}, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return JobState{}, ErrJobNotFound
		}
		return JobState{}, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return JobState{}, fmt.Errorf("job.json is empty")
	}

	var state JobState
	if err := json.Unmarshal([]byte(trimmed), &state); err != nil {
		return JobState{}, fmt.Errorf("parse job.json: %w", err)
	}
	return state, nil
}

func (s *FileStore) write(state *JobState) error {
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(state.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(state.JobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

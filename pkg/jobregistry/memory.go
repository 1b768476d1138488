package jobregistry

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps job records in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]JobState
	now  func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]JobState),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Register(_ context.Context, state JobState) error {
	state, err := prepareRegister(state, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[state.JobID] = state
	return nil
}

func (m *MemoryStore) Update(_ context.Context, jobID string, completed, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if err := applyUpdate(&state, completed, total, m.now()); err != nil {
		return err
	}
	m.jobs[jobID] = state
	return nil
}

func (m *MemoryStore) Read(_ context.Context, jobID string) (JobState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.jobs[jobID]
	if !ok {
		return JobState{}, ErrJobNotFound
	}
	return state, nil
}

func (m *MemoryStore) MarkDone(_ context.Context, jobID string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	changed, err := applyDone(&state, outcome, m.now())
	if err != nil || !changed {
		return err
	}
	m.jobs[jobID] = state
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]JobState, error) {
	m.mu.RLock()
	out := make([]JobState, 0, len(m.jobs))
	for _, s := range m.jobs {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

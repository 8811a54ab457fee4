package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists job records. Per-job writes come from a single owning
// worker, so implementations need durability and atomic replacement of one
// record, not cross-writer locking.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, j *Job) error
	List(ctx context.Context) ([]*Job, error)
}

// reconcile enforces the lifecycle invariants shared by all stores:
// terminal states are immutable, and the progress counter pollers observe
// never moves backwards. A whole-job retry legitimately re-runs early
// stages, so a lower incoming value is clamped to the stored one rather
// than rejected.
func reconcile(old, updated *Job) error {
	if old.Status.Terminal() {
		return fmt.Errorf("job %s is already %s and cannot change", old.ID, old.Status)
	}
	if updated.Progress < old.Progress {
		updated.Progress = old.Progress
	}
	return nil
}

// MemoryStore implements Store with a mutex-protected map. It backs tests
// and single-node deployments without Redis.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	copied := *j
	s.jobs[j.ID] = &copied
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s not found", id)
	}
	// Return a copy so callers cannot mutate the stored record in place.
	copied := *j
	return &copied, nil
}

func (s *MemoryStore) Update(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.jobs[j.ID]
	if !exists {
		return fmt.Errorf("job %s not found for update", j.ID)
	}
	if err := reconcile(old, j); err != nil {
		return err
	}
	copied := *j
	s.jobs[j.ID] = &copied
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		copied := *j
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, k int) bool {
		return all[i].CreatedAt.After(all[k].CreatedAt)
	})
	return all, nil
}

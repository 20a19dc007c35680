package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/magistory/render-server/internal/model"
	"github.com/magistory/render-server/internal/pkg/logger"
)

// MemoryRegistry keeps jobs in a map guarded by a RWMutex. State is lost on
// restart.
type MemoryRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	log  *logger.Logger
	now  func() time.Time
}

func NewMemoryRegistry(log *logger.Logger) *MemoryRegistry {
	if log == nil {
		log = logger.Discard()
	}
	return &MemoryRegistry{
		jobs: make(map[string]*model.Job),
		log:  log.WithComponent("registry"),
		now:  time.Now,
	}
}

func (r *MemoryRegistry) Create(_ context.Context) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job := newJob(r.now())
	for r.jobs[job.ID] != nil {
		job = newJob(job.CreatedAt)
	}
	r.jobs[job.ID] = job

	out := *job
	return &out, nil
}

func (r *MemoryRegistry) Transition(_ context.Context, id string, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		r.log.Warn("transition on unknown job", "job_id", id, "status", u.Status)
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	from := job.Status
	if err := apply(job, u, r.now()); err != nil {
		r.log.Warn("rejected job transition", "job_id", id, "from", from, "to", u.Status)
		return fmt.Errorf("%w: %s -> %s", err, from, u.Status)
	}
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *job
	return &out, nil
}

func (r *MemoryRegistry) EvictOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := r.now().Add(-age)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, job := range r.jobs {
		if job.CreatedAt.Before(cutoff) {
			delete(r.jobs, id)
			evicted++
		}
	}
	return evicted, nil
}

// Len returns the number of live records
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

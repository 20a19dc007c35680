// Package registry holds the authoritative record of every live render job.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/magistory/render-server/internal/model"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Update carries a status change and the field that belongs to it
type Update struct {
	Status   model.JobStatus
	VideoURL string
	Error    string
}

// Completed returns the update that finishes a job with url
func Completed(url string) Update {
	return Update{Status: model.JobStatusCompleted, VideoURL: url}
}

// Failed returns the update that moves a job to error with msg
func Failed(msg string) Update {
	return Update{Status: model.JobStatusError, Error: msg}
}

// Uploading returns the update that hands a job to the upload stage
func Uploading() Update {
	return Update{Status: model.JobStatusUploading}
}

// Registry is the single source of truth for job state. Implementations
// serialize updates per record and never hand out shared mutable records.
type Registry interface {
	// Create inserts a new job in processing state
	Create(ctx context.Context) (*model.Job, error)
	// Transition applies u if it is forward-reachable from the current status.
	// Unknown ids return ErrNotFound and illegal moves ErrInvalidTransition;
	// in both cases the record is unchanged.
	Transition(ctx context.Context, id string, u Update) error
	// Get returns a copy of the record
	Get(ctx context.Context, id string) (*model.Job, error)
	// EvictOlderThan removes every record created before now-age, whatever its status
	EvictOlderThan(ctx context.Context, age time.Duration) (int, error)
}

func newJob(now time.Time) *model.Job {
	return &model.Job{
		ID:        uuid.New().String(),
		Status:    model.JobStatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// apply mutates job according to u, keeping videoUrl and error exclusive to
// the status they belong to.
func apply(job *model.Job, u Update, now time.Time) error {
	if !job.Status.CanTransitionTo(u.Status) {
		return ErrInvalidTransition
	}
	// a completed job is only observable with its video
	if u.Status == model.JobStatusCompleted && u.VideoURL == "" {
		return ErrInvalidTransition
	}
	job.Status = u.Status
	job.VideoURL = ""
	job.Error = ""
	switch u.Status {
	case model.JobStatusCompleted:
		job.VideoURL = u.VideoURL
	case model.JobStatusError:
		job.Error = u.Error
		if job.Error == "" {
			job.Error = "Unknown error"
		}
	}
	job.UpdatedAt = now
	return nil
}

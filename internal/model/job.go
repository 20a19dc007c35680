package model

import "time"

// JobStatus is the lifecycle state of a render job
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusUploading  JobStatus = "uploading"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusError      JobStatus = "error"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// CanTransitionTo reports whether next is forward-reachable from s.
// processing -> uploading -> completed, with error reachable from
// processing or uploading.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusProcessing:
		return next == JobStatusUploading || next == JobStatusError
	case JobStatusUploading:
		return next == JobStatusCompleted || next == JobStatusError
	default:
		return false
	}
}

// Job is the registry record for one render
type Job struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	VideoURL  string    `json:"videoUrl,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusResponse projects the record onto the polling response.
// VideoURL and Error are only emitted for the status they belong to.
func (j *Job) StatusResponse() *RenderStatusResponse {
	resp := &RenderStatusResponse{Status: j.Status}
	switch j.Status {
	case JobStatusCompleted:
		resp.VideoURL = j.VideoURL
	case JobStatusError:
		resp.Error = j.Error
	}
	return resp
}

// RenderJobPayload is what travels from the dispatcher to the pipeline,
// either in memory or serialized into a queue task.
type RenderJobPayload struct {
	JobID   string         `json:"jobId"`
	Request *RenderRequest `json:"request"`
}

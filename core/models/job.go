package models

import "time"

// Job represents a transcription job submitted through the chat transport
type Job struct {
	ID          string
	UserID      string // requester identity used for admission counting
	Username    string
	InputPath   string // local staging path of the downloaded media
	InputName   string // original filename as supplied by the requester
	InputSize   int64  // bytes
	Options     JobOptions
	Status      JobStatus
	WorkerID    string
	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobOptions carries the per-job transcription options
type JobOptions struct {
	Model    string // model variant, e.g. "turbo"
	Language string // ISO language code or "auto"
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusProvisioning JobStatus = "provisioning"
	JobStatusConnecting   JobStatus = "connecting"
	JobStatusUploading    JobStatus = "uploading"
	JobStatusTranscribing JobStatus = "transcribing"
	JobStatusFetching     JobStatus = "fetching"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

// Terminal reports whether the status is a final one
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

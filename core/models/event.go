package models

import "time"

// JobEvent represents a status transition event for a job
type JobEvent struct {
	JobID  string
	At     time.Time
	From   JobStatus
	To     JobStatus
	Reason string // short operator-facing note, empty on normal progress
}

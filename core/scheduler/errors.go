package scheduler

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// AdmissionReason says why a submission was rejected at the door
type AdmissionReason string

const (
	ReasonGlobalLimit AdmissionReason = "global_limit_exceeded"
	ReasonUserLimit   AdmissionReason = "user_limit_exceeded"
	ReasonNotAllowed  AdmissionReason = "not_allowed"
)

// AdmissionError is returned by Submit when a job is rejected rather than
// queued. Rejection leaves no trace: no counters move, nothing is
// provisioned.
type AdmissionError struct {
	Reason AdmissionReason
	UserID string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("submission rejected for user %s: %s", e.UserID, e.Reason)
}

// ErrInputTooLarge rejects an input over the configured size ceiling before
// any admission counter moves.
var ErrInputTooLarge = errors.New("input exceeds the configured size ceiling")

// ErrJobTimeout marks a job that exceeded its wall-clock budget.
var ErrJobTimeout = errors.New("job exceeded its time budget")

// ErrJobCancelled marks a job cancelled by its requester.
var ErrJobCancelled = errors.New("job cancelled by requester")

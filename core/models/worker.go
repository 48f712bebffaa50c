package models

import "time"

// WorkerState represents the lifecycle state of a remote worker
type WorkerState string

const (
	WorkerProvisioning  WorkerState = "provisioning"
	WorkerAwaitingReady WorkerState = "awaiting_ready"
	WorkerReady         WorkerState = "ready"
	WorkerBusy          WorkerState = "busy"
	WorkerTearingDown   WorkerState = "tearing_down"
	WorkerDead          WorkerState = "dead"
)

// Worker represents an ephemeral remote compute worker
type Worker struct {
	ID          string // registry-assigned, ordered by creation
	Name        string // provisioner-facing deployment name, "cmp" + 8 hex
	Addr        string // reachable address once provisioned
	State       WorkerState
	AssignedJob string // job id; set only in Busy and TearingDown
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// Idle reports whether the worker can accept a job
func (w *Worker) Idle() bool {
	return w.State == WorkerReady && w.AssignedJob == ""
}

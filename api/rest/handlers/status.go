package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/registry"
	"transcribe-orchestrator/core/scheduler"
)

// StatusHandler serves the operator-facing view of the orchestrator:
// admission counters, pool state, and in-flight jobs
type StatusHandler struct {
	reg   *registry.Registry
	sched *scheduler.Scheduler
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(reg *registry.Registry, sched *scheduler.Scheduler) *StatusHandler {
	return &StatusHandler{reg: reg, sched: sched}
}

// Healthz reports liveness
func (h *StatusHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// jobView is the API shape of an in-flight job. Requester identity and
// input names stay internal.
type jobView struct {
	ID          string           `json:"id"`
	Status      models.JobStatus `json:"status"`
	WorkerID    string           `json:"worker_id,omitempty"`
	Model       string           `json:"model"`
	Language    string           `json:"language"`
	SubmittedAt time.Time        `json:"submitted_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
}

// GetStatus returns admission counters, pool statistics, and active jobs
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	global, perUser := h.sched.Counts()
	jobs := h.sched.ActiveJobs()

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:          j.ID,
			Status:      j.Status,
			WorkerID:    j.WorkerID,
			Model:       j.Options.Model,
			Language:    j.Options.Language,
			SubmittedAt: j.SubmittedAt,
			StartedAt:   j.StartedAt,
		})
	}

	writeJSON(w, map[string]interface{}{
		"admission": map[string]interface{}{
			"global_in_flight": global,
			"per_user":         perUser,
		},
		"workers": h.reg.Stats(),
		"jobs":    views,
	})
}

// workerView is the API shape of a pool worker
type workerView struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Addr        string             `json:"addr,omitempty"`
	State       models.WorkerState `json:"state"`
	AssignedJob string             `json:"assigned_job,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	LastUsedAt  *time.Time         `json:"last_used_at,omitempty"`
}

// ListWorkers returns every live worker record
func (h *StatusHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.reg.Snapshot()

	views := make([]workerView, 0, len(workers))
	for _, wk := range workers {
		v := workerView{
			ID:          wk.ID,
			Name:        wk.Name,
			Addr:        wk.Addr,
			State:       wk.State,
			AssignedJob: wk.AssignedJob,
			CreatedAt:   wk.CreatedAt,
		}
		if !wk.LastUsedAt.IsZero() {
			t := wk.LastUsedAt
			v.LastUsedAt = &t
		}
		views = append(views, v)
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

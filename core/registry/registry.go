package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"transcribe-orchestrator/core/models"
)

// validTransitions lists the allowed worker state changes
var validTransitions = map[models.WorkerState][]models.WorkerState{
	models.WorkerProvisioning:  {models.WorkerAwaitingReady, models.WorkerTearingDown, models.WorkerDead},
	models.WorkerAwaitingReady: {models.WorkerReady, models.WorkerTearingDown, models.WorkerDead},
	models.WorkerReady:         {models.WorkerBusy, models.WorkerTearingDown, models.WorkerDead},
	models.WorkerBusy:          {models.WorkerReady, models.WorkerTearingDown, models.WorkerDead},
	models.WorkerTearingDown:   {models.WorkerDead},
	models.WorkerDead:          {},
}

// Registry is the single authority over worker records. All structural
// mutations funnel through its methods under one mutex; callers receive
// value copies, never shared pointers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*models.Worker
	seq     uint64
	log     *zap.SugaredLogger
}

// New creates an empty worker registry
func New(log *zap.SugaredLogger) *Registry {
	return &Registry{
		workers: make(map[string]*models.Worker),
		log:     log.Named("registry"),
	}
}

// Add registers a new worker record in state Provisioning and returns it.
// IDs are assigned in creation order so that id order is pool admission order.
func (r *Registry) Add(name string) models.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	w := &models.Worker{
		ID:        fmt.Sprintf("w-%06d", r.seq),
		Name:      name,
		State:     models.WorkerProvisioning,
		CreatedAt: time.Now(),
	}
	r.workers[w.ID] = w
	r.log.Infow("worker registered", "worker", w.ID, "name", name)
	return *w
}

// SetAddr records the address assigned to a worker by the provisioner
func (r *Registry) SetAddr(id, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return errors.Newf("worker %s not found", id)
	}
	w.Addr = addr
	return nil
}

// Transition moves a worker to a new lifecycle state. Moving to Busy must go
// through MarkBusy so the job assignment happens in the same critical section.
func (r *Registry) Transition(id string, to models.WorkerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return errors.Newf("worker %s not found", id)
	}
	if to == models.WorkerBusy {
		return errors.Newf("worker %s: transition to busy requires a job assignment", id)
	}
	if !allowed(w.State, to) {
		return errors.Newf("worker %s: invalid transition %s -> %s", id, w.State, to)
	}
	w.State = to
	// assignment is only meaningful while busy or tearing down
	if to != models.WorkerTearingDown {
		w.AssignedJob = ""
	}
	return nil
}

// MarkBusy assigns a job to a Ready worker, moving it to Busy atomically
func (r *Registry) MarkBusy(id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return errors.Newf("worker %s not found", id)
	}
	if w.State != models.WorkerReady || w.AssignedJob != "" {
		return errors.Newf("worker %s not idle (state %s, job %q)", id, w.State, w.AssignedJob)
	}
	w.State = models.WorkerBusy
	w.AssignedJob = jobID
	w.LastUsedAt = time.Now()
	return nil
}

// ClaimIdle assigns jobID to the oldest idle worker, if any. Selection is
// FIFO by worker id, which the registry assigns in creation order.
func (r *Registry) ClaimIdle(jobID string) (models.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, w := range r.workers {
		if w.Idle() {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return models.Worker{}, false
	}
	sort.Strings(ids)

	w := r.workers[ids[0]]
	w.State = models.WorkerBusy
	w.AssignedJob = jobID
	w.LastUsedAt = time.Now()
	return *w, true
}

// ReleaseToIdle returns a Busy worker to the idle pool after a clean run
func (r *Registry) ReleaseToIdle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return errors.Newf("worker %s not found", id)
	}
	if w.State != models.WorkerBusy {
		return errors.Newf("worker %s not busy (state %s)", id, w.State)
	}
	w.State = models.WorkerReady
	w.AssignedJob = ""
	w.LastUsedAt = time.Now()
	return nil
}

// Remove deletes a worker record once its teardown has finished
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; ok {
		delete(r.workers, id)
		r.log.Infow("worker removed", "worker", id)
	}
}

// Get returns a copy of the worker record
func (r *Registry) Get(id string) (models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return models.Worker{}, false
	}
	return *w, true
}

// Snapshot returns copies of all live worker records ordered by id
func (r *Registry) Snapshot() []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns pool statistics for the status API
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.WorkerState]int)
	for _, w := range r.workers {
		counts[w.State]++
	}
	return map[string]interface{}{
		"total":        len(r.workers),
		"provisioning": counts[models.WorkerProvisioning] + counts[models.WorkerAwaitingReady],
		"ready":        counts[models.WorkerReady],
		"busy":         counts[models.WorkerBusy],
		"tearing_down": counts[models.WorkerTearingDown],
		"dead":         counts[models.WorkerDead],
	}
}

func allowed(from, to models.WorkerState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

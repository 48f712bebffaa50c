package scheduler

import (
	"context"
	"sync"

	"transcribe-orchestrator/core/models"
)

// handleEventBuffer bounds the per-job event stream; a consumer that stops
// reading loses intermediate progress events, never the terminal result.
const handleEventBuffer = 16

// Handle is the caller's view of an admitted job. Events streams status
// transitions until the job reaches a terminal state, after which Result
// returns the outcome. Cancel asks the job to stop; cancellation travels
// the same teardown path as a timeout.
type Handle struct {
	ID string

	events chan models.JobEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	result *models.TranscriptResult
	err    error
}

func newHandle(id string, cancel context.CancelFunc) *Handle {
	return &Handle{
		ID:     id,
		events: make(chan models.JobEvent, handleEventBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Events returns the job's status stream; closed once the job is terminal
func (h *Handle) Events() <-chan models.JobEvent {
	return h.events
}

// Done is closed when the job reaches a terminal state
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the job is terminal, then returns its outcome
func (h *Handle) Result() (*models.TranscriptResult, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Cancel requests cancellation; safe to call any number of times
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) publish(ev models.JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

func (h *Handle) complete(res *models.TranscriptResult, err error) {
	h.mu.Lock()
	h.result = res
	h.err = err
	h.closed = true
	close(h.events)
	h.mu.Unlock()
	close(h.done)
}

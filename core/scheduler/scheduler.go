package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/registry"
)

// acquireAttempts bounds how often a job retries securing a freshly
// provisioned worker that an idle-claim race took from under it.
const acquireAttempts = 3

// Lifecycle is the scheduler's view of the worker lifecycle controller
type Lifecycle interface {
	ProvisionReady(ctx context.Context) (models.Worker, error)
	Teardown(workerID string)
}

// JobRunner is the scheduler's view of the remote executor
type JobRunner interface {
	Run(ctx context.Context, w models.Worker, job *models.Job, notify func(models.JobStatus)) (*models.TranscriptResult, error)
}

// Config bounds jobs and picks defaults where a request leaves options empty
type Config struct {
	JobTimeout      time.Duration
	MaxInputBytes   int64
	ReuseWorkers    bool // return a clean worker to the idle pool instead of destroying it
	DefaultModel    string
	DefaultLanguage string
}

// Request is a job submission from the chat transport
type Request struct {
	UserID    string
	Username  string
	InputPath string
	InputName string
	InputSize int64
	Options   models.JobOptions
}

// Scheduler admits jobs under the concurrency caps and drives each admitted
// job through worker acquisition, remote execution, and teardown. Over-cap
// submissions are rejected, never queued.
type Scheduler struct {
	gate *Gate
	reg  *registry.Registry
	lc   Lifecycle
	exec JobRunner
	cfg  Config
	log  *zap.SugaredLogger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*models.Job // in-flight jobs by id
}

// NewScheduler creates a scheduler; admitted jobs live until they finish or
// Shutdown cancels them
func NewScheduler(
	log *zap.SugaredLogger,
	gate *Gate,
	reg *registry.Registry,
	lc Lifecycle,
	exec JobRunner,
	cfg Config,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		gate:       gate,
		reg:        reg,
		lc:         lc,
		exec:       exec,
		cfg:        cfg,
		log:        log.Named("scheduler"),
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[string]*models.Job),
	}
}

// Submit admits or rejects a job. On admission both concurrency counters are
// already held and a goroutine owns the job through to a terminal state; the
// returned handle observes it. Rejections mutate nothing.
func (s *Scheduler) Submit(req Request) (*Handle, error) {
	opts, err := s.resolveOptions(req.Options)
	if err != nil {
		return nil, err
	}
	if req.InputSize > s.cfg.MaxInputBytes {
		return nil, errors.Wrapf(ErrInputTooLarge, "%d bytes (limit %d)", req.InputSize, s.cfg.MaxInputBytes)
	}
	if err := s.gate.Acquire(req.UserID, req.Username); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		Username:    req.Username,
		InputPath:   req.InputPath,
		InputName:   req.InputName,
		InputSize:   req.InputSize,
		Options:     opts,
		Status:      models.JobStatusPending,
		SubmittedAt: time.Now(),
	}

	jobCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.JobTimeout)
	h := newHandle(job.ID, cancel)

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.log.Infow("job admitted",
		"job", job.ID, "user", req.UserID, "input", req.InputName,
		"bytes", req.InputSize, "model", opts.Model, "language", opts.Language)

	s.wg.Add(1)
	go s.runJob(jobCtx, job, h)
	return h, nil
}

func (s *Scheduler) resolveOptions(opts models.JobOptions) (models.JobOptions, error) {
	if opts.Model == "" {
		opts.Model = s.cfg.DefaultModel
	}
	if opts.Language == "" {
		opts.Language = s.cfg.DefaultLanguage
	}
	if !models.ValidModel(opts.Model) {
		return opts, errors.Newf("unknown model %q", opts.Model)
	}
	if !models.ValidLanguage(opts.Language) {
		return opts, errors.Newf("invalid language %q", opts.Language)
	}
	return opts, nil
}

// runJob owns the job from admission to terminal state. The deferred release
// keeps the caps honest even when acquisition or execution fails in ways the
// happy path never sees.
func (s *Scheduler) runJob(ctx context.Context, job *models.Job, h *Handle) {
	defer s.wg.Done()
	defer s.gate.Release(job.UserID)
	defer s.forget(job.ID)

	w, err := s.acquireWorker(ctx, job, h)
	if err != nil {
		s.finish(job, h, nil, s.terminalErr(ctx, err))
		return
	}

	s.mu.Lock()
	job.WorkerID = w.ID
	now := time.Now()
	job.StartedAt = &now
	s.mu.Unlock()

	res, err := s.exec.Run(ctx, w, job, func(st models.JobStatus) {
		s.publish(job, h, st, "")
	})
	if err != nil {
		// a worker that saw any execution failure is never reused
		s.lc.Teardown(w.ID)
		s.finish(job, h, nil, s.terminalErr(ctx, err))
		return
	}

	if s.cfg.ReuseWorkers {
		if relErr := s.reg.ReleaseToIdle(w.ID); relErr != nil {
			s.log.Warnw("release to idle failed, tearing down", "worker", w.ID, "error", relErr)
			s.lc.Teardown(w.ID)
		}
	} else {
		s.lc.Teardown(w.ID)
	}
	s.finish(job, h, res, nil)
}

// acquireWorker prefers the oldest idle worker and provisions only when the
// pool has none to give
func (s *Scheduler) acquireWorker(ctx context.Context, job *models.Job, h *Handle) (models.Worker, error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		if w, ok := s.reg.ClaimIdle(job.ID); ok {
			s.log.Infow("reusing idle worker", "job", job.ID, "worker", w.ID)
			return w, nil
		}
		if attempt == 0 {
			s.publish(job, h, models.JobStatusProvisioning, "")
		}
		w, err := s.lc.ProvisionReady(ctx)
		if err != nil {
			return models.Worker{}, err
		}
		if err := s.reg.MarkBusy(w.ID, job.ID); err == nil {
			out, _ := s.reg.Get(w.ID)
			return out, nil
		}
		// another job claimed the fresh worker first; go around again
	}
	return models.Worker{}, errors.Newf("job %s could not secure a worker", job.ID)
}

// terminalErr maps a failure to what the requester should be told, giving
// the job's own deadline and cancellation precedence over downstream noise
func (s *Scheduler) terminalErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrJobTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return ErrJobCancelled
	default:
		return err
	}
}

func (s *Scheduler) finish(job *models.Job, h *Handle, res *models.TranscriptResult, err error) {
	status := models.JobStatusCompleted
	reason := ""
	switch {
	case errors.Is(err, ErrJobCancelled):
		status = models.JobStatusCancelled
	case err != nil:
		status = models.JobStatusFailed
		reason = err.Error()
	}

	s.publish(job, h, status, reason)
	s.mu.Lock()
	now := time.Now()
	job.CompletedAt = &now
	s.mu.Unlock()

	h.complete(res, err)
	s.log.Infow("job finished", "job", job.ID, "status", status, "error", err)
}

func (s *Scheduler) publish(job *models.Job, h *Handle, to models.JobStatus, reason string) {
	s.mu.Lock()
	from := job.Status
	job.Status = to
	s.mu.Unlock()

	h.publish(models.JobEvent{JobID: job.ID, At: time.Now(), From: from, To: to, Reason: reason})
	s.log.Debugw("job status", "job", job.ID, "from", from, "to", to)
}

func (s *Scheduler) forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// ActiveJobs returns copies of the in-flight jobs for the status API
func (s *Scheduler) ActiveJobs() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Counts exposes the admission counters
func (s *Scheduler) Counts() (global int, perUser map[string]int) {
	return s.gate.Counts()
}

// Allowed reports whether a requester passes the allow-list, for transports
// that want to refuse before downloading anything
func (s *Scheduler) Allowed(userID, username string) bool {
	return s.gate.Allowed(userID, username)
}

// Shutdown cancels every in-flight job and waits for their teardowns, up to
// ctx's deadline
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.baseCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "jobs still draining")
	}
}

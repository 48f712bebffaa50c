package lifecycle

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/registry"
	"transcribe-orchestrator/providers"
)

// workerNamePrefix is shared by every deployment this orchestrator creates,
// so leftover sweeps can recognize their own machines.
const workerNamePrefix = "cmp"

// Runner executes one command on a remote worker address
type Runner interface {
	RunCommand(ctx context.Context, addr, command string) (exitCode int, stderr string, err error)
}

// Config bounds the controller's retry and waiting behavior
type Config struct {
	ProvisionAttempts  int           // total deploy attempts per worker
	RetryBaseDelay     time.Duration // first retry delay, doubling per attempt
	ReadinessTimeout   time.Duration // total window for the shell port to open
	ReadinessBaseDelay time.Duration // first poll delay, doubling per attempt
	ReadinessMaxDelay  time.Duration
	DialTimeout        time.Duration // per-attempt port probe timeout
	TeardownTimeout    time.Duration // deadline for a detached destroy call
}

// Controller drives workers through their lifecycle:
// Provisioning -> AwaitingReady -> Ready -> Busy -> (Ready | TearingDown) -> Dead.
type Controller struct {
	reg           *registry.Registry
	prov          providers.Provisioner
	runner        Runner
	spec          models.WorkerSpec // deployment template, Name filled per worker
	authorizedKey string
	cfg           Config
	log           *zap.SugaredLogger
}

// NewController creates a lifecycle controller
func NewController(
	log *zap.SugaredLogger,
	reg *registry.Registry,
	prov providers.Provisioner,
	runner Runner,
	spec models.WorkerSpec,
	authorizedKey string,
	cfg Config,
) *Controller {
	return &Controller{
		reg:           reg,
		prov:          prov,
		runner:        runner,
		spec:          spec,
		authorizedKey: authorizedKey,
		cfg:           cfg,
		log:           log.Named("lifecycle"),
	}
}

// Provision deploys a new worker machine and registers it. On success the
// worker is in AwaitingReady with its address recorded. Deploy failures are
// retried up to the configured bound, but only when the backend marked them
// transient.
func (c *Controller) Provision(ctx context.Context) (models.Worker, error) {
	name := workerNamePrefix + uuid.New().String()[:8]
	w := c.reg.Add(name)

	spec := c.spec
	spec.Name = name
	spec.PublicKey = c.authorizedKey

	addr, err := c.deployWithRetry(ctx, spec)
	if err != nil {
		_ = c.reg.Transition(w.ID, models.WorkerDead)
		c.reg.Remove(w.ID)
		return models.Worker{}, err
	}

	if err := c.reg.SetAddr(w.ID, addr); err != nil {
		c.destroyDeployment(name)
		c.reg.Remove(w.ID)
		return models.Worker{}, err
	}
	if err := c.reg.Transition(w.ID, models.WorkerAwaitingReady); err != nil {
		c.destroyDeployment(name)
		c.reg.Remove(w.ID)
		return models.Worker{}, err
	}
	c.log.Infow("worker deployed", "worker", w.ID, "name", name, "addr", addr)

	out, _ := c.reg.Get(w.ID)
	return out, nil
}

// destroyDeployment releases a machine whose registry record never reached
// a usable state. Detached from the caller's context like Teardown.
func (c *Controller) destroyDeployment(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownTimeout)
	defer cancel()
	if err := c.prov.Destroy(ctx, name); err != nil {
		c.log.Warnw("destroy failed, machine may linger until the next sweep",
			"name", name, "error", err)
	}
}

func (c *Controller) deployWithRetry(ctx context.Context, spec models.WorkerSpec) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ProvisionAttempts; attempt++ {
		addr, err := c.prov.Deploy(ctx, spec)
		if err == nil {
			return addr, nil
		}
		lastErr = err
		if !providers.IsTransient(err) {
			return "", &ProvisionError{Attempts: attempt, Cause: err}
		}
		if attempt == c.cfg.ProvisionAttempts {
			break
		}
		c.log.Warnw("deploy failed, retrying",
			"name", spec.Name, "attempt", attempt, "error", err)
		if err := sleepCtx(ctx, nextDelay(c.cfg.RetryBaseDelay, attempt, 30*time.Second)); err != nil {
			return "", &ProvisionError{Attempts: attempt, Cause: err}
		}
	}
	return "", &ProvisionError{Attempts: c.cfg.ProvisionAttempts, Cause: lastErr}
}

// AwaitReady polls the worker's shell port until it accepts a connection or
// the readiness window closes. The worker stays in AwaitingReady; credential
// injection decides whether it becomes Ready.
func (c *Controller) AwaitReady(ctx context.Context, workerID string) error {
	w, ok := c.reg.Get(workerID)
	if !ok {
		return errors.Newf("worker %s not found", workerID)
	}
	addr := net.JoinHostPort(w.Addr, strconv.Itoa(c.spec.SSHPort))
	deadline := time.Now().Add(c.cfg.ReadinessTimeout)

	for attempt := 1; ; attempt++ {
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			c.log.Infow("worker reachable", "worker", w.ID, "addr", addr, "attempts", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrReadinessTimeout, "worker %s at %s", w.ID, addr)
		}
		if err := sleepCtx(ctx, nextDelay(c.cfg.ReadinessBaseDelay, attempt, c.cfg.ReadinessMaxDelay)); err != nil {
			return err
		}
	}
}

// InjectCredential appends the orchestrator's public key to the worker's
// authorized keys. Any failure is fatal for the worker; the caller is
// expected to tear it down.
func (c *Controller) InjectCredential(ctx context.Context, workerID string) error {
	w, ok := c.reg.Get(workerID)
	if !ok {
		return errors.Newf("worker %s not found", workerID)
	}
	exit, stderrTail, err := c.runner.RunCommand(ctx, w.Addr, appendKeyCommand(c.authorizedKey))
	if err != nil {
		return &CredentialInjectionError{Cause: err}
	}
	if exit != 0 {
		return &CredentialInjectionError{ExitCode: exit, Stderr: stderrTail}
	}
	return nil
}

// ProvisionReady runs the full acquisition sequence and leaves the worker
// Ready. A failure after deployment tears the machine down before returning.
func (c *Controller) ProvisionReady(ctx context.Context) (models.Worker, error) {
	w, err := c.Provision(ctx)
	if err != nil {
		return models.Worker{}, err
	}
	if err := c.AwaitReady(ctx, w.ID); err != nil {
		c.Teardown(w.ID)
		return models.Worker{}, err
	}
	if err := c.InjectCredential(ctx, w.ID); err != nil {
		c.Teardown(w.ID)
		return models.Worker{}, err
	}
	if err := c.reg.Transition(w.ID, models.WorkerReady); err != nil {
		c.Teardown(w.ID)
		return models.Worker{}, err
	}
	out, _ := c.reg.Get(w.ID)
	return out, nil
}

// Teardown destroys a worker's machine and removes it from the registry.
// It is idempotent and deliberately detached from any job context so an
// expired or cancelled job still releases its machine. Destroy failures are
// logged, not returned; the leftover sweep catches what they leak.
func (c *Controller) Teardown(workerID string) {
	w, ok := c.reg.Get(workerID)
	if !ok {
		return
	}
	if err := c.reg.Transition(workerID, models.WorkerTearingDown); err != nil {
		// already tearing down or dead
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownTimeout)
	defer cancel()
	if err := c.prov.Destroy(ctx, w.Name); err != nil {
		c.log.Warnw("destroy failed, machine may linger until the next sweep",
			"worker", w.ID, "name", w.Name, "error", err)
	}
	_ = c.reg.Transition(workerID, models.WorkerDead)
	c.reg.Remove(workerID)
	c.log.Infow("worker torn down", "worker", w.ID, "name", w.Name)
}

// CleanupLeftovers destroys deployments left behind by a previous run,
// recognized by the shared worker name prefix.
func (c *Controller) CleanupLeftovers(ctx context.Context) error {
	names, err := c.prov.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list deployments")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if !strings.HasPrefix(name, workerNamePrefix) {
			continue
		}
		name := name
		g.Go(func() error {
			if err := c.prov.Destroy(gctx, name); err != nil {
				c.log.Warnw("leftover destroy failed", "name", name, "error", err)
				return nil
			}
			c.log.Infow("leftover destroyed", "name", name)
			return nil
		})
	}
	return g.Wait()
}

func appendKeyCommand(key string) string {
	return fmt.Sprintf(
		"mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys"+
			" && (grep -qxF '%s' ~/.ssh/authorized_keys || printf '%%s\\n' '%s' >> ~/.ssh/authorized_keys)"+
			" && chmod 600 ~/.ssh/authorized_keys",
		key, key)
}

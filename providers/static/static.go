package static

import (
	"context"

	"go.uber.org/zap"

	"transcribe-orchestrator/core/models"
)

// Backend serves every deploy from one fixed, operator-managed address.
// Destroy and List are no-ops: the operator owns that machine's lifecycle,
// the orchestrator only borrows it.
type Backend struct {
	addr string
	log  *zap.SugaredLogger
}

// New creates a static backend around the configured worker address
func New(log *zap.SugaredLogger, addr string) *Backend {
	return &Backend{
		addr: addr,
		log:  log.Named("static"),
	}
}

// Deploy returns the fixed address without provisioning anything
func (b *Backend) Deploy(ctx context.Context, spec models.WorkerSpec) (string, error) {
	b.log.Infow("using fixed worker address", "name", spec.Name, "addr", b.addr)
	return b.addr, nil
}

// Destroy is a no-op; the machine outlives its jobs
func (b *Backend) Destroy(ctx context.Context, name string) error {
	b.log.Debugw("skipping destroy for fixed worker", "name", name)
	return nil
}

// List reports nothing so startup sweeps leave the fixed machine alone
func (b *Backend) List(ctx context.Context) ([]string, error) {
	return nil, nil
}

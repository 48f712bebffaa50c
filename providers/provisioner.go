package providers

import (
	"context"

	"github.com/cockroachdb/errors"

	"transcribe-orchestrator/core/models"
)

// Provisioner is the deployment backend seam. Implementations deploy a
// worker machine, destroy one by deployment name, and list the deployment
// names they currently manage.
type Provisioner interface {
	Deploy(ctx context.Context, spec models.WorkerSpec) (addr string, err error)
	Destroy(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// transientError marks a failure worth retrying (network-class), as opposed
// to authentication or quota failures which fail fast.
type transientError struct {
	cause error
}

func (e *transientError) Error() string { return e.cause.Error() }
func (e *transientError) Unwrap() error { return e.cause }

// MarkTransient wraps err so IsTransient reports true for it
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{cause: err}
}

// IsTransient reports whether err was marked retryable by a backend
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

package lifecycle

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrReadinessTimeout is returned when a worker never opens its shell port
// within the readiness window.
var ErrReadinessTimeout = errors.New("worker never became reachable")

// ProvisionError reports a failed provisioning sequence, after retries where
// the failure was transient.
type ProvisionError struct {
	Attempts int
	Cause    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *ProvisionError) Unwrap() error { return e.Cause }

// CredentialInjectionError reports a failed attempt to authorize the
// orchestrator's key on a worker. It is fatal for the worker.
type CredentialInjectionError struct {
	ExitCode int
	Stderr   string
	Cause    error // transport failure; ExitCode is meaningless when set
}

func (e *CredentialInjectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("credential injection failed: %v", e.Cause)
	}
	return fmt.Sprintf("credential injection exited %d: %s", e.ExitCode, e.Stderr)
}

func (e *CredentialInjectionError) Unwrap() error { return e.Cause }

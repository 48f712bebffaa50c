package executor

import "fmt"

// ExecutionErrorKind classifies remote execution failures
type ExecutionErrorKind string

const (
	ExecNonZeroExit     ExecutionErrorKind = "non_zero_exit"
	ExecTransferFailure ExecutionErrorKind = "transfer_failure"
	ExecConnectionLost  ExecutionErrorKind = "connection_lost"
)

// ExecutionError reports a failed remote run. The executor never retries;
// whether to re-submit is the caller's call, and the worker involved is not
// reused afterwards.
type ExecutionError struct {
	Kind       ExecutionErrorKind
	ExitCode   int    // meaningful for ExecNonZeroExit
	StderrTail string // last part of stderr, for diagnostics
	Cause      error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case ExecNonZeroExit:
		return fmt.Sprintf("remote command exited %d: %s", e.ExitCode, e.StderrTail)
	case ExecTransferFailure:
		return fmt.Sprintf("file transfer failed: %v", e.Cause)
	default:
		return fmt.Sprintf("connection lost: %v", e.Cause)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

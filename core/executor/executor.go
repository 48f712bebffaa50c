package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"transcribe-orchestrator/core/models"
)

// stderrTailBytes bounds how much remote stderr is kept for diagnostics
const stderrTailBytes = 2000

// RemoteSession is the executor's view of an open worker connection
type RemoteSession interface {
	Run(ctx context.Context, command string) (*CmdResult, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath string) ([]byte, error)
	Close() error
}

// DialFunc opens a session on a worker address
type DialFunc func(ctx context.Context, addr string) (RemoteSession, error)

// SessionDial adapts a Dialer to the executor's DialFunc seam
func SessionDial(d *Dialer) DialFunc {
	return func(ctx context.Context, addr string) (RemoteSession, error) {
		return d.Dial(ctx, addr)
	}
}

// Config locates the transcription tooling on workers
type Config struct {
	TranscribeBin  string        // remote command prefix, e.g. "python3 /opt/composer/composer.py"
	InputRoot      string        // remote directory inputs are staged under, per job id
	CleanupTimeout time.Duration // deadline for the best-effort remote cleanup
}

// Executor runs one transcription job on an already Ready worker. It does a
// single pass with no internal retry: transfer input, run the transcription
// command, parse its outcome, fetch the transcript.
type Executor struct {
	dial DialFunc
	cfg  Config
	log  *zap.SugaredLogger
}

// NewExecutor creates a remote executor
func NewExecutor(log *zap.SugaredLogger, dial DialFunc, cfg Config) *Executor {
	return &Executor{
		dial: dial,
		cfg:  cfg,
		log:  log.Named("executor"),
	}
}

// runOutcome is the JSON contract printed by the transcription command as
// the last line of its stdout.
type runOutcome struct {
	OK          bool    `json:"ok"`
	Error       string  `json:"error"`
	TextPath    string  `json:"text_path"`
	Language    string  `json:"language"`
	DurationSec float64 `json:"duration_sec"`
	Chars       int     `json:"chars"`
}

// Run executes job on the worker and returns its transcript. notify, when
// non-nil, receives coarse progress statuses as the run advances.
func (e *Executor) Run(
	ctx context.Context,
	w models.Worker,
	job *models.Job,
	notify func(models.JobStatus),
) (*models.TranscriptResult, error) {
	progress := func(s models.JobStatus) {
		if notify != nil {
			notify(s)
		}
	}

	progress(models.JobStatusConnecting)
	sess, err := e.dial(ctx, w.Addr)
	if err != nil {
		return nil, &ExecutionError{Kind: ExecConnectionLost, Cause: err}
	}
	defer sess.Close()

	remoteDir := path.Join(e.cfg.InputRoot, job.ID)
	remoteIn := path.Join(remoteDir, sanitizeFilename(job.InputName))

	progress(models.JobStatusUploading)
	if err := sess.Upload(ctx, job.InputPath, remoteIn); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecutionError{Kind: ExecTransferFailure, Cause: err}
	}

	progress(models.JobStatusTranscribing)
	res, err := sess.Run(ctx, e.transcribeCommand(remoteIn, job))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecutionError{Kind: ExecConnectionLost, Cause: err}
	}
	if res.ExitCode != 0 {
		return nil, &ExecutionError{
			Kind:       ExecNonZeroExit,
			ExitCode:   res.ExitCode,
			StderrTail: tail(res.Stderr, stderrTailBytes),
		}
	}

	outcome, err := parseOutcome(res.Stdout)
	if err != nil {
		return nil, err
	}
	if !outcome.OK {
		return nil, errors.Newf("transcription failed on worker: %s", outcome.Error)
	}

	progress(models.JobStatusFetching)
	raw, err := sess.Download(ctx, outcome.TextPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecutionError{Kind: ExecTransferFailure, Cause: err}
	}

	e.cleanupRemote(sess, remoteDir)

	return &models.TranscriptResult{
		Text:           string(raw),
		Language:       outcome.Language,
		DurationSec:    outcome.DurationSec,
		Chars:          outcome.Chars,
		RemoteTextPath: outcome.TextPath,
	}, nil
}

// cleanupRemote removes the staged input; failures only cost disk on a
// machine that is usually about to be destroyed anyway
func (e *Executor) cleanupRemote(sess RemoteSession, remoteDir string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CleanupTimeout)
	defer cancel()
	if _, err := sess.Run(ctx, "rm -rf "+shQuote(remoteDir)); err != nil {
		e.log.Debugw("remote cleanup failed", "dir", remoteDir, "error", err)
	}
}

func (e *Executor) transcribeCommand(remoteIn string, job *models.Job) string {
	return fmt.Sprintf("%s --in %s --model %s --language %s --job-id %s",
		e.cfg.TranscribeBin,
		shQuote(remoteIn),
		shQuote(job.Options.Model),
		shQuote(job.Options.Language),
		shQuote(job.ID),
	)
}

// parseOutcome reads the last non-empty stdout line as the outcome JSON
func parseOutcome(stdout string) (*runOutcome, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var out runOutcome
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			return nil, errors.Wrapf(err, "parse outcome line %q", tail(line, 200))
		}
		return &out, nil
	}
	return nil, errors.New("transcription command produced no outcome line")
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeFilename makes an arbitrary client-supplied name safe to embed in
// a remote path
func sanitizeFilename(name string) string {
	s := unsafeFilenameChars.ReplaceAllString(name, "_")
	if len(s) > 128 {
		s = s[:128]
	}
	if s == "" {
		s = "input"
	}
	return s
}

// shQuote wraps s in single quotes for a POSIX shell
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tail returns the last n bytes of s
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

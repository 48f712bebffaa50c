package grid

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/providers"
)

// Runner invokes the grid CLI once and returns what it printed
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr string, err error)
}

// execRunner shells out to the CLI binary
type execRunner struct {
	bin string
}

func (r *execRunner) Run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Config carries the grid account and placement settings
type Config struct {
	Mnemonic string
	Network  string // main, test, dev
	NodeID   string // placement target
}

// Backend provisions workers by driving the grid CLI. Deployments are
// virtual machines booted from the worker flist; the CLI reports the
// machine's overlay address as mycelium_ip.
type Backend struct {
	run Runner
	cfg Config
	log *zap.SugaredLogger
}

// New creates a grid backend that shells out to bin
func New(log *zap.SugaredLogger, bin string, cfg Config) *Backend {
	return newWithRunner(log, &execRunner{bin: bin}, cfg)
}

func newWithRunner(log *zap.SugaredLogger, run Runner, cfg Config) *Backend {
	return &Backend{
		run: run,
		cfg: cfg,
		log: log.Named("grid"),
	}
}

// Login registers the account mnemonic with the CLI. Must succeed once
// before any deploy.
func (b *Backend) Login(ctx context.Context) error {
	_, stderr, err := b.run.Run(ctx, "login", "--mnemonic", b.cfg.Mnemonic, "--network", b.cfg.Network)
	if err != nil {
		return errors.Wrapf(err, "grid login: %s", firstLine(stderr))
	}
	b.log.Infow("grid login ok", "network", b.cfg.Network)
	return nil
}

// deployReply is the JSON document the CLI prints after a VM deploy
type deployReply struct {
	Name       string `json:"name"`
	MyceliumIP string `json:"mycelium_ip"`
}

// Deploy boots a new worker VM and returns its overlay address. The public
// key is handed to the CLI through a key file so it lands in the machine's
// authorized keys at boot.
func (b *Backend) Deploy(ctx context.Context, spec models.WorkerSpec) (string, error) {
	keyPath, cleanup, err := writeKeyFile(spec.PublicKey)
	if err != nil {
		return "", err
	}
	defer cleanup()

	stdout, stderr, err := b.run.Run(ctx, deployArgs(spec, keyPath, b.cfg.NodeID)...)
	if err != nil {
		return "", classify(errors.Wrapf(err, "deploy %s: %s", spec.Name, firstLine(stderr)), stderr)
	}

	reply, err := parseDeployReply(stdout)
	if err != nil {
		return "", errors.Wrapf(err, "deploy %s", spec.Name)
	}
	if reply.MyceliumIP == "" {
		return "", errors.Newf("deploy %s: no mycelium_ip in CLI reply", spec.Name)
	}
	b.log.Infow("vm deployed", "name", spec.Name, "addr", reply.MyceliumIP)
	return reply.MyceliumIP, nil
}

// Destroy cancels the named deployment
func (b *Backend) Destroy(ctx context.Context, name string) error {
	_, stderr, err := b.run.Run(ctx, "cancel", "vm", "--name", name)
	if err != nil {
		return classify(errors.Wrapf(err, "cancel %s: %s", name, firstLine(stderr)), stderr)
	}
	return nil
}

// List returns the deployment names the account currently holds, one per
// CLI output line
func (b *Backend) List(ctx context.Context) ([]string, error) {
	stdout, stderr, err := b.run.Run(ctx, "list", "vm")
	if err != nil {
		return nil, classify(errors.Wrapf(err, "list deployments: %s", firstLine(stderr)), stderr)
	}

	var names []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func deployArgs(spec models.WorkerSpec, keyPath, nodeID string) []string {
	return []string{
		"deploy", "vm",
		"--name", spec.Name,
		"--ssh", keyPath,
		"--node", nodeID,
		"--flist", spec.FList,
		"--entrypoint", spec.Entrypoint,
		"--cpu", strconv.Itoa(spec.CPUs),
		"--memory", strconv.Itoa(spec.RAMGB),
		"--rootfs", strconv.Itoa(spec.RootfsGB),
	}
}

// parseDeployReply reads the last non-empty stdout line as the reply JSON;
// the CLI logs progress lines above it
func parseDeployReply(stdout string) (*deployReply, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var reply deployReply
		if err := json.Unmarshal([]byte(line), &reply); err != nil {
			return nil, errors.Wrapf(err, "parse CLI reply %q", line)
		}
		return &reply, nil
	}
	return nil, errors.New("CLI produced no reply")
}

// transientMarkers pick out network-class CLI failures worth retrying.
// Anything else, notably bad mnemonics and quota refusals, fails fast.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily",
	"unreachable",
	"no route to host",
	"substrate",
}

func classify(err error, stderr string) error {
	low := strings.ToLower(stderr)
	for _, marker := range transientMarkers {
		if strings.Contains(low, marker) {
			return providers.MarkTransient(err)
		}
	}
	return err
}

func writeKeyFile(publicKey string) (string, func(), error) {
	f, err := os.CreateTemp("", "worker-key-*.pub")
	if err != nil {
		return "", nil, errors.Wrap(err, "create key file")
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := f.WriteString(publicKey + "\n"); err != nil {
		f.Close()
		cleanup()
		return "", nil, errors.Wrap(err, "write key file")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "close key file")
	}
	return f.Name(), cleanup, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

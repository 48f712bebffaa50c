package lifecycle

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/registry"
	"transcribe-orchestrator/providers"
)

type fakeProvisioner struct {
	mu         sync.Mutex
	addr       string
	deployErrs []error // consumed one per Deploy call; nil entry means success
	deploys    int
	destroyed  []string
	listNames  []string
}

func (f *fakeProvisioner) Deploy(ctx context.Context, spec models.WorkerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys++
	if len(f.deployErrs) > 0 {
		err := f.deployErrs[0]
		f.deployErrs = f.deployErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.addr, nil
}

func (f *fakeProvisioner) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, name)
	return nil
}

func (f *fakeProvisioner) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listNames, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	exit     int
	stderr   string
	err      error
	commands []string
}

func (f *fakeRunner) RunCommand(ctx context.Context, addr, command string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return f.exit, f.stderr, f.err
}

func testConfig() Config {
	return Config{
		ProvisionAttempts:  3,
		RetryBaseDelay:     time.Millisecond,
		ReadinessTimeout:   400 * time.Millisecond,
		ReadinessBaseDelay: 20 * time.Millisecond,
		ReadinessMaxDelay:  50 * time.Millisecond,
		DialTimeout:        100 * time.Millisecond,
		TeardownTimeout:    time.Second,
	}
}

func newController(t *testing.T, prov providers.Provisioner, runner Runner, sshPort int) (*Controller, *registry.Registry) {
	reg := registry.New(zaptest.NewLogger(t).Sugar())
	spec := models.WorkerSpec{SSHUser: "root", SSHPort: sshPort, CPUs: 4, RAMGB: 8}
	c := NewController(zaptest.NewLogger(t).Sugar(), reg, prov, runner, spec, "ssh-ed25519 AAAA test", testConfig())
	return c, reg
}

// listenTCP opens a loopback listener and returns its host and port
func listenTCP(t *testing.T) (string, int, net.Listener) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port, ln
}

func TestProvisionRetriesTransientThenSucceeds(t *testing.T) {
	transient := providers.MarkTransient(errors.New("connection reset"))
	prov := &fakeProvisioner{
		addr:       "10.0.0.5",
		deployErrs: []error{transient, transient, nil},
	}
	c, reg := newController(t, prov, &fakeRunner{}, 22)

	w, err := c.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, prov.deploys)
	assert.Equal(t, models.WorkerAwaitingReady, w.State)
	assert.Equal(t, "10.0.0.5", w.Addr)
	assert.Len(t, reg.Snapshot(), 1, "retries must reuse one registry record")
}

func TestProvisionFatalFailsFast(t *testing.T) {
	prov := &fakeProvisioner{
		addr:       "10.0.0.5",
		deployErrs: []error{errors.New("authentication failed")},
	}
	c, reg := newController(t, prov, &fakeRunner{}, 22)

	_, err := c.Provision(context.Background())
	require.Error(t, err)
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Attempts)
	assert.Equal(t, 1, prov.deploys, "non-transient failures must not retry")
	assert.Empty(t, reg.Snapshot())
}

func TestProvisionExhaustsRetries(t *testing.T) {
	transient := providers.MarkTransient(errors.New("timeout"))
	prov := &fakeProvisioner{
		addr:       "10.0.0.5",
		deployErrs: []error{transient, transient, transient},
	}
	c, reg := newController(t, prov, &fakeRunner{}, 22)

	_, err := c.Provision(context.Background())
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Attempts)
	assert.Equal(t, 3, prov.deploys)
	assert.Empty(t, reg.Snapshot())
}

// sweepingProvisioner drops every registry record mid-deploy, the way a
// concurrent sweep could
type sweepingProvisioner struct {
	fakeProvisioner
	reg *registry.Registry
}

func (p *sweepingProvisioner) Deploy(ctx context.Context, spec models.WorkerSpec) (string, error) {
	for _, w := range p.reg.Snapshot() {
		p.reg.Remove(w.ID)
	}
	return p.addr, nil
}

func TestProvisionDestroysMachineWhenRecordVanishes(t *testing.T) {
	prov := &sweepingProvisioner{fakeProvisioner: fakeProvisioner{addr: "10.0.0.5"}}
	reg := registry.New(zaptest.NewLogger(t).Sugar())
	prov.reg = reg
	spec := models.WorkerSpec{SSHUser: "root", SSHPort: 22, CPUs: 4, RAMGB: 8}
	c := NewController(zaptest.NewLogger(t).Sugar(), reg, prov, &fakeRunner{}, spec, "ssh-ed25519 AAAA test", testConfig())

	_, err := c.Provision(context.Background())
	require.Error(t, err)
	require.Len(t, prov.destroyed, 1, "deployed machine must not leak")
	assert.True(t, strings.HasPrefix(prov.destroyed[0], "cmp"))
	assert.Empty(t, reg.Snapshot())
}

func TestAwaitReadySucceedsOnceListening(t *testing.T) {
	host, port, _ := listenTCP(t)
	prov := &fakeProvisioner{addr: host}
	c, _ := newController(t, prov, &fakeRunner{}, port)

	w, err := c.Provision(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.AwaitReady(context.Background(), w.ID))
}

func TestAwaitReadyTimesOut(t *testing.T) {
	// grab a port and close it so nothing is listening there
	host, port, ln := listenTCP(t)
	ln.Close()

	prov := &fakeProvisioner{addr: host}
	c, _ := newController(t, prov, &fakeRunner{}, port)

	w, err := c.Provision(context.Background())
	require.NoError(t, err)

	err = c.AwaitReady(context.Background(), w.ID)
	require.ErrorIs(t, err, ErrReadinessTimeout)
}

func TestInjectCredentialNonZeroExitIsFatal(t *testing.T) {
	prov := &fakeProvisioner{addr: "10.0.0.5"}
	runner := &fakeRunner{exit: 1, stderr: "read-only filesystem"}
	c, _ := newController(t, prov, runner, 22)

	w, err := c.Provision(context.Background())
	require.NoError(t, err)

	err = c.InjectCredential(context.Background(), w.ID)
	var ce *CredentialInjectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.ExitCode)
	assert.Contains(t, ce.Stderr, "read-only")
}

func TestProvisionReadyHappyPath(t *testing.T) {
	host, port, _ := listenTCP(t)
	prov := &fakeProvisioner{addr: host}
	runner := &fakeRunner{}
	c, reg := newController(t, prov, runner, port)

	w, err := c.ProvisionReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.WorkerReady, w.State)

	got, ok := reg.Get(w.ID)
	require.True(t, ok)
	assert.Equal(t, models.WorkerReady, got.State)
	require.Len(t, runner.commands, 1)
	assert.Contains(t, runner.commands[0], "authorized_keys")
	assert.Contains(t, runner.commands[0], "ssh-ed25519 AAAA test")
}

func TestProvisionReadyTearsDownOnInjectionFailure(t *testing.T) {
	host, port, _ := listenTCP(t)
	prov := &fakeProvisioner{addr: host}
	runner := &fakeRunner{exit: 127}
	c, reg := newController(t, prov, runner, port)

	_, err := c.ProvisionReady(context.Background())
	var ce *CredentialInjectionError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, reg.Snapshot(), "failed worker must not linger in the pool")
	assert.Len(t, prov.destroyed, 1)
}

func TestTeardownIdempotent(t *testing.T) {
	host, port, _ := listenTCP(t)
	prov := &fakeProvisioner{addr: host}
	c, reg := newController(t, prov, &fakeRunner{}, port)

	w, err := c.ProvisionReady(context.Background())
	require.NoError(t, err)

	c.Teardown(w.ID)
	c.Teardown(w.ID)
	c.Teardown("w-does-not-exist")

	assert.Len(t, prov.destroyed, 1, "second teardown must be a no-op")
	assert.Empty(t, reg.Snapshot())
}

func TestCleanupLeftoversDestroysOnlyOwnPrefix(t *testing.T) {
	prov := &fakeProvisioner{listNames: []string{"cmpa1b2c3d4", "unrelated-vm", "cmpwrm17001"}}
	c, _ := newController(t, prov, &fakeRunner{}, 22)

	require.NoError(t, c.CleanupLeftovers(context.Background()))
	assert.ElementsMatch(t, []string{"cmpa1b2c3d4", "cmpwrm17001"}, prov.destroyed)
}

package executor

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Dialer opens authenticated shell sessions on workers
type Dialer struct {
	user    string
	port    int
	signer  ssh.Signer
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewDialer creates a dialer that authenticates with the orchestrator's key
func NewDialer(log *zap.SugaredLogger, user string, port int, signer ssh.Signer, connectTimeout time.Duration) *Dialer {
	return &Dialer{
		user:    user,
		port:    port,
		signer:  signer,
		timeout: connectTimeout,
		log:     log.Named("ssh"),
	}
}

// Dial connects to a worker and returns an open session. The session is tied
// to ctx: when ctx ends the underlying connection is closed, unblocking any
// in-flight command or transfer.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Session, error) {
	config := &ssh.ClientConfig{
		User: d.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		// workers are ephemeral; host keys are generated fresh on every deploy
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.timeout,
	}

	hostport := net.JoinHostPort(addr, strconv.Itoa(d.port))
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", hostport)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, hostport, config)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s", hostport)
	}

	s := &Session{
		client: ssh.NewClient(sshConn, chans, reqs),
		log:    d.log,
		done:   make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// RunCommand dials addr, runs a single command, and closes the connection.
// It satisfies the lifecycle controller's Runner seam.
func (d *Dialer) RunCommand(ctx context.Context, addr, command string) (int, string, error) {
	s, err := d.Dial(ctx, addr)
	if err != nil {
		return 0, "", err
	}
	defer s.Close()

	res, err := s.Run(ctx, command)
	if err != nil {
		return 0, "", err
	}
	return res.ExitCode, res.Stderr, nil
}

// CmdResult carries the outcome of a remote command that ran to completion
type CmdResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Session is one authenticated connection to a worker
type Session struct {
	client    *ssh.Client
	log       *zap.SugaredLogger
	done      chan struct{}
	closeOnce sync.Once
}

// Run executes a command and waits for it. A non-zero exit is reported in
// the result, not as an error; errors mean the transport or session failed.
func (s *Session) Run(ctx context.Context, command string) (*CmdResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "open session")
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	errc := make(chan error, 1)
	go func() { errc <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	case err := <-errc:
		if err == nil {
			return &CmdResult{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return &CmdResult{
				ExitCode: exitErr.ExitStatus(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		return nil, errors.Wrap(err, "run remote command")
	}
}

// Upload copies a local file to the worker, creating parent directories
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	cli, err := sftp.NewClient(s.client)
	if err != nil {
		return errors.Wrap(err, "open sftp")
	}
	defer cli.Close()

	if err := cli.MkdirAll(path.Dir(remotePath)); err != nil {
		return errors.Wrapf(err, "mkdir %s", path.Dir(remotePath))
	}
	src, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", localPath)
	}
	defer src.Close()

	dst, err := cli.Create(remotePath)
	if err != nil {
		return errors.Wrapf(err, "create remote %s", remotePath)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrapf(err, "copy to %s", remotePath)
	}
	return errors.Wrapf(dst.Close(), "flush remote %s", remotePath)
}

// Download reads a remote file into memory
func (s *Session) Download(ctx context.Context, remotePath string) ([]byte, error) {
	cli, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errors.Wrap(err, "open sftp")
	}
	defer cli.Close()

	f, err := cli.Open(remotePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open remote %s", remotePath)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read remote %s", remotePath)
	}
	return raw, nil
}

// Close shuts the connection down; safe to call more than once
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.client.Close()
	})
	return err
}

package credentials

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "id_ed25519"
	keyComment     = "transcribe-orchestrator"
)

// Keypair holds the orchestrator's worker-access credential. It is generated
// once on first startup, persisted under the state directory, and reused for
// every worker afterwards.
type Keypair struct {
	PrivatePath   string
	Signer        ssh.Signer
	AuthorizedKey string // single authorized_keys line, no trailing newline
}

// Load returns the persisted keypair, generating one if none exists yet.
// When overridePath is set the key at that path is used as-is and never
// generated; a missing override is an error.
func Load(log *zap.SugaredLogger, stateDir, overridePath string) (*Keypair, error) {
	if overridePath != "" {
		return loadFrom(overridePath)
	}

	path := filepath.Join(stateDir, privateKeyFile)
	if _, err := os.Stat(path); err == nil {
		return loadFrom(path)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "stat key %s", path)
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create state dir %s", stateDir)
	}
	kp, err := generate(path)
	if err != nil {
		return nil, err
	}
	log.Infow("generated worker-access keypair", "path", path)
	return kp, nil
}

func loadFrom(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read private key %s", path)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse private key %s", path)
	}
	return &Keypair{
		PrivatePath:   path,
		Signer:        signer,
		AuthorizedKey: authorizedLine(signer),
	}, nil
}

func generate(path string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return nil, errors.Wrap(err, "marshal private key")
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, errors.Wrapf(err, "write private key %s", path)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "derive public key")
	}
	pubLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if err := os.WriteFile(path+".pub", []byte(pubLine+"\n"), 0o644); err != nil {
		return nil, errors.Wrapf(err, "write public key %s.pub", path)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, errors.Wrap(err, "signer from key")
	}
	return &Keypair{PrivatePath: path, Signer: signer, AuthorizedKey: pubLine}, nil
}

func authorizedLine(signer ssh.Signer) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
}

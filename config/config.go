package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"transcribe-orchestrator/core/models"
)

// Config holds the application configuration, read from the environment
type Config struct {
	// Chat transport
	BotToken string

	// Provisioning backend
	Provisioner           models.ProvisionerKind
	WorkerAddressOverride string // non-empty forces the static backend

	// grid backend
	GridBin      string
	GridMnemonic string
	GridNetwork  string
	GridNodeID   string

	// ec2 backend
	EC2Region       string
	EC2InstanceType string
	EC2AMI          string

	// Access control
	SSHKeyOverridePath string
	AllowedUsers       []string // usernames or numeric ids; empty allows everyone

	// Limits and timeouts
	MaxComposers       int
	PerUserConcurrency int
	JobTimeout         time.Duration
	SSHConnectTimeout  time.Duration
	SSHCommandTimeout  time.Duration
	MaxInputBytes      int64

	// Cache warming
	CacheWarmInterval time.Duration
	ModelCacheDir     string
	EnvCacheDir       string

	// Transcription defaults
	DefaultModel    string
	DefaultLanguage string
	ReuseWorkers    bool

	// Paths and serving
	StateDir       string
	TmpDir         string
	ServerPort     string
	WorkerSpecFile string
}

// Load reads configuration from environment variables and validates the
// combination. An override address switches the provisioner to the static
// backend regardless of PROVISIONER.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	defaultState := filepath.Join(home, ".transcribe-orchestrator")

	cfg := &Config{
		BotToken: getEnv("BOT_TOKEN", ""),

		Provisioner:           models.ProvisionerKind(getEnv("PROVISIONER", string(models.ProvisionerGrid))),
		WorkerAddressOverride: getEnv("WORKER_ADDRESS_OVERRIDE", ""),

		GridBin:      getEnv("GRID_BIN", "tfcmd"),
		GridMnemonic: getEnv("GRID_MNEMONIC", ""),
		GridNetwork:  getEnv("GRID_NETWORK", "main"),
		GridNodeID:   getEnv("GRID_NODE_ID", ""),

		EC2Region:       getEnv("EC2_REGION", "us-east-1"),
		EC2InstanceType: getEnv("EC2_INSTANCE_TYPE", "g4dn.xlarge"),
		EC2AMI:          getEnv("EC2_AMI", ""),

		SSHKeyOverridePath: getEnv("SSH_KEY_OVERRIDE_PATH", ""),
		AllowedUsers:       splitList(getEnv("ALLOWED_USERS", "")),

		MaxComposers:       getEnvInt("MAX_COMPOSERS", 1),
		PerUserConcurrency: getEnvInt("PER_USER_CONCURRENCY", 1),
		JobTimeout:         getEnvDuration("JOB_TIMEOUT_SEC", 3*60*60, time.Second),
		SSHConnectTimeout:  getEnvDuration("SSH_CONNECT_TIMEOUT_SEC", 90, time.Second),
		SSHCommandTimeout:  getEnvDuration("SSH_COMMAND_TIMEOUT_SEC", 300, time.Second),
		MaxInputBytes:      getEnvInt64("MAX_INPUT_BYTES", 2<<30),

		CacheWarmInterval: getEnvDuration("CACHE_WARM_INTERVAL_MIN", 720, time.Minute),
		ModelCacheDir:     getEnv("MODEL_CACHE_DIR", "/models"),
		EnvCacheDir:       getEnv("ENV_CACHE_DIR", ""),

		DefaultModel:    getEnv("DEFAULT_MODEL", "turbo"),
		DefaultLanguage: getEnv("DEFAULT_LANGUAGE", "auto"),
		ReuseWorkers:    getEnvBool("REUSE_WORKERS", false),

		StateDir:       getEnv("STATE_DIR", defaultState),
		TmpDir:         getEnv("TMP_DIR", filepath.Join(os.TempDir(), "transcribe-orchestrator")),
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		WorkerSpecFile: getEnv("WORKER_SPEC_FILE", ""),
	}

	if cfg.WorkerAddressOverride != "" {
		cfg.Provisioner = models.ProvisionerStatic
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	switch c.Provisioner {
	case models.ProvisionerGrid:
		if c.GridMnemonic == "" {
			return errors.New("GRID_MNEMONIC is required for the grid provisioner")
		}
		if c.GridNodeID == "" {
			return errors.New("GRID_NODE_ID is required for the grid provisioner")
		}
	case models.ProvisionerEC2:
		if c.EC2AMI == "" {
			return errors.New("EC2_AMI is required for the ec2 provisioner")
		}
	case models.ProvisionerStatic:
		if c.WorkerAddressOverride == "" {
			return errors.New("WORKER_ADDRESS_OVERRIDE is required for the static provisioner")
		}
	default:
		return errors.Newf("unknown provisioner %q", c.Provisioner)
	}
	if c.MaxComposers < 1 || c.PerUserConcurrency < 1 {
		return errors.New("MAX_COMPOSERS and PER_USER_CONCURRENCY must be at least 1")
	}
	if !models.ValidModel(c.DefaultModel) {
		return errors.Newf("unknown DEFAULT_MODEL %q", c.DefaultModel)
	}
	if !models.ValidLanguage(c.DefaultLanguage) {
		return errors.Newf("invalid DEFAULT_LANGUAGE %q", c.DefaultLanguage)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue int, unit time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * unit
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

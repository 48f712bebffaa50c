package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"transcribe-orchestrator/core/models"
)

// WorkerProfile is the YAML-configurable shape of a worker: the deployment
// parameters handed to the provisioning backend plus the locations the
// executor uses once the machine is up.
type WorkerProfile struct {
	models.WorkerSpec `yaml:",inline"`

	TranscribeBin string `yaml:"transcribe_bin"`
	InputRoot     string `yaml:"input_root"`
}

// defaultProfile describes the stock transcription worker image
func defaultProfile() WorkerProfile {
	return WorkerProfile{
		WorkerSpec: models.WorkerSpec{
			FList:      "https://hub.threefold.me/scott.3bot/scottyeager-telemuze-composer-latest.flist",
			Entrypoint: "/sbin/zinit init",
			CPUs:       4,
			RAMGB:      8,
			RootfsGB:   20,
			SSHUser:    "root",
			SSHPort:    22,
		},
		TranscribeBin: "python3 /opt/composer/composer.py",
		InputRoot:     "/job/input",
	}
}

// LoadWorkerProfile parses the worker profile YAML at path. An empty path
// returns the stock profile; fields left out of the file keep their stock
// values, so a profile only needs to name what it changes.
func LoadWorkerProfile(path string) (WorkerProfile, error) {
	profile := defaultProfile()
	if path == "" {
		return profile, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return profile, errors.Wrapf(err, "read worker profile %s", path)
	}
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return profile, errors.Wrapf(err, "parse worker profile %s", path)
	}

	if err := profile.validate(); err != nil {
		return profile, errors.Wrapf(err, "worker profile %s", path)
	}
	return profile, nil
}

func (p *WorkerProfile) validate() error {
	if p.CPUs < 1 || p.RAMGB < 1 || p.RootfsGB < 1 {
		return errors.New("cpus, ram_gb and rootfs_gb must be at least 1")
	}
	if p.SSHUser == "" {
		return errors.New("ssh_user must not be empty")
	}
	if p.SSHPort < 1 || p.SSHPort > 65535 {
		return errors.Newf("invalid ssh_port %d", p.SSHPort)
	}
	if p.TranscribeBin == "" {
		return errors.New("transcribe_bin must not be empty")
	}
	if p.InputRoot == "" {
		return errors.New("input_root must not be empty")
	}
	return nil
}

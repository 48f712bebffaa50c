package models

// ProvisionerKind identifies a worker provisioning backend
type ProvisionerKind string

const (
	ProvisionerGrid   ProvisionerKind = "grid"
	ProvisionerEC2    ProvisionerKind = "ec2"
	ProvisionerStatic ProvisionerKind = "static"
)

// WorkerSpec describes the deployment parameters for a new worker
type WorkerSpec struct {
	Name       string `yaml:"-"`
	FList      string `yaml:"flist"`
	Entrypoint string `yaml:"entrypoint"`
	CPUs       int    `yaml:"cpus"`
	RAMGB      int    `yaml:"ram_gb"`
	RootfsGB   int    `yaml:"rootfs_gb"`
	SSHUser    string `yaml:"ssh_user"`
	SSHPort    int    `yaml:"ssh_port"`
	PublicKey  string `yaml:"-"` // authorized key handed to the backend at deploy time
}

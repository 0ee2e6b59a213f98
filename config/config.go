// Package config loads and validates the run configuration. A configuration
// file describes the machines to provision, the package repository to serve
// and the commands to execute; it is the only input a run takes besides the
// cache directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	VirtDocker = "docker"
	VirtQEMU   = "qemu"
	VirtEC2    = "ec2"
)

const (
	RepoLocalHTTP   = "local_http"
	RepoExistingURL = "existing_url"
	RepoS3          = "s3"
)

type Config struct {
	Target         *Machine        `yaml:"target"`
	Steering       *Machine        `yaml:"steering"`
	RPMRepo        *RPMRepo        `yaml:"rpm_repo"`
	Credentials    *Credentials    `yaml:"credentials"`
	TestInvocation *TestInvocation `yaml:"test_invocation"`
}

type Machine struct {
	Virtualization Virtualization `yaml:"virtualization"`
	RPM            string         `yaml:"rpm"`
	Invoke         []string       `yaml:"invoke"`
}

type Virtualization struct {
	Type   string  `yaml:"type"`
	Docker *Docker `yaml:"docker"`
	QEMU   *QEMU   `yaml:"qemu"`
	EC2    *EC2    `yaml:"ec2"`
}

type Docker struct {
	Image      string `yaml:"image"`
	Arguments  string `yaml:"arguments"`
	Privileged bool   `yaml:"privileged"`
}

type QEMU struct {
	Image   string `yaml:"image"`
	SSHPort int    `yaml:"ssh_port"`
}

type EC2 struct {
	ImageID      string `yaml:"image_id"`
	InstanceType string `yaml:"instance_type"`
}

type RPMRepo struct {
	Provider    string       `yaml:"provider"`
	DirWithRPMs string       `yaml:"dir_with_rpms"`
	LocalHTTP   *LocalHTTP   `yaml:"local_http"`
	ExistingURL *ExistingURL `yaml:"existing_url"`
	S3          *S3          `yaml:"s3"`
}

type LocalHTTP struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

type ExistingURL struct {
	BaseURL string `yaml:"baseurl"`
}

type S3 struct {
	Bucket string `yaml:"bucket"`
}

type Credentials struct {
	AWS *AWSCredentials `yaml:"aws"`
}

type AWSCredentials struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	RegionName      string `yaml:"region_name"`
}

type TestInvocation struct {
	Machine string `yaml:"machine"`
	Invoke  string `yaml:"invoke"`
}

// Load reads a configuration file, JSON or YAML, and validates it. Relative
// paths in the file (qemu images, rpm directories) are resolved against the
// directory the file lives in.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read config file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("can't parse config file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	c.resolvePaths(filepath.Dir(abs))

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func (c *Config) resolvePaths(dir string) {
	for _, m := range []*Machine{c.Target, c.Steering} {
		if m != nil && m.Virtualization.QEMU != nil {
			m.Virtualization.QEMU.Image = resolve(dir, m.Virtualization.QEMU.Image)
		}
	}
	if c.RPMRepo != nil && c.RPMRepo.DirWithRPMs != "" {
		c.RPMRepo.DirWithRPMs = resolve(dir, c.RPMRepo.DirWithRPMs)
	}
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func (c *Config) Validate() error {
	if c.Target == nil {
		return fmt.Errorf("config: target machine is required")
	}
	if err := c.Target.validate("target"); err != nil {
		return err
	}
	if c.Steering != nil {
		if err := c.Steering.validate("steering"); err != nil {
			return err
		}
	}

	if c.RPMRepo != nil {
		if err := c.RPMRepo.validate(); err != nil {
			return err
		}
	}

	if c.usesEC2() && (c.Credentials == nil || c.Credentials.AWS == nil) {
		return fmt.Errorf("config: ec2 virtualization requires credentials.aws")
	}
	if c.RPMRepo != nil && c.RPMRepo.Provider == RepoS3 && (c.Credentials == nil || c.Credentials.AWS == nil) {
		return fmt.Errorf("config: s3 rpm_repo requires credentials.aws")
	}

	if ti := c.TestInvocation; ti != nil {
		switch ti.Machine {
		case "target":
		case "steering":
			if c.Steering == nil {
				return fmt.Errorf("config: test_invocation.machine is steering but no steering machine is configured")
			}
		default:
			return fmt.Errorf("config: test_invocation.machine must be one of target, steering, got %q", ti.Machine)
		}
		if ti.Invoke == "" {
			return fmt.Errorf("config: test_invocation.invoke is required")
		}
	}

	return nil
}

func (m *Machine) validate(name string) error {
	v := &m.Virtualization
	switch v.Type {
	case VirtDocker:
		if v.Docker == nil || v.Docker.Image == "" {
			return fmt.Errorf("config: %s: docker virtualization requires docker.image", name)
		}
	case VirtQEMU:
		if v.QEMU == nil || v.QEMU.Image == "" || v.QEMU.SSHPort == 0 {
			return fmt.Errorf("config: %s: qemu virtualization requires qemu.image and qemu.ssh_port", name)
		}
	case VirtEC2:
		if v.EC2 == nil || v.EC2.ImageID == "" {
			return fmt.Errorf("config: %s: ec2 virtualization requires ec2.image_id", name)
		}
	case "":
		return fmt.Errorf("config: %s: virtualization.type is required", name)
	default:
		return fmt.Errorf("config: %s: unknown virtualization type %q", name, v.Type)
	}
	return nil
}

func (r *RPMRepo) validate() error {
	switch r.Provider {
	case RepoLocalHTTP:
		if r.LocalHTTP == nil || r.LocalHTTP.IP == "" || r.LocalHTTP.Port == 0 {
			return fmt.Errorf("config: rpm_repo: local_http provider requires local_http.ip and local_http.port")
		}
		if r.DirWithRPMs == "" {
			return fmt.Errorf("config: rpm_repo: local_http provider requires dir_with_rpms")
		}
	case RepoExistingURL:
		if r.ExistingURL == nil || r.ExistingURL.BaseURL == "" {
			return fmt.Errorf("config: rpm_repo: existing_url provider requires existing_url.baseurl")
		}
	case RepoS3:
		if r.S3 == nil || r.S3.Bucket == "" {
			return fmt.Errorf("config: rpm_repo: s3 provider requires s3.bucket")
		}
		if r.DirWithRPMs == "" {
			return fmt.Errorf("config: rpm_repo: s3 provider requires dir_with_rpms")
		}
	case "":
		return fmt.Errorf("config: rpm_repo: provider is required")
	default:
		return fmt.Errorf("config: rpm_repo: unknown provider %q", r.Provider)
	}
	return nil
}

func (c *Config) usesEC2() bool {
	for _, m := range []*Machine{c.Target, c.Steering} {
		if m != nil && m.Virtualization.Type == VirtEC2 {
			return true
		}
	}
	return false
}

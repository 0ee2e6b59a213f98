// Package virt abstracts the three virtualization technologies a test
// machine can run under: a docker container, a local qemu VM, or an EC2
// instance. Every backend exposes the same contract: Acquire brings its
// resources into existence, Run executes a command inside the live
// environment, Release reverses Acquire.
//
// Release is safe on a partially acquired backend and never fails; teardown
// sub-step errors are logged so outer cleanup always proceeds. Callers are
// expected to register Release on their unwind path before calling Acquire.
package virt

import (
	"context"
	"fmt"
	"io"

	"github.com/osbuild/rpmci/cloudinit"
	"github.com/osbuild/rpmci/config"
	"github.com/osbuild/rpmci/ssh"
)

// GuestUser is the login user cloud-init creates in every provisioned
// machine.
const GuestUser = "admin"

// Backend is one virtualization variant driving a single machine.
type Backend interface {
	// Acquire provisions the machine and blocks until it accepts commands.
	// On error, resources it already created still exist and are removed by
	// Release.
	Acquire(ctx context.Context) error

	// Release tears down everything Acquire created, logging and continuing
	// on sub-step failures.
	Release()

	// Run executes a shell command inside the machine and returns its exit
	// status. A non-zero remote exit is not an error.
	Run(command string, stdin io.Reader) (int, error)

	// Addr is the host-visible SSH endpoint of the machine, or ("", 0) for
	// backends without one.
	Addr() (host string, port int)
}

// Options carries the per-run inputs shared by the backends.
type Options struct {
	// RunID tags every external resource created for the run.
	RunID string
	// Name distinguishes the machines of a run, e.g. "target", "steering".
	Name string
	// CacheDir receives generated boot images.
	CacheDir string
	// Keypair authenticates remote command execution.
	Keypair *ssh.Keypair
	// CloudInit is the machine's boot configuration; unused by docker.
	CloudInit *cloudinit.Document
	// AWS credentials, required by the ec2 backend.
	AWS *config.AWSCredentials
}

// New constructs the backend selected by the virtualization configuration.
func New(v config.Virtualization, opts Options) (Backend, error) {
	switch v.Type {
	case config.VirtDocker:
		b, err := NewDocker(v.Docker, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.VirtQEMU:
		return NewQEMU(v.QEMU, opts), nil
	case config.VirtEC2:
		b, err := NewEC2(v.EC2, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown virtualization type %q", v.Type)
	}
}

// ProvisionError reports a failed acquire step: the backend's environment
// could not be brought into existence.
type ProvisionError struct {
	Backend string
	Stage   string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Backend, e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

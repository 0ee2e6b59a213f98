package virt

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/osbuild/rpmci/cloudinit"
	"github.com/osbuild/rpmci/config"
	"github.com/osbuild/rpmci/ssh"
)

// QEMU boots the machine as a local qemu process with the guest SSH port
// forwarded to localhost. The VM runs in snapshot mode; nothing is written
// back to the image, so release only has to kill the process.
type QEMU struct {
	cfg      *config.QEMU
	name     string
	cacheDir string
	doc      *cloudinit.Document
	keypair  *ssh.Keypair

	ProbeAttempts int
	ProbeInterval time.Duration

	// start launches the hypervisor process and sleep paces the readiness
	// probe; both are replaced in tests.
	start func(*exec.Cmd) error
	sleep func(time.Duration)

	proc   *exec.Cmd
	runner Runner
}

func NewQEMU(cfg *config.QEMU, opts Options) *QEMU {
	return &QEMU{
		cfg:           cfg,
		name:          opts.Name,
		cacheDir:      opts.CacheDir,
		doc:           opts.CloudInit,
		keypair:       opts.Keypair,
		ProbeAttempts: DefaultProbeAttempts,
		ProbeInterval: DefaultProbeInterval,
		start:         (*exec.Cmd).Start,
	}
}

func qemuArgs(image, isoPath string, sshPort int) []string {
	return []string{
		"-enable-kvm",
		"-m", "2048",
		"-snapshot",
		"-cpu", "host",
		"-net", "nic,model=virtio",
		"-net", fmt.Sprintf("user,hostfwd=tcp::%d-:22", sshPort),
		"-cdrom", isoPath,
		"-nographic",
		image,
	}
}

func (q *QEMU) Acquire(ctx context.Context) error {
	isoPath, err := q.doc.WriteISO(q.cacheDir, q.name)
	if err != nil {
		return &ProvisionError{Backend: "qemu", Stage: "cloud-init image", Err: err}
	}

	args := qemuArgs(q.cfg.Image, isoPath, q.cfg.SSHPort)
	log.Info("running qemu command: qemu-system-x86_64 ", strings.Join(args, " "))

	cmd := exec.Command("qemu-system-x86_64", args...)
	if err := q.start(cmd); err != nil {
		return &ProvisionError{Backend: "qemu", Stage: "hypervisor launch", Err: err}
	}
	q.proc = cmd

	if q.runner == nil {
		client, err := ssh.NewClient(GuestUser, "127.0.0.1", q.cfg.SSHPort, q.keypair.PrivateKey)
		if err != nil {
			return &ProvisionError{Backend: "qemu", Stage: "ssh setup", Err: err}
		}
		q.runner = client
	}

	return WaitReady("qemu", q.runner, ProbeCommand, q.ProbeAttempts, q.ProbeInterval, q.sleep)
}

func (q *QEMU) Release() {
	if q.proc == nil || q.proc.Process == nil {
		return
	}

	log.WithField("pid", q.proc.Process.Pid).Info("terminating qemu process")
	if err := q.proc.Process.Kill(); err != nil {
		log.WithError(err).Warn("failed to kill qemu process")
	}
	// Reap the child so it doesn't linger as a zombie.
	go func(cmd *exec.Cmd) {
		_ = cmd.Wait()
	}(q.proc)
	q.proc = nil
}

func (q *QEMU) Run(command string, stdin io.Reader) (int, error) {
	return q.runner.Run(command, stdin)
}

func (q *QEMU) Addr() (string, int) {
	return "127.0.0.1", q.cfg.SSHPort
}

// GuestGatewayAddr is how a qemu guest reaches services on the host; the
// slirp user network maps the host loopback to a fixed gateway address.
const GuestGatewayAddr = "10.0.2.2"

// Package controller drives a complete test run: it acquires the package
// repository, the target machine and the optional steering machine as nested
// scopes, executes the configured install and invoke phases in order, and
// unwinds every acquired resource on exit regardless of outcome.
package controller

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/osbuild/rpmci/cloudinit"
	"github.com/osbuild/rpmci/config"
	"github.com/osbuild/rpmci/repo"
	"github.com/osbuild/rpmci/ssh"
	"github.com/osbuild/rpmci/virt"
)

// guestPassword is the console fallback login for debugging a broken guest;
// all automated access goes through the run's keypair.
const guestPassword = "foobar"

// RemoteCommandError reports an install or invoke command that exited
// non-zero. It is fatal for the phase machine; the environment is not
// trusted beyond it.
type RemoteCommandError struct {
	Phase    string
	Machine  string
	ExitCode int
}

func (e *RemoteCommandError) Error() string {
	return fmt.Sprintf("%s phase failed on %s machine: exit status %d", e.Phase, e.Machine, e.ExitCode)
}

// Controller owns the backend and repository factories so tests can
// substitute fakes.
type Controller struct {
	NewBackend func(v config.Virtualization, opts virt.Options) (virt.Backend, error)
	NewRepo    func(cfg *config.RPMRepo, creds *config.AWSCredentials, cacheDir, runID string) (repo.Provider, error)
}

func New() *Controller {
	return &Controller{
		NewBackend: virt.New,
		NewRepo:    repo.New,
	}
}

// Run executes the whole test run and returns its exit code: the
// test-invocation's exit status, or 0 when no test invocation is configured
// and all phases succeeded. The error reports fatal provisioning or phase
// failures; in both cases everything acquired has been released.
func (c *Controller) Run(ctx context.Context, cfg *config.Config, cacheDir string) (int, error) {
	runID := newRunID()
	log.WithField("run", runID).Info("starting test run")

	u := &unwinder{}
	defer u.unwind()

	return c.run(ctx, cfg, cacheDir, runID, u)
}

func (c *Controller) run(ctx context.Context, cfg *config.Config, cacheDir, runID string, u *unwinder) (int, error) {
	keypair, err := ssh.GenerateKeypair(cacheDir)
	if err != nil {
		return 1, fmt.Errorf("can't generate keypair: %w", err)
	}
	u.push("keypair", keypair.Remove)

	var handle *repo.Handle
	if cfg.RPMRepo != nil {
		provider, err := c.NewRepo(cfg.RPMRepo, awsCredentials(cfg), cacheDir, runID)
		if err != nil {
			return 1, err
		}
		u.push("repository", provider.Release)

		h, err := provider.Acquire(ctx)
		if err != nil {
			return 1, fmt.Errorf("can't acquire repository: %w", err)
		}
		handle = &h
	}

	target, err := c.acquireMachine(ctx, u, cfg, "target", cfg.Target, handle, keypair, cacheDir, runID, nil)
	if err != nil {
		return 1, err
	}

	var steering *machine
	if cfg.Steering != nil {
		steering, err = c.acquireMachine(ctx, u, cfg, "steering", cfg.Steering, handle, keypair, cacheDir, runID, target)
		if err != nil {
			return 1, err
		}
	}

	if err := c.provision(target); err != nil {
		return 1, err
	}
	if steering != nil {
		if err := c.provision(steering); err != nil {
			return 1, err
		}
		if err := c.invoke(steering); err != nil {
			return 1, err
		}
	}
	if err := c.invoke(target); err != nil {
		return 1, err
	}

	return c.testInvocation(cfg, target, steering)
}

// machine pairs a live backend with its configuration and role name.
type machine struct {
	name    string
	cfg     *config.Machine
	backend virt.Backend
}

// acquireMachine builds the machine's boot configuration and brings its
// backend up. The steering machine additionally receives the run's keypair
// and an ssh_config alias for the already-running target, so it can reach
// "target" by name; the target's address is known by the time steering's
// configuration is built.
func (c *Controller) acquireMachine(ctx context.Context, u *unwinder, cfg *config.Config, name string, mc *config.Machine, handle *repo.Handle, keypair *ssh.Keypair, cacheDir, runID string, target *machine) (*machine, error) {
	doc := (&cloudinit.Document{}).AddUser(virt.GuestUser, guestPassword, string(keypair.PublicKey))
	if handle != nil {
		doc.AddRepo(handle.Name, handle.BaseURL)
	}
	if target != nil {
		doc.EmbedKeypair(string(keypair.PublicKey), string(keypair.PrivateKey))
		host, port := target.backend.Addr()
		if target.cfg.Virtualization.Type == config.VirtQEMU {
			// From inside a qemu guest the host loopback, and with it the
			// target's forwarded SSH port, lives on the slirp gateway.
			host = virt.GuestGatewayAddr
		}
		if host != "" {
			doc.AddHostAlias("target", host, port, virt.GuestUser)
		}
	}

	backend, err := c.NewBackend(mc.Virtualization, virt.Options{
		RunID:     runID,
		Name:      name,
		CacheDir:  cacheDir,
		Keypair:   keypair,
		CloudInit: doc,
		AWS:       awsCredentials(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("can't create %s backend: %w", name, err)
	}

	u.push(name+" machine", backend.Release)
	if err := backend.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("can't acquire %s machine: %w", name, err)
	}

	return &machine{name: name, cfg: mc, backend: backend}, nil
}

// provision installs the machine's configured package from the repository.
func (c *Controller) provision(m *machine) error {
	if m.cfg.RPM == "" {
		return nil
	}

	cmd := fmt.Sprintf("sudo dnf install -y %s", m.cfg.RPM)
	log.WithField("machine", m.name).Info("installing ", m.cfg.RPM)

	code, err := m.backend.Run(cmd, nil)
	if err != nil {
		return fmt.Errorf("install on %s machine: %w", m.name, err)
	}
	if code != 0 {
		return &RemoteCommandError{Phase: "install", Machine: m.name, ExitCode: code}
	}
	return nil
}

// invoke executes the machine's configured commands in order, aborting on
// the first non-zero exit.
func (c *Controller) invoke(m *machine) error {
	for _, cmd := range m.cfg.Invoke {
		log.WithField("machine", m.name).Info("invoking ", cmd)

		code, err := m.backend.Run(cmd, nil)
		if err != nil {
			return fmt.Errorf("invoke on %s machine: %w", m.name, err)
		}
		if code != 0 {
			return &RemoteCommandError{Phase: "invoke", Machine: m.name, ExitCode: code}
		}
	}
	return nil
}

// testInvocation runs the configured test command. A failing test is the
// run's result, not an error: the environment did its job by producing the
// observation, so unwinding proceeds normally and the exit code is passed
// through.
func (c *Controller) testInvocation(cfg *config.Config, target, steering *machine) (int, error) {
	ti := cfg.TestInvocation
	if ti == nil {
		return 0, nil
	}

	m := target
	if ti.Machine == "steering" {
		m = steering
	}

	log.WithField("machine", m.name).Info("running test invocation: ", ti.Invoke)
	code, err := m.backend.Run(ti.Invoke, nil)
	if err != nil {
		return 1, fmt.Errorf("test invocation on %s machine: %w", m.name, err)
	}
	if code != 0 {
		log.WithFields(log.Fields{"machine": m.name, "exit": code}).Error("test invocation failed")
	}
	return code, nil
}

func awsCredentials(cfg *config.Config) *config.AWSCredentials {
	if cfg.Credentials == nil {
		return nil
	}
	return cfg.Credentials.AWS
}

// newRunID generates the short unique identifier tagging every external
// resource of the run.
func newRunID() string {
	return uuid.NewString()[:8]
}

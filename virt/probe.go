package virt

import (
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// ProbeCommand detects a fully booted machine: it exits zero once the
	// guest init system has finished starting units.
	ProbeCommand = "systemctl is-system-running"

	DefaultProbeAttempts = 20
	DefaultProbeInterval = 20 * time.Second
)

// Runner is the command-execution slice of Backend the prober needs.
type Runner interface {
	Run(command string, stdin io.Reader) (int, error)
}

// BootTimeoutError means a machine was provisioned but never became ready
// within the probe budget. The machine exists and must still be released.
type BootTimeoutError struct {
	Backend  string
	Attempts int
}

func (e *BootTimeoutError) Error() string {
	return fmt.Sprintf("%s: machine not ready after %d probe attempts", e.Backend, e.Attempts)
}

// WaitReady polls the machine with command until it exits zero, at most
// attempts times with interval between attempts. Transport errors and
// non-zero exits both count as a failed attempt; a freshly booting machine
// refuses connections before it accepts them. sleep is injectable for tests;
// nil means time.Sleep.
func WaitReady(backend string, r Runner, command string, attempts int, interval time.Duration, sleep func(time.Duration)) error {
	if sleep == nil {
		sleep = time.Sleep
	}

	for i := 0; i < attempts; i++ {
		code, err := r.Run(command, nil)
		if err == nil && code == 0 {
			log.WithField("backend", backend).Info("machine is ready")
			return nil
		}
		if err != nil {
			log.WithField("backend", backend).WithError(err).Debug("readiness probe failed")
		}

		if i < attempts-1 {
			log.WithField("backend", backend).Infof("machine not yet ready, probing again in %v", interval)
			sleep(interval)
		}
	}

	return &BootTimeoutError{Backend: backend, Attempts: attempts}
}

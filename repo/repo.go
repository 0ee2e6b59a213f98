// Package repo provides the package repository a run installs from. A
// provider turns a directory of packages (or a pre-existing URL) into a base
// URL reachable from the provisioned machines, and tears down whatever it
// stood up when the run ends.
package repo

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/osbuild/rpmci/config"
)

// Handle is the consumable result of a provider: a named repository and the
// base URL packages can be fetched from.
type Handle struct {
	Name    string
	BaseURL string
}

// Provider acquires and releases the resources backing a repository. Release
// never fails; teardown problems are logged and swallowed so outer cleanup
// can proceed.
type Provider interface {
	Acquire(ctx context.Context) (Handle, error)
	Release()
}

// Indexer generates repository metadata for a directory of staged packages.
// The default shells out to createrepo_c; tests substitute a stub.
type Indexer func(dir string) error

func createrepo(dir string) error {
	cmd := exec.Command("createrepo_c", dir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("createrepo_c failed: %w", err)
	}
	return nil
}

// New builds the provider selected by the configuration.
func New(cfg *config.RPMRepo, creds *config.AWSCredentials, cacheDir, runID string) (Provider, error) {
	switch cfg.Provider {
	case config.RepoLocalHTTP:
		return NewLocalHTTP(cfg.DirWithRPMs, cacheDir, cfg.LocalHTTP.IP, cfg.LocalHTTP.Port), nil
	case config.RepoExistingURL:
		return NewExistingURL(cfg.ExistingURL.BaseURL), nil
	case config.RepoS3:
		return NewS3(cfg.DirWithRPMs, cacheDir, cfg.S3.Bucket, runID, creds)
	default:
		return nil, fmt.Errorf("unknown rpm_repo provider %q", cfg.Provider)
	}
}

// stageRPMs copies every file below rpmsDir into a fresh <cacheDir>/repo and
// runs the indexer over it, returning the staged directory.
func stageRPMs(rpmsDir, cacheDir string, index Indexer) (string, error) {
	repoDir := filepath.Join(cacheDir, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return "", fmt.Errorf("can't create repo directory: %w", err)
	}

	err := filepath.Walk(rpmsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		dst := filepath.Join(repoDir, info.Name())
		log.WithField("file", info.Name()).Info("staging package")
		return copyFile(path, dst)
	})
	if err != nil {
		return "", fmt.Errorf("can't stage packages from %s: %w", rpmsDir, err)
	}

	if err := index(repoDir); err != nil {
		return "", err
	}

	return repoDir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// rpmci provisions short-lived test machines, installs packages into them,
// runs the configured test protocol and tears everything down again.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/rpmci/config"
	"github.com/osbuild/rpmci/controller"
)

func main() {
	var (
		configPath string
		cachePath  string
	)

	cmd := &cobra.Command{
		Use:           "rpmci",
		Short:         "RPM based continuous integration",
		Long:          "rpmci provisions ephemeral test environments (containers, qemu VMs or EC2 instances), installs RPM packages into them and executes a scripted test protocol.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, cachePath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the run configuration file")
	cmd.Flags().StringVar(&cachePath, "cache", "", "path to the cache directory")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("cache")

	if err := cmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(configPath, cachePath string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Info("using configuration file ", configPath)

	cacheDir, err := filepath.Abs(cachePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("can't create cache directory: %w", err)
	}

	code, err := controller.New().Run(context.Background(), cfg, cacheDir)
	if err != nil {
		return err
	}
	if code != 0 {
		log.Error("test run finished with exit code ", code)
		os.Exit(code)
	}

	log.Info("test run finished successfully")
	return nil
}

// provisioner runs the VM provisioning service: the job queue, its
// provider manager and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"provisioner/internal/config"
	"provisioner/internal/logging"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "provisioner",
		Short:         "VM provisioning orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file path (default $"+config.EnvPrefix+"_CONFIG)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}
	root.AddCommand(newServeCommand(load))
	root.AddCommand(newMigrateCommand(load))
	return root
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

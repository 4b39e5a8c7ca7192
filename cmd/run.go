package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/feedhound/feedhound/internal/app"
	"github.com/feedhound/feedhound/internal/config"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ingestion pipeline",
		Long: `Registers the configured feed sources, then polls them and drains the
extraction queue on a fixed cadence until interrupted or the configured
cycle limit is reached.`,
		RunE: runPipeline,
	}
	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("feedhound.yaml"); err == nil {
			path = "feedhound.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	a.Logger().Info("pipeline stopped")
	return nil
}

// Command tryon-server runs the virtual try-on HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tryon/internal/config"
	"tryon/internal/imagegen"
	"tryon/internal/logging"
	"tryon/internal/registry"
	"tryon/internal/server"
	"tryon/internal/service"
	"tryon/internal/vlm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "tryon-server",
		Short:        "Virtual try-on service for accessories and clothing",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.AddCommand(serve)
	return root
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Server.Debug {
		logging.SetLevel(logging.LevelDebug)
	}
	if cfg.Server.LogFile != "" {
		logFile, err := logging.OpenLogFile(cfg.Server.LogFile)
		if err != nil {
			return err
		}
		defer logFile.Close()
	}
	logger := logging.NewComponentLogger("server")

	tasksDir, err := cfg.EnsureTasksDir()
	if err != nil {
		return err
	}
	if cfg.VL.APIKey == "" && cfg.Gen.APIKey == "" {
		logger.Warn("no API key configured; set DASHSCOPE_API_KEY or pass per-request keys")
	}

	reg := registry.New(tasksDir, cfg.Tasks.MaxTasks, logging.NewComponentLogger("registry"))
	vl := vlm.New(cfg.VL, logging.NewComponentLogger("vlm"))
	gen := imagegen.New(cfg.Gen, logging.NewComponentLogger("imagegen"))
	svc := service.New(reg, vl, gen, logging.NewComponentLogger("service"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.StartSweeper(ctx, cfg.Tasks.SweepInterval.Std(), cfg.Tasks.MaxAge.Std())

	logger.Info("tasks dir %s, capacity %d, max age %s",
		tasksDir, cfg.Tasks.MaxTasks, cfg.Tasks.MaxAge.Std())
	return server.New(cfg, svc, logger).Run(ctx)
}

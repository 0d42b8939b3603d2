package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wagnerflo/poudomaticd/pkg/api"
	"github.com/wagnerflo/poudomaticd/pkg/config"
	"github.com/wagnerflo/poudomaticd/pkg/env"
	"github.com/wagnerflo/poudomaticd/pkg/log"
	"github.com/wagnerflo/poudomaticd/pkg/orchestrator"
	"github.com/wagnerflo/poudomaticd/pkg/taskstore"
	"github.com/wagnerflo/poudomaticd/pkg/volume"
	"github.com/wagnerflo/poudomaticd/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var (
	flagConfig  string
	flagDataset string
	flagListen  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "poudomaticd",
	Short: "poudomaticd - continuous package building with poudriere",
	Long: `poudomaticd is a single-host build worker: it accepts jail,
ports-tree, and bulk-build tasks over HTTP, runs them one at a time
against a ZFS-backed poudriere environment, and streams build logs
back to clients while they run.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"poudomaticd version %s (%s)\n", Version, Commit,
	))

	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().StringVarP(&flagDataset, "dataset", "d", "", "Root ZFS dataset (overrides config and "+config.EnvDataset+")")
	rootCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "HTTP listen address (overrides config)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagDataset != "" {
		cfg.Dataset = flagDataset
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("poudomaticd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := volume.NewZFSManager()
	e, err := env.Open(ctx, mgr, cfg.Dataset)
	if err != nil {
		return fmt.Errorf("open environment: %w", err)
	}
	logger.Info().Str("dataset", cfg.Dataset).Msg("environment ready")

	store, err := taskstore.Open(filepath.Join(e.EtcPath, "taskdb", "taskdb.sqlite"))
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()

	orch := &orchestrator.Orchestrator{
		Env:               e,
		Volume:            mgr,
		ZPool:             cfg.ZPool(),
		ZRootFS:           cfg.Dataset,
		SrcRepoURI:        cfg.Src.RepoURI,
		PortsRepoURI:      cfg.Ports.RepoURI,
		PortsBranchFormat: cfg.Ports.BranchFormat,
		PostChangeScript:  cfg.Build.PostChangeScript,
	}
	w := worker.New(store, orch)

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: api.NewServer(store, e).Handler(),
	}
	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.ListenAndServe() }()
	logger.Info().Str("listen", cfg.Listen).Msg("http surface listening")

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdown()
		<-workerDone
		return nil
	case err := <-serverDone:
		return fmt.Errorf("http server: %w", err)
	case err := <-workerDone:
		shutdown()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("worker loop: %w", err)
		}
		return nil
	}
}

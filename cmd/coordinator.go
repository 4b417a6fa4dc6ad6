package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetctl/fleetctl/internal/api"
	"github.com/fleetctl/fleetctl/internal/fleet"
	"github.com/fleetctl/fleetctl/internal/git"
	"github.com/fleetctl/fleetctl/internal/hostingcli"
	"github.com/fleetctl/fleetctl/internal/log"
	"github.com/fleetctl/fleetctl/internal/safego"
	"github.com/fleetctl/fleetctl/internal/store"
	"github.com/fleetctl/fleetctl/internal/tracing"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator process",
}

var coordinatorServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the backlog, seed/recover durable state, and serve the worker protocol over HTTP",
	RunE:  runCoordinatorServe,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	coordinatorCmd.AddCommand(coordinatorServeCmd)
}

func runCoordinatorServe(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	tracerProvider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("configuring tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatAPI, "error shutting down tracer provider", err)
		}
	}()

	s, err := openStore()
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer func() { _ = s.Close() }()

	backlog, err := fleet.LoadBacklog(cfg.Backlog.Path)
	if err != nil {
		return fmt.Errorf("loading backlog %s: %w", cfg.Backlog.Path, err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	if cfg.Git.ProjectRoot != "" {
		workDir = cfg.Git.ProjectRoot
	}
	gitExec := git.NewRealExecutor(workDir)
	hosting := hostingcli.NewGHClient(workDir)

	checks := make([]fleet.QualityGateCheck, 0, len(cfg.QualityGates.Checks))
	for _, c := range cfg.QualityGates.Checks {
		checks = append(checks, fleet.QualityGateCheck{Name: c.Name, Command: c.Command, Required: c.Required})
	}

	var mq *fleet.MergeQueue
	reg := fleet.NewRegistry(s)
	notifier := fleet.NewNotifier(s)
	phases := fleet.NewPhaseController(reg)
	if cfg.Git.AutoMerge.Enabled {
		mq = fleet.NewMergeQueue(reg, s, notifier, phases, gitExec, hosting, fleet.MergeQueueConfig{
			TrunkBranch:   cfg.Git.MainBranch,
			Checks:        checks,
			RemoteEnabled: cfg.Git.AutoMerge.PushToRemote,
			DeleteRemote:  cfg.Git.AutoMerge.PushToRemote && cfg.Git.AutoMerge.DeleteBranch,
		})
	}

	enabledTypes := make([]fleet.TaskType, 0, len(cfg.Backlog.EnabledTypes))
	for _, t := range cfg.Backlog.EnabledTypes {
		enabledTypes = append(enabledTypes, fleet.TaskType(t))
	}

	taskLockTTL := cfg.Store.Redis.TaskLockTTL
	agentTimeout := cfg.Store.Redis.AgentTimeout
	coord := fleet.NewCoordinator(s, taskLockTTL, agentTimeout, cfg.SweepInterval, mq, enabledTypes...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Start(ctx, backlog, cfg.Backlog.RetryFailed); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}

	if cfg.Backlog.WatchFile {
		watcher, err := fleet.NewBacklogWatcher(cfg.Backlog.Path)
		if err != nil {
			return fmt.Errorf("starting backlog watcher: %w", err)
		}
		changed, err := watcher.Start()
		if err != nil {
			return fmt.Errorf("starting backlog watcher: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
		safego.Go("coordinator.backlog.watch", func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-changed:
					reloaded, err := fleet.LoadBacklog(cfg.Backlog.Path)
					if err != nil {
						log.ErrorErr(log.CatWatcher, "reloaded backlog is invalid, ignoring", err, "path", cfg.Backlog.Path)
						continue
					}
					if err := coord.Recovery.Run(ctx, reloaded, fleet.RecoveryOptions{RetryFailed: cfg.Backlog.RetryFailed}); err != nil {
						log.ErrorErr(log.CatWatcher, "failed to reconcile reloaded backlog", err)
						continue
					}
					log.Info(log.CatWatcher, "backlog reloaded", "path", cfg.Backlog.Path)
				}
			}
		})
	}

	server, err := api.NewServer(cfg.API.Addr, coord)
	if err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	errCh := make(chan error, 1)
	safego.Go("coordinator.api.serve", func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("coordinator listening on %s\n", cfg.API.Addr)

	select {
	case sig := <-sigCh:
		fmt.Printf("received %s, shutting down\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatAPI, "error stopping API server", err)
	}

	return nil
}

func openStore() (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return store.NewRedisStore(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB), nil
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

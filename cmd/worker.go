package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetctl/fleetctl/internal/fleet/implementer"
	"github.com/fleetctl/fleetctl/internal/fleet/worker"
	"github.com/fleetctl/fleetctl/internal/fleetclient"
	"github.com/fleetctl/fleetctl/internal/git"
	"github.com/fleetctl/fleetctl/internal/hostingcli"
)

var (
	workerCoordinatorAddr string
	workerSessionTag      string
	workerImplCmd         string
	workerOpenPR          bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with the coordinator and loop the claim/implement/gate/merge cycle until stopped",
	RunE:  runWorkerRun,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)

	workerRunCmd.Flags().StringVar(&workerCoordinatorAddr, "coordinator", "http://localhost:8765", "coordinator base URL")
	workerRunCmd.Flags().StringVar(&workerSessionTag, "role", "generalist-engineer", "advisory role reported at registration")
	workerRunCmd.Flags().StringVar(&workerImplCmd, "implementer", "", "command-line coding agent to invoke per task; empty drops a task artifact and waits for an external process")
	workerRunCmd.Flags().BoolVar(&workerOpenPR, "open-pr", false, "open a pull request via the hosting CLI instead of relying on local integration")
}

func runWorkerRun(_ *cobra.Command, _ []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	if cfg.Git.ProjectRoot != "" {
		workDir = cfg.Git.ProjectRoot
	}

	gitExec := git.NewRealExecutor(workDir)
	newGitOps := func(dir string) worker.GitOps { return git.NewRealExecutor(dir) }
	hosting := hostingcli.NewGHClient(workDir)
	client := fleetclient.New(workerCoordinatorAddr)

	var impl implementer.Implementer
	if workerImplCmd != "" {
		impl = implementer.CLI{Command: workerImplCmd, Args: []string{"{task}"}}
	} else {
		impl = implementer.FileDropAndWait{}
	}

	checks := make([]worker.QualityGateCheck, 0, len(cfg.QualityGates.Checks))
	for _, c := range cfg.QualityGates.Checks {
		checks = append(checks, worker.QualityGateCheck{Name: c.Name, Command: c.Command, Required: c.Required})
	}

	rt := worker.NewRuntime(client, gitExec, newGitOps, hosting, impl, workDir, worker.RuntimeConfig{
		SessionTag:    workerSessionTag,
		Role:          workerSessionTag,
		TrunkBranch:   cfg.Git.MainBranch,
		RemoteEnabled: cfg.Git.AutoMerge.PushToRemote,
		OpenPR:        workerOpenPR,
		Checks:        checks,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("received shutdown signal, unregistering")
		cancel()
	}()

	return rt.Run(ctx)
}

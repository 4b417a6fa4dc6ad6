// Package cmd implements the fleetctl command-line entrypoints: a
// coordinator process exposing the HTTP worker protocol, and a worker
// process driving the runtime state machine against it.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/fleetctl/fleetctl/internal/config"
	"github.com/fleetctl/fleetctl/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config

	viper = viperlib.New()
)

var rootCmd = &cobra.Command{
	Use:     "fleetctl",
	Short:   "Coordinate a fleet of autonomous implementation workers",
	Long:    `fleetctl runs a dependency-ordered backlog across a fleet of autonomous implementation workers: a coordinator assigns tasks and integrates finished branches, while workers claim, implement, and gate them.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./fleetctl.yaml)")
}

// SetVersion overrides the reported version string, called from main
// with build-time ldflags values.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("store.backend", defaults.Store.Backend)
	viper.SetDefault("store.redis.addr", defaults.Store.Redis.Addr)
	viper.SetDefault("store.redis.task_lock_ttl", defaults.Store.Redis.TaskLockTTL)
	viper.SetDefault("store.redis.agent_timeout", defaults.Store.Redis.AgentTimeout)
	viper.SetDefault("quality_gates.timeout", defaults.QualityGates.Timeout)
	viper.SetDefault("git.main_branch", defaults.Git.MainBranch)
	viper.SetDefault("git.auto_merge.enabled", defaults.Git.AutoMerge.Enabled)
	viper.SetDefault("git.auto_merge.max_retries", defaults.Git.AutoMerge.MaxRetries)
	viper.SetDefault("git.auto_merge.delete_branch", defaults.Git.AutoMerge.DeleteBranch)
	viper.SetDefault("backlog.path", defaults.Backlog.Path)
	viper.SetDefault("backlog.watch_file", defaults.Backlog.WatchFile)
	viper.SetDefault("backlog.retry_failed", defaults.Backlog.RetryFailed)
	viper.SetDefault("backlog.enabled_types", defaults.Backlog.EnabledTypes)
	viper.SetDefault("api.addr", defaults.API.Addr)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("sweep_interval", defaults.SweepInterval)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("fleetctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viperlib.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Info(log.CatConfig, "no config file found, using defaults")
		} else {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
	} else {
		log.Info(log.CatConfig, "config loaded", "path", viper.ConfigFileUsed())
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: unmarshalling config: %v\n", err)
	}
}

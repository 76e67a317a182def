package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/colony/pkg/config"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "colony",
	Short: "Colony - distributed agent mesh orchestrator",
	Long: `Colony coordinates a mesh of worker agents: TOFU enrollment with
certificate issuance, capability-based job dispatch with retries and
dead-lettering, and a bidirectional hub for progress and output
streaming. Single binary, embedded store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Colony version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:7947", "Admin API address")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(enrollmentCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(certCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Colony coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		metrics.SetVersion(Version)

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
}

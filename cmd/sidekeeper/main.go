package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	clientFlags := &ClientFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createPortCommand(clientFlags),
		createRestartCommand(clientFlags),
		createStatusCommand(clientFlags),
		createWatchCommand(clientFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidekeeper",
		Short: "Sidecar backend supervisor",
		Long: `Sidekeeper launches a backend on a free local port, watches its output
and health endpoint, and restarts it when it crashes or is asked to.

Examples:
  sidekeeper run --config=sidekeeper.toml
  sidekeeper run --binary=./api-server --port=8765
  sidekeeper port                       # Port the backend listens on
  sidekeeper restart
  sidekeeper watch --api-url=http://127.0.0.1:8764`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createRunCommand creates the run subcommand which hosts the supervisor
func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch and supervise the backend",
		Long: `Launch the configured backend and supervise it until interrupted.
Flags override the matching config values.

Examples:
  sidekeeper run --config=sidekeeper.toml
  SIDEKEEPER_BACKEND_BINARY=./api sidekeeper run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd, globalFlags.ConfigPath, *runFlags)
		},
	}
	cmd.Flags().StringVar(&runFlags.Binary, "binary", "", "backend executable (overrides backend.binary)")
	cmd.Flags().Uint16Var(&runFlags.Port, "port", 0, "preferred backend port (overrides backend.default_port)")
	return cmd
}

func addClientFlags(cmd *cobra.Command, flags *ClientFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "host URL including base path (e.g. http://127.0.0.1:8764)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

// createPortCommand creates the port subcommand
func createPortCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Print the port the backend was launched with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPort(cmd, *flags)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Request a backend restart",
		Long: `Queue a restart of the backend. Requests made while one is already
pending are merged into it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestart(cmd, *flags)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest backend status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, *flags)
		},
	}
	addClientFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the raw JSON response")
	return cmd
}

// createWatchCommand creates the watch subcommand
func createWatchCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream backend status transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, *flags)
		},
	}
	addClientFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print one JSON document per transition")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sidekeeper version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "sidekeeper", Version)
		},
	}
}

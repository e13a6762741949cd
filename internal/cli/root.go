// Package cli implements the ResetPrep command-line interface.
// The serve command runs the orchestration service; the rest are one-shot
// diagnostics against the same components.
package cli

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/resetprep/resetprep/internal/config"
)

var (
	// Global flags
	verbose   bool
	configDir string

	// Command flags
	totalMB     int64
	usedMB      int64
	syncTimeout time.Duration
	syncWait    bool
)

// rootCmd is the base command for ResetPrep.
var rootCmd = &cobra.Command{
	Use:   "resetprep",
	Short: "Workstation reset readiness orchestration",
	Long: `ResetPrep drives workstations through migration readiness before a reset:

  • Per-user migration lifecycle with validated transitions
  • Cloud sync status detection with TTL caching
  • Force-sync and wait-for-sync with stall detection
  • Automated sync error resolution
  • Quota health, warnings, and IT escalation`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Use alternate config directory")

	quotaCmd.Flags().Int64Var(&totalMB, "total-mb", 0, "Total cloud quota in MB")
	quotaCmd.Flags().Int64Var(&usedMB, "used-mb", 0, "Used cloud space in MB")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 10*time.Minute, "How long to wait for the sync to finish")
	syncCmd.Flags().BoolVar(&syncWait, "wait", false, "Block until the sync completes or times out")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(warningsCmd)
	rootCmd.AddCommand(demoCmd)
}

// getBaseDir returns the directory holding .resetprep. A repo-local
// directory wins over the user home.
func getBaseDir() string {
	if configDir != "" {
		return configDir
	}
	cwd, err := os.Getwd()
	if err == nil {
		if _, err := os.Stat(filepath.Join(cwd, config.Dir)); err == nil {
			return cwd
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create the .resetprep directory and default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		return RunInit(path)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration control loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunServe(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user>",
	Short: "Show a user's sync client status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStatus(cmd.Context(), args[0])
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota <user> <profile-root>",
	Short: "Estimate backup size and evaluate quota health",
	Long: `Estimate the user's backup size from their profile folder and grade it
against the cloud quota given with --total-mb and --used-mb.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunQuota(cmd.Context(), args[0], args[1])
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <folder>",
	Short: "Force a folder to sync, optionally waiting for completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunSync(cmd.Context(), args[0])
	},
}

var warningsCmd = &cobra.Command{
	Use:   "warnings <user>",
	Short: "List a user's quota warnings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunWarnings(cmd.Context(), args[0])
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a seeded migration through the orchestrator once",
	Long: `Seed an in-memory migration, feed it agent messages, and run
orchestration cycles, printing each lifecycle transition. Useful for
verifying the state machine end to end without a real workstation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunDemo(cmd.Context())
	},
}

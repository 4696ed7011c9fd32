package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/cratemine/am"
	"github.com/teranos/cratemine/cmd/cratemine/commands"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cratemine",
	Short: "cratemine - resumable crates.io mining engine",
	Long: `cratemine mines the crates.io registry: it discovers crate versions from
the registry index, downloads and inspects every published archive, and
reports how many shipped bytes are not needed to build each crate.

Progress is kept in a local SQLite database, so mining can be stopped at
any time and resumes where it left off.

Available commands:
  mine      - Discover new versions and mine them
  discover  - Only update the database from the registry index
  report    - Render the waste report
  stats     - Show pipeline progress, recent errors and active leases
  reset     - Return exhausted stages to pending
  am        - Manage configuration
  db        - Manage the database

Examples:
  cratemine mine --mode once         # Mine until nothing is left to do
  cratemine mine --mode duration --duration 2h
  cratemine report --format json     # Machine-readable report
  cratemine stats --errors 20        # Latest failed attempts`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath != "" {
			am.SetConfigFile(configPath)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		logger.Debugw("logger ready", "level", logger.LevelName(verbosity), "json", jsonLogs)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("config", "", "Use this config file instead of the am.toml search")

	rootCmd.AddCommand(commands.MineCmd)
	rootCmd.AddCommand(commands.DiscoverCmd)
	rootCmd.AddCommand(commands.ReportCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.ResetCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if hints := errors.FlattenHints(err); hints != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hints)
	}
	if details := errors.FlattenDetails(err); details != "" {
		fmt.Fprintf(os.Stderr, "Details: %s\n", details)
	}
	os.Exit(commands.ExitCode(err))
}

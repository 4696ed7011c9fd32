package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/cratemine/am"
	"github.com/teranos/cratemine/db"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/logger"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the cratemine database",
	Long: sym.DB + ` db — Manage the cratemine database

Every command migrates the database on open; these subcommands make that
explicit and show what is applied.

Examples:
  cratemine db migrate            # Apply pending migrations
  cratemine db status             # List applied and pending migrations`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE:  runDbStatus,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	defer database.Close()

	applied, err := db.AppliedVersions(database)
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	fmt.Printf("%s %s is at migration %s\n", sym.DB, cfg.Database.Path, applied[len(applied)-1])
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := db.Open(cfg.Database.Path, nil)
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	defer database.Close()

	applied, _ := db.AppliedVersions(database)
	pending, err := db.PendingMigrations(database)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", sym.DB, cfg.Database.Path)
	fmt.Printf("Applied: %d\n", len(applied))
	for _, v := range applied {
		fmt.Printf("  ✓ %s\n", v)
	}
	fmt.Printf("Pending: %d\n", len(pending))
	for _, name := range pending {
		fmt.Printf("  · %s\n", name)
	}
	return nil
}

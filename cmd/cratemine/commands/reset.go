package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/cratemine/logger"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/pulse/task"
	"github.com/teranos/cratemine/sym"
)

// ResetCmd returns exhausted stages to pending
var ResetCmd = &cobra.Command{
	Use:   "reset",
	Short: sym.Pulse + " Retry exhausted stages",
	Long: sym.Pulse + ` reset — Return exhausted stages to pending with a fresh attempt budget

Use after fixing whatever made a stage fail permanently, for example a
registry outage that outlasted the retry policy.

Examples:
  cratemine reset --stage download_archive
  cratemine reset --stage extract_archive --crate serde`,
	RunE: runReset,
}

var (
	resetStage string
	resetCrate string
)

func init() {
	ResetCmd.Flags().StringVar(&resetStage, "stage", "", "Stage to reset (required)")
	ResetCmd.Flags().StringVar(&resetCrate, "crate", "", "Only reset this crate's versions")
	_ = ResetCmd.MarkFlagRequired("stage")
}

func runReset(cmd *cobra.Command, args []string) error {
	stage, err := task.ParseStage(resetStage)
	if err != nil {
		return err
	}

	log := logger.ComponentLogger("reset")
	_, st, database, err := loadStore(log)
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	defer database.Close()

	n, err := st.ResetExhausted(cmd.Context(), stage, resetCrate)
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	logger.PulseInfow("reset exhausted stages", logger.FieldStage, string(stage), logger.FieldCrate, resetCrate, logger.FieldCount, n)
	scope := "all crates"
	if resetCrate != "" {
		scope = resetCrate
	}
	fmt.Printf("%s reset %d exhausted %s stages (%s)\n", sym.ForStage(string(stage)), n, stage, scope)
	return nil
}

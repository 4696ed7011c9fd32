package commands

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/logger"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/pulse/telemetry"
	"github.com/teranos/cratemine/sym"
)

// DiscoverCmd reads the registry index without mining
var DiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: sym.IX + " Read new crate versions from the registry index",
	Long: sym.IX + ` discover — Update the database from the registry index

Diffs the index clone from the last processed commit to HEAD and records
every new or changed version with all stages pending. The first run walks
the whole index. Nothing is downloaded from the registry API.`,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	log := logger.ComponentLogger("discover")
	cfg, st, database, err := loadStore(log)
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	defer database.Close()

	coord := shutdown.New(log)
	defer coord.Watch(os.Interrupt, syscall.SIGTERM)()

	res, err := discover(cmd.Context(), coord, st, cfg, telemetry.Nop{}, log)
	if err != nil {
		if errors.IsStorage(err) {
			return &ExitError{Code: shutdown.ExitStorage, Err: err}
		}
		return err
	}
	logger.IndexInfow("discovery finished", "head", res.Head, "new_versions", res.NewVersions)
	fmt.Printf("%s %s..%s: %d entries, %d new versions, %d new crates, %d skipped (%s)\n",
		sym.IX, shortRef(res.Since), shortRef(res.Head),
		res.Seen, res.NewVersions, res.NewCrates, res.Skipped, res.Duration.Round(time.Millisecond))
	return nil
}

func shortRef(ref string) string {
	switch {
	case ref == "":
		return "(start)"
	case len(ref) > 8:
		return ref[:8]
	}
	return ref
}

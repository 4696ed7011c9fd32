package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cratemine/logger"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/pulse/store"
	"github.com/teranos/cratemine/pulse/task"
	"github.com/teranos/cratemine/sym"
)

// StatsCmd shows pipeline progress
var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: sym.DB + " Show pipeline progress",
	Long: sym.DB + ` stats — Stage counts, today's activity, recent errors and active leases

Examples:
  cratemine stats
  cratemine stats --errors 20 --leases 0`,
	RunE: runStats,
}

var (
	statsErrors int
	statsLeases int
)

func init() {
	StatsCmd.Flags().IntVar(&statsErrors, "errors", 10, "Number of recent failed attempts to show")
	StatsCmd.Flags().IntVar(&statsLeases, "leases", 10, "Number of active leases to show")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logger.ComponentLogger("stats")
	cfg, st, database, err := loadStore(log)
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	defer database.Close()

	tally, err := st.Stats(ctx)
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	daily, err := st.Daily(ctx, time.Now())
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}

	fmt.Printf("%s %s\n\n", sym.DB, cfg.Database.Path)
	out, err := tallyTable(tally)
	if err != nil {
		return err
	}
	fmt.Println(out)

	fmt.Printf("Today (%s): %d versions and %d crates discovered in %s, %d stages done, %d failed\n\n",
		daily.Day, daily.VersionsDiscovered, daily.CratesDiscovered,
		daily.DiscoveryDuration.Round(time.Millisecond), daily.StagesDone, daily.StagesFailed)

	if statsErrors > 0 {
		entries, err := st.RecentErrors(ctx, statsErrors)
		if err != nil {
			return &ExitError{Code: shutdown.ExitStorage, Err: err}
		}
		if len(entries) == 0 {
			fmt.Println("No failed attempts recorded.")
		} else {
			out, err := errorTable(entries)
			if err != nil {
				return err
			}
			fmt.Printf("Recent errors (last %d):\n%s\n", statsErrors, out)
		}
	}

	if statsLeases > 0 {
		leases, err := st.ActiveLeases(ctx, statsLeases)
		if err != nil {
			return &ExitError{Code: shutdown.ExitStorage, Err: err}
		}
		if len(leases) > 0 {
			out, err := leaseTable(leases, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("\nActive leases:\n%s\n", out)
		}
	}
	return nil
}

func tallyTable(t store.Tally) (string, error) {
	header := []string{"Stage"}
	for _, state := range task.AllStates {
		header = append(header, string(state))
	}
	data := pterm.TableData{header}
	for _, stage := range task.Stages {
		row := []string{sym.ForStage(string(stage)) + " " + string(stage)}
		for _, state := range task.AllStates {
			row = append(row, humanize.Comma(int64(t.Get(stage, state))))
		}
		data = append(data, row)
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

func errorTable(entries []store.StageErrorEntry) (string, error) {
	data := pterm.TableData{{"When", "Version", "Stage", "Attempt", "Kind", "Code", "Message"}}
	for _, e := range entries {
		data = append(data, []string{
			humanize.Time(e.OccurredAt),
			e.Crate + "@" + e.Version,
			string(e.Stage),
			strconv.Itoa(e.Attempt),
			string(e.Kind),
			e.Code,
			truncate(e.Message, 60),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

func leaseTable(leases []task.Lease, now time.Time) (string, error) {
	data := pterm.TableData{{"Version", "Stage", "Attempt", "Token", "Expires"}}
	for _, l := range leases {
		expires := "expired"
		if l.ExpiresAt.After(now) {
			expires = "in " + l.ExpiresAt.Sub(now).Round(time.Second).String()
		}
		data = append(data, []string{
			l.Crate + "@" + l.Version,
			string(l.Stage),
			strconv.Itoa(l.Attempt),
			l.ShortToken(),
			expires,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

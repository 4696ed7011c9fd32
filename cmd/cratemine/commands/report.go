package commands

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/cratemine/am"
	"github.com/teranos/cratemine/crates/report"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/logger"
	"github.com/teranos/cratemine/pulse/shutdown"
	"github.com/teranos/cratemine/sym"
)

// ReportCmd renders the waste report
var ReportCmd = &cobra.Command{
	Use:   "report",
	Short: sym.Report + " Render the waste report",
	Long: sym.Report + ` report — How many shipped bytes are not needed to build each crate

Only versions whose aggregate_report stage is done are included. For each
crate the suggestion is taken from its highest mined version.

Examples:
  cratemine report                          # Tables on stdout
  cratemine report --format json -o waste.json
  cratemine report --crate serde --top 5`,
	RunE: runReport,
}

var (
	reportFormat string
	reportOutput string
	reportCrate  string
	reportTop    int
)

func init() {
	ReportCmd.Flags().StringVar(&reportFormat, "format", "", "Output format: text, json, yaml, toml (default from report.format)")
	ReportCmd.Flags().StringVarP(&reportOutput, "output", "o", "", "Write to this file instead of stdout")
	ReportCmd.Flags().StringVar(&reportCrate, "crate", "", "Only report this crate")
	ReportCmd.Flags().IntVar(&reportTop, "top", -1, "Number of most wasteful versions to list (default from report.top_versions)")
}

func runReport(cmd *cobra.Command, args []string) error {
	log := logger.ComponentLogger("report")
	cfg, st, database, err := loadStore(log)
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}
	defer database.Close()

	format := cfg.Report.Format
	if cmd.Flags().Changed("format") {
		format = reportFormat
	}
	f, err := report.ParseFormat(format)
	if err != nil {
		return err
	}
	top := cfg.Report.TopVersions
	if reportTop >= 0 {
		top = reportTop
	}
	output := cfg.Report.Output
	if cmd.Flags().Changed("output") {
		output = reportOutput
	}

	doc, err := report.Generate(cmd.Context(), st, report.Options{
		TopVersions: top,
		Crate:       reportCrate,
	})
	if err != nil {
		return &ExitError{Code: shutdown.ExitStorage, Err: err}
	}

	if output == "" || output == "-" {
		return report.Render(os.Stdout, doc, f)
	}
	return writeReport(output, doc, f)
}

func writeReport(path string, doc report.Document, f report.Format) (err error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, am.DefaultFilePermissions)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close %s", path)
		}
	}()

	w := bufio.NewWriter(file)
	if err := report.Render(w, doc, f); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	fmt.Fprintf(os.Stderr, "%s %d crates, %d versions written to %s\n", sym.Report, doc.Crates, doc.Versions, path)
	return nil
}

package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cratemine/crates/waste"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/sym"
)

// Format names an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Formats lists the supported formats.
var Formats = []Format{FormatText, FormatJSON, FormatYAML, FormatTOML}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == strings.ToLower(s) {
			return f, nil
		}
	}
	return "", errors.NewInvalidRequestError("unknown report format %q (want text, json, yaml or toml)", s)
}

// Render writes doc to w.
func Render(w io.Writer, doc Document, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(doc), "encode json report")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return errors.Wrap(err, "encode yaml report")
		}
		return errors.Wrap(enc.Close(), "flush yaml report")
	case FormatTOML:
		return errors.Wrap(toml.NewEncoder(w).Encode(doc), "encode toml report")
	case FormatText, "":
		return renderText(w, doc)
	default:
		return errors.NewInvalidRequestError("unknown report format %q", f)
	}
}

func renderText(w io.Writer, doc Document) error {
	fmt.Fprintf(w, "%s Waste report, %s\n\n", sym.Report, doc.GeneratedAt.Format("2006-01-02 15:04 MST"))
	if doc.Versions == 0 {
		fmt.Fprintln(w, "No versions have been fully mined yet.")
		return nil
	}
	fmt.Fprintf(w, "%d versions of %d crates: %s shipped, %s wasted (%.1f%%)\n\n",
		doc.Versions, doc.Crates,
		humanize.IBytes(uint64(doc.TotalBytes)), humanize.IBytes(uint64(doc.WastedBytes)),
		doc.WastedRatio*100)

	crates := pterm.TableData{{"Crate", "Versions", "Latest", "Shipped", "Wasted", "Suggested fix"}}
	for _, c := range doc.ByCrate {
		crates = append(crates, []string{
			c.Crate,
			fmt.Sprint(c.Versions),
			c.Latest,
			humanize.IBytes(uint64(c.TotalBytes)),
			humanize.IBytes(uint64(c.WastedBytes)),
			fixString(c.Suggestion),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(crates).Srender()
	if err != nil {
		return errors.Wrap(err, "render crate table")
	}
	fmt.Fprintln(w, table)

	if len(doc.TopVersions) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\n%s Most wasteful versions\n\n", sym.Crate)
	top := pterm.TableData{{"Version", "Files", "Wasted files", "Wasted"}}
	for _, v := range doc.TopVersions {
		top = append(top, []string{
			v.Crate + "@" + v.Version,
			fmt.Sprint(v.TotalFiles),
			fmt.Sprint(v.WastedFiles),
			humanize.IBytes(uint64(v.WastedBytes)),
		})
	}
	table, err = pterm.DefaultTable.WithHasHeader().WithData(top).Srender()
	if err != nil {
		return errors.Wrap(err, "render version table")
	}
	fmt.Fprintln(w, table)
	return nil
}

func fixString(f *waste.Fix) string {
	switch {
	case f == nil:
		return "-"
	case len(f.Include) > 0:
		return "include = " + quoteList(f.Include)
	default:
		return "exclude = " + quoteList(f.Exclude)
	}
}

func quoteList(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(q, ", ") + "]"
}

// Package waste decides which files in a published crate did not need to
// ship. It is pure: Analyze takes a file listing and the crate's manifest
// and returns a report, with no I/O.
package waste

import (
	"path"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// Entry is one file in a crate archive, relative to the package root.
type Entry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Class is the verdict for one entry.
type Class string

const (
	Needed Class = "needed"
	Wasted Class = "wasted"
)

// Classified is an entry with its verdict and the rule that decided it.
type Classified struct {
	Entry
	Class  Class  `json:"class"`
	Reason string `json:"reason"`
}

// Fix is a suggested manifest change that would drop the wasted files.
// Exactly one of Include and Exclude is set.
type Fix struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty" toml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty" toml:"exclude,omitempty"`
}

// Report is the outcome of Analyze.
type Report struct {
	TotalBytes  int64        `json:"total_bytes"`
	WastedBytes int64        `json:"wasted_bytes"`
	TotalFiles  int          `json:"total_files"`
	WastedFiles int          `json:"wasted_files"`
	Entries     []Classified `json:"entries"`
	Suggestion  *Fix         `json:"suggestion,omitempty"`
}

// Files cargo writes or always needs to build the package.
var alwaysNeeded = map[string]bool{
	"Cargo.toml":           true,
	"Cargo.toml.orig":      true,
	"Cargo.lock":           true,
	".cargo_vcs_info.json": true,
	"build.rs":             true,
}

// Directories and files that are not needed to build a crate as a
// dependency. Patterns without a slash match a file name at any depth.
var wastePatterns = []string{
	"tests/**",
	"benches/**",
	"examples/**",
	"fuzz/**",
	"target/**",
	".github/**",
	".circleci/**",
	"ci/**",
	"doc/**",
	"docs/**",
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.ico",
	"*.pdf", "*.mp4", "*.zip", "*.tar.gz",
	".gitignore", ".gitattributes", ".travis.yml", "appveyor.yml",
	".gitlab-ci.yml", "rustfmt.toml", ".rustfmt.toml", "clippy.toml",
	"deny.toml", "Makefile", "justfile", ".editorconfig",
	"*.orig", "*.rej", "*.bk", "*~",
}

// matcher is one compiled cargo-style pattern.
type matcher struct {
	pattern string
	g       glob.Glob
	base    bool // match file name only
}

func compile(pattern string) (matcher, bool) {
	p := strings.TrimPrefix(strings.TrimSpace(pattern), "/")
	if p == "" || strings.HasPrefix(p, "!") {
		return matcher{}, false
	}
	if strings.HasSuffix(p, "/") {
		p += "**"
	}
	base := !strings.Contains(p, "/")
	g, err := glob.Compile(p, '/')
	if err != nil {
		return matcher{}, false
	}
	return matcher{pattern: pattern, g: g, base: base}, true
}

func compileAll(patterns []string) []matcher {
	out := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		if m, ok := compile(p); ok {
			out = append(out, m)
		}
	}
	return out
}

func (m matcher) match(p string) bool {
	if m.g.Match(p) {
		return true
	}
	if m.base {
		if m.g.Match(path.Base(p)) {
			return true
		}
		// A bare directory name such as "tests" covers its contents.
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if m.g.Match(path.Base(dir)) {
				return true
			}
		}
	}
	return false
}

var defaultWaste = compileAll(wastePatterns)

// Analyze classifies every entry. Rules, in order:
//  1. files the manifest references, cargo metadata and build.rs are needed;
//  2. files matching the manifest's own exclude rules are wasted;
//  3. files matching a known non-build pattern are wasted;
//  4. everything else is needed.
func Analyze(entries []Entry, m Manifest) Report {
	referenced := make(map[string]bool)
	for _, p := range m.referencedPaths() {
		referenced[path.Clean(strings.TrimPrefix(p, "./"))] = true
	}
	excludes := compileAll(m.Package.Exclude)

	var r Report
	for _, e := range entries {
		c := Classified{Entry: e, Class: Needed, Reason: "default"}
		switch {
		case alwaysNeeded[e.Path]:
			c.Reason = "cargo"
		case referenced[e.Path]:
			c.Reason = "manifest"
		case strings.HasPrefix(e.Path, "src/"):
			c.Reason = "source"
		default:
			if mt, ok := firstMatch(excludes, e.Path); ok {
				c.Class, c.Reason = Wasted, "manifest exclude "+mt.pattern
			} else if mt, ok := firstMatch(defaultWaste, e.Path); ok {
				c.Class, c.Reason = Wasted, "pattern "+mt.pattern
			}
		}

		r.TotalFiles++
		r.TotalBytes += e.Size
		if c.Class == Wasted {
			r.WastedFiles++
			r.WastedBytes += e.Size
		}
		r.Entries = append(r.Entries, c)
	}
	if r.WastedFiles > 0 {
		r.Suggestion = suggest(r.Entries, len(m.Package.Include) > 0)
	}
	return r
}

func firstMatch(ms []matcher, p string) (matcher, bool) {
	for _, m := range ms {
		if m.match(p) {
			return m, true
		}
	}
	return matcher{}, false
}

// suggest builds an include list from needed entries when the crate
// already uses include, and an exclude list from wasted entries otherwise.
// Both are collapsed to top-level directories where possible.
func suggest(entries []Classified, useInclude bool) *Fix {
	want := Needed
	if !useInclude {
		want = Wasted
	}
	// A top-level directory can be named as a whole only if every entry
	// under it has the wanted class.
	mixed := make(map[string]bool)
	for _, e := range entries {
		if top, ok := topDir(e.Path); ok && e.Class != want {
			mixed[top] = true
		}
	}

	seen := make(map[string]bool)
	var patterns []string
	for _, e := range entries {
		if e.Class != want {
			continue
		}
		p := "/" + e.Path
		if top, ok := topDir(e.Path); ok && !mixed[top] {
			p = "/" + top + "/**"
		}
		if !seen[p] {
			seen[p] = true
			patterns = append(patterns, p)
		}
	}
	sort.Strings(patterns)
	if useInclude {
		return &Fix{Include: patterns}
	}
	return &Fix{Exclude: patterns}
}

func topDir(p string) (string, bool) {
	i := strings.IndexByte(p, '/')
	if i <= 0 {
		return "", false
	}
	return p[:i], true
}

// Package version reports build information set via ldflags, falling back
// to what the Go toolchain embedded when ldflags were not used.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build information. These variables are set at build time via ldflags.
var (
	// CommitHash is the git commit hash when the binary was built
	CommitHash = "dev"

	// BuildTime is when the binary was built
	BuildTime = "unknown"

	// Version is the semantic version (if tagged)
	Version = "dev"
)

// storageDeps are the modules whose versions decide what a mining database
// looks like on disk and how the index is read.
var storageDeps = []string{
	"github.com/mattn/go-sqlite3",
	"github.com/go-git/go-git/v5",
}

// Info contains version and build information
type Info struct {
	CommitHash string            `json:"commit_hash"`
	BuildTime  string            `json:"build_time"`
	Version    string            `json:"version"`
	Module     string            `json:"module,omitempty"`
	Modified   bool              `json:"modified,omitempty"`
	Deps       map[string]string `json:"deps,omitempty"`
	GoVersion  string            `json:"go_version"`
	Platform   string            `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	info := Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.fromBuildInfo(bi)
	}
	return info
}

// fromBuildInfo fills what ldflags left at their defaults.
func (i *Info) fromBuildInfo(bi *debug.BuildInfo) {
	i.Module = bi.Main.Path
	if i.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.CommitHash == "dev" {
				i.CommitHash = s.Value
			}
		case "vcs.time":
			if i.BuildTime == "unknown" {
				i.BuildTime = s.Value
			}
		case "vcs.modified":
			i.Modified = s.Value == "true"
		}
	}
	for _, dep := range bi.Deps {
		for _, want := range storageDeps {
			if dep.Path != want {
				continue
			}
			if i.Deps == nil {
				i.Deps = make(map[string]string, len(storageDeps))
			}
			if dep.Replace != nil {
				i.Deps[dep.Path] = dep.Replace.Version
			} else {
				i.Deps[dep.Path] = dep.Version
			}
		}
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	commit := i.Short()
	if i.Modified {
		commit += "+dirty"
	}
	if i.Version != "dev" {
		return fmt.Sprintf("cratemine %s (commit %s, built %s)", i.Version, commit, i.BuildTime)
	}
	return fmt.Sprintf("cratemine dev (commit %s, built %s)", commit, i.BuildTime)
}

// Short returns a short version string with just the commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

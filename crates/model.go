// Package crates holds the registry data model: crate versions as listed in
// the crates.io index, with their dependencies and features.
package crates

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/cratemine/errors"
)

// DependencyKind is how a dependency is used by the depending crate.
type DependencyKind string

const (
	DependencyNormal DependencyKind = "normal"
	DependencyDev    DependencyKind = "dev"
	DependencyBuild  DependencyKind = "build"
)

// Dependency is one entry of a version's dependency list, in index format.
type Dependency struct {
	Name            string         `json:"name"`
	Req             string         `json:"req"`
	Features        []string       `json:"features"`
	Optional        bool           `json:"optional"`
	DefaultFeatures bool           `json:"default_features"`
	Target          string         `json:"target,omitempty"`
	Kind            DependencyKind `json:"kind,omitempty"`
	Package         string         `json:"package,omitempty"`
}

// Metadata is one line of the crates.io index: everything the registry
// publishes about a single crate version. The embedded Published fields
// are absent from the index and filled in once FetchMetadata has run.
type Metadata struct {
	Name        string              `json:"name"`
	Version     string              `json:"vers"`
	Deps        []Dependency        `json:"deps"`
	Checksum    string              `json:"cksum"`
	Features    map[string][]string `json:"features"`
	Yanked      bool                `json:"yanked"`
	Links       string              `json:"links,omitempty"`
	RustVersion string              `json:"rust_version,omitempty"`

	Published
}

// Published is what the registry API knows about a version beyond its
// index line.
type Published struct {
	Authors     []string `json:"authors,omitempty"`
	Size        int64    `json:"crate_size,omitempty"`
	License     string   `json:"license,omitempty"`
	PublishedBy string   `json:"published_by,omitempty"`
}

// IsZero reports whether nothing has been fetched yet.
func (p Published) IsZero() bool {
	return len(p.Authors) == 0 && p.Size == 0 && p.License == "" && p.PublishedBy == ""
}

type apiUser struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

func (u *apiUser) display() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Login
}

// ParsePublished decodes the API's "version" object. Registries that still
// list authors are taken at their word; otherwise the publisher and every
// user in the audit trail count as authors.
func ParsePublished(raw []byte) (Published, error) {
	var v struct {
		CrateSize    int64    `json:"crate_size"`
		License      string   `json:"license"`
		Authors      []string `json:"authors"`
		PublishedBy  *apiUser `json:"published_by"`
		AuditActions []struct {
			User *apiUser `json:"user"`
		} `json:"audit_actions"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Published{}, errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "decode registry version")
	}
	if v.CrateSize < 0 {
		return Published{}, errors.NewInvalidRequestError("negative crate_size %d", v.CrateSize)
	}

	p := Published{Size: v.CrateSize, License: v.License}
	if v.PublishedBy != nil {
		p.PublishedBy = v.PublishedBy.Login
	}

	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name != "" && !seen[name] {
			seen[name] = true
			p.Authors = append(p.Authors, name)
		}
	}
	for _, a := range v.Authors {
		add(a)
	}
	if len(p.Authors) == 0 {
		add(v.PublishedBy.display())
		for _, a := range v.AuditActions {
			add(a.User.display())
		}
	}
	return p, nil
}

// ParseMetadata decodes one index line and validates it.
func ParseMetadata(line []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(line, &m); err != nil {
		return Metadata{}, errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "decode index line")
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Validate checks the fields the engine depends on.
func (m Metadata) Validate() error {
	if m.Name == "" {
		return errors.NewInvalidRequestError("crate name is empty")
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return err
	}
	if m.Checksum != "" && len(m.Checksum) != 64 {
		return errors.NewInvalidRequestError("checksum for %s@%s is not a sha256 hex digest", m.Name, m.Version)
	}
	return nil
}

// Key renders the identity used in logs and the kv table.
func (m Metadata) Key() string {
	return Key(m.Name, m.Version)
}

// Key joins crate and version with ':', the separator used for stored keys.
func Key(crate, version string) string {
	return crate + ":" + version
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (crate, version string, err error) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", "", errors.NewInvalidRequestError("malformed crate key %q", key)
	}
	return key[:i], key[i+1:], nil
}

// ParseVersion parses a strict semantic version as crates.io requires.
func ParseVersion(v string) (*semver.Version, error) {
	parsed, err := semver.StrictNewVersion(v)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid version %q: %v", v, err)
	}
	return parsed, nil
}

// SortVersions orders versions ascending by semver precedence.
// Unparseable versions sort last, lexically.
func SortVersions(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		a, errA := semver.StrictNewVersion(versions[i])
		b, errB := semver.StrictNewVersion(versions[j])
		switch {
		case errA == nil && errB == nil:
			return a.LessThan(b)
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return versions[i] < versions[j]
		}
	})
}

// DownloadPath is the registry path of a version's .crate archive.
func DownloadPath(crate, version string) string {
	return fmt.Sprintf("crates/%s/%s-%s.crate", crate, crate, version)
}

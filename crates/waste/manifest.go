package waste

import (
	"github.com/BurntSushi/toml"

	"github.com/teranos/cratemine/errors"
)

// Manifest is the part of Cargo.toml that decides what a package ships.
type Manifest struct {
	Package struct {
		Name        string   `toml:"name"`
		Version     string   `toml:"version"`
		Include     []string `toml:"include"`
		Exclude     []string `toml:"exclude"`
		Readme      any      `toml:"readme"` // string, or bool false
		LicenseFile string   `toml:"license-file"`
		Build       any      `toml:"build"` // string, or bool false
	} `toml:"package"`
	Lib *Target  `toml:"lib"`
	Bin []Target `toml:"bin"`
}

// Target is a [lib] or [[bin]] section.
type Target struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// ParseManifest decodes Cargo.toml content.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return Manifest{}, errors.Wrap(err, "parse Cargo.toml")
	}
	return m, nil
}

// referencedPaths lists files the manifest points at explicitly; they are
// needed no matter where they live.
func (m Manifest) referencedPaths() []string {
	var out []string
	if s, ok := m.Package.Readme.(string); ok && s != "" {
		out = append(out, s)
	}
	if m.Package.LicenseFile != "" {
		out = append(out, m.Package.LicenseFile)
	}
	if s, ok := m.Package.Build.(string); ok && s != "" {
		out = append(out, s)
	}
	if m.Lib != nil && m.Lib.Path != "" {
		out = append(out, m.Lib.Path)
	}
	for _, b := range m.Bin {
		if b.Path != "" {
			out = append(out, b.Path)
		}
	}
	return out
}

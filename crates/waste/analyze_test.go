package waste

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cargoToml = `
[package]
name = "foo"
version = "1.0.0"
readme = "docs/README.md"
exclude = ["/scripts", "*.log"]

[lib]
path = "src/lib.rs"
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(cargoToml))
	require.NoError(t, err)
	assert.Equal(t, "foo", m.Package.Name)
	assert.Equal(t, []string{"/scripts", "*.log"}, m.Package.Exclude)
	assert.Equal(t, "src/lib.rs", m.Lib.Path)
	assert.Contains(t, m.referencedPaths(), "docs/README.md")

	_, err = ParseManifest([]byte("[package\nname="))
	assert.Error(t, err)
}

func TestParseManifest_BoolFields(t *testing.T) {
	m, err := ParseManifest([]byte("[package]\nname = \"x\"\nbuild = false\nreadme = false\n"))
	require.NoError(t, err)
	assert.Empty(t, m.referencedPaths())
}

func TestAnalyze(t *testing.T) {
	m, err := ParseManifest([]byte(cargoToml))
	require.NoError(t, err)

	entries := []Entry{
		{Path: "Cargo.toml", Size: 500},
		{Path: "src/lib.rs", Size: 1000},
		{Path: "src/assets/logo.png", Size: 3000}, // under src: needed
		{Path: "docs/README.md", Size: 200},       // referenced by manifest
		{Path: "docs/guide.md", Size: 700},
		{Path: "tests/it.rs", Size: 400},
		{Path: "scripts/release.sh", Size: 50},
		{Path: "build.log", Size: 10},
		{Path: "LICENSE", Size: 100},
	}
	r := Analyze(entries, m)

	assert.Equal(t, 9, r.TotalFiles)
	assert.Equal(t, int64(5960), r.TotalBytes)
	assert.Equal(t, 4, r.WastedFiles)
	assert.Equal(t, int64(700+400+50+10), r.WastedBytes)

	byPath := make(map[string]Classified)
	for _, c := range r.Entries {
		byPath[c.Path] = c
	}
	assert.Equal(t, Needed, byPath["docs/README.md"].Class)
	assert.Equal(t, "manifest", byPath["docs/README.md"].Reason)
	assert.Equal(t, Needed, byPath["src/assets/logo.png"].Class)
	assert.Equal(t, Wasted, byPath["scripts/release.sh"].Class)
	assert.Contains(t, byPath["scripts/release.sh"].Reason, "manifest exclude")
	assert.Equal(t, Wasted, byPath["build.log"].Class)
	assert.Equal(t, "pattern tests/**", byPath["tests/it.rs"].Reason)
	assert.Equal(t, Needed, byPath["LICENSE"].Class)

	require.NotNil(t, r.Suggestion)
	assert.Empty(t, r.Suggestion.Include)
	// docs/ holds a needed file, so only the wasted one is named.
	assert.Equal(t, []string{"/build.log", "/docs/guide.md", "/scripts/**", "/tests/**"}, r.Suggestion.Exclude)
}

func TestAnalyze_IncludeSuggestion(t *testing.T) {
	var m Manifest
	m.Package.Include = []string{"src/**", "Cargo.toml", "benches/**"}

	r := Analyze([]Entry{
		{Path: "Cargo.toml", Size: 1},
		{Path: "src/lib.rs", Size: 1},
		{Path: "src/util/mod.rs", Size: 1},
		{Path: "benches/b.rs", Size: 1},
	}, m)

	assert.Equal(t, 1, r.WastedFiles)
	require.NotNil(t, r.Suggestion)
	assert.Equal(t, []string{"/Cargo.toml", "/src/**"}, r.Suggestion.Include)
}

func TestAnalyze_NoWaste(t *testing.T) {
	r := Analyze([]Entry{{Path: "Cargo.toml", Size: 10}, {Path: "src/main.rs", Size: 20}}, Manifest{})
	assert.Equal(t, int64(0), r.WastedBytes)
	assert.Nil(t, r.Suggestion)
}

func TestMatcher(t *testing.T) {
	m, ok := compile("tests")
	require.True(t, ok)
	assert.True(t, m.match("tests/a/b.rs"))
	assert.False(t, m.match("src/testsuite.rs"))

	m, ok = compile("/target/")
	require.True(t, ok)
	assert.True(t, m.match("target/debug/foo"))

	_, ok = compile("!keep.txt")
	assert.False(t, ok)
}

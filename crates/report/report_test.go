package report

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/pulse/store"
)

var fixedNow = func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }

func sampleRows() []store.WasteRow {
	return []store.WasteRow{
		{Crate: "foo", Version: "1.0.0", TotalBytes: 1000, WastedBytes: 100, TotalFiles: 10, WastedFiles: 2,
			Suggestion: []byte(`{"exclude":["/tests/**"]}`)},
		{Crate: "foo", Version: "1.10.0", TotalBytes: 1000, WastedBytes: 42, TotalFiles: 10, WastedFiles: 1,
			Suggestion: []byte(`{"exclude":["/logo.png"]}`)},
		{Crate: "foo", Version: "1.9.0", TotalBytes: 1000, WastedBytes: 0, TotalFiles: 10, Suggestion: []byte(`{}`)},
		{Crate: "bar", Version: "0.1.0", TotalBytes: 2000, WastedBytes: 500, TotalFiles: 4, WastedFiles: 3,
			Suggestion: []byte(`{"include":["/Cargo.toml","/src/**"]}`)},
	}
}

func TestBuild(t *testing.T) {
	doc, err := Build(sampleRows(), Options{TopVersions: 2, Now: fixedNow})
	require.NoError(t, err)

	assert.Equal(t, fixedNow(), doc.GeneratedAt)
	assert.Equal(t, 2, doc.Crates)
	assert.Equal(t, 4, doc.Versions)
	assert.Equal(t, int64(5000), doc.TotalBytes)
	assert.Equal(t, int64(642), doc.WastedBytes)
	assert.InDelta(t, 0.1284, doc.WastedRatio, 1e-9)

	require.Len(t, doc.ByCrate, 2)
	assert.Equal(t, "bar", doc.ByCrate[0].Crate)
	foo := doc.ByCrate[1]
	assert.Equal(t, 3, foo.Versions)
	assert.Equal(t, "1.10.0", foo.Latest, "semver order, not lexical")
	require.NotNil(t, foo.Suggestion)
	assert.Equal(t, []string{"/logo.png"}, foo.Suggestion.Exclude)

	require.Len(t, doc.TopVersions, 2)
	assert.Equal(t, "bar", doc.TopVersions[0].Crate)
	assert.Equal(t, "1.0.0", doc.TopVersions[1].Version)
}

func TestBuild_EmptySuggestionIsNil(t *testing.T) {
	doc, err := Build(sampleRows(), Options{Crate: "foo", Now: fixedNow})
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Crates)
	for _, v := range doc.TopVersions {
		if v.Version == "1.9.0" {
			assert.Nil(t, v.Suggestion)
		}
	}
}

func TestBuild_BadSuggestion(t *testing.T) {
	_, err := Build([]store.WasteRow{{Crate: "x", Version: "1.0.0", Suggestion: []byte("{")}}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x:1.0.0")
}

type stubSource struct {
	rows []store.WasteRow
	err  error
}

func (s stubSource) WasteReports(context.Context) ([]store.WasteRow, error) { return s.rows, s.err }

func TestGenerate(t *testing.T) {
	doc, err := Generate(context.Background(), stubSource{rows: sampleRows()}, Options{Now: fixedNow})
	require.NoError(t, err)
	assert.Len(t, doc.TopVersions, 4)

	_, err = Generate(context.Background(), stubSource{err: errors.MarkStorage(errors.New("locked"))}, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
}

func TestRender_Formats(t *testing.T) {
	doc, err := Build(sampleRows(), Options{Now: fixedNow})
	require.NoError(t, err)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Render(&buf, doc, FormatJSON))
		var back Document
		require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
		assert.Equal(t, doc.WastedBytes, back.WastedBytes)
		assert.Equal(t, "bar", back.ByCrate[0].Crate)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Render(&buf, doc, FormatYAML))
		assert.Contains(t, buf.String(), "wasted_bytes: 642")
		var back map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
		assert.Equal(t, 2, back["crates"])
	})

	t.Run("toml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Render(&buf, doc, FormatTOML))
		assert.Contains(t, buf.String(), "[[by_crate]]")
		var back map[string]any
		require.NoError(t, toml.Unmarshal(buf.Bytes(), &back))
		assert.Equal(t, int64(642), back["wasted_bytes"])
	})

	t.Run("text", func(t *testing.T) {
		pterm.DisableStyling()
		defer pterm.EnableStyling()

		var buf bytes.Buffer
		require.NoError(t, Render(&buf, doc, FormatText))
		out := buf.String()
		assert.Contains(t, out, "4 versions of 2 crates")
		assert.Contains(t, out, `exclude = ["/logo.png"]`)
		assert.Contains(t, out, `include = ["/Cargo.toml", "/src/**"]`)
		assert.Contains(t, out, "bar@0.1.0")
	})
}

func TestRender_EmptyText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Document{GeneratedAt: fixedNow()}, FormatText))
	assert.Contains(t, buf.String(), "No versions have been fully mined yet.")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("YAML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = ParseFormat("html")
	assert.True(t, errors.IsInvalidRequestError(err))
}

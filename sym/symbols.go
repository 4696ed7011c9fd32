// Package sym defines the glyphs cratemine prints in CLI output and attaches
// to log lines. They are stable so logs stay greppable across releases.
package sym

// Glyph string constants.
const (
	AM    = "≡" // am: configuration
	IX    = "⨳" // ix: index discovery
	DB    = "⊔" // database and storage
	Pulse = "꩜" // mining engine activity

	PulseOpen  = "✿" // engine / pool starting
	PulseClose = "❀" // engine / pool draining or stopping

	Crate  = "⬢" // crate or crate version
	Report = "▤" // report generation
)

// StageGlyph maps each pipeline stage name to a glyph for compact output.
var StageGlyph = map[string]string{
	"fetch_metadata":       "⇣",
	"download_archive":     "⤓",
	"extract_archive":      "⧉",
	"compute_waste_report": "⚖",
	"aggregate_report":     "∑",
}

// ForStage returns the glyph for a stage, or Pulse for unknown names.
func ForStage(stage string) string {
	if g, ok := StageGlyph[stage]; ok {
		return g
	}
	return Pulse
}

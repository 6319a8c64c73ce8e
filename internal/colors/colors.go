// Package colors holds the terminal styles used by the CLI.
//
// fatih/color disables colors when stdout is not a terminal; Init overrides
// that from the --color flag.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting. A nil forceColor keeps the
// detected value.
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

// Offset styles offsets in hex dumps.
func Offset() *color.Color { return color.New(color.Italic, color.Faint) }

// Format styles a format name.
func Format() *color.Color { return color.New(color.Bold, color.FgHiCyan) }

// Label styles a key label or entry name.
func Label() *color.Color { return color.New(color.FgHiYellow) }

// Secret styles key material.
func Secret() *color.Color { return color.New(color.Faint, color.FgHiMagenta) }

// Path styles a created file.
func Path() *color.Color { return color.New(color.FgHiGreen) }

// Zero styles zero bytes in hex dumps.
func Zero() *color.Color { return color.New(color.Faint, color.FgHiBlue) }

// Package tui provides the terminal settings dialog and run console.
package tui

import "github.com/gdamore/tcell/v2"

// Theme holds the colors used by the console.
type Theme struct {
	Text       tcell.Color
	TextDim    tcell.Color
	Border     tcell.Color
	Accent     tcell.Color
	FieldBg    tcell.Color
	TagTextDim string
	TagError   string
	TagSuccess string
	TagReset   string
}

// CurrentTheme is the active theme.
var CurrentTheme = Theme{
	Text:       tcell.ColorWhite,
	TextDim:    tcell.ColorGray,
	Border:     tcell.ColorBlue,
	Accent:     tcell.ColorYellow,
	FieldBg:    tcell.ColorDarkBlue,
	TagTextDim: "[gray]",
	TagError:   "[red]",
	TagSuccess: "[green]",
	TagReset:   "[-]",
}

// Form labels
const (
	LabelBlockExtension = "Block extension:"
	LabelDefaultClass   = "Default alarm class:"
	LabelSimplify       = "Simplify tag names:"
	LabelPrune          = "Delete orphan alarms:"
	LabelSelections     = "Selections:"
)

// HelpText is shown in the status bar.
const HelpText = " [yellow]Tab[-] next field  [yellow]Esc[-] cancel run  [yellow]Ctrl+C[-] quit"

package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
)

// menuRows is how many hints fit under each other in the header.
const menuRows = 6

// Menu lists the keyboard shortcuts of the current page, wrapping into
// further columns once a column holds menuRows hints.
type Menu struct {
	*tview.TextView
	theme *Theme
}

// NewMenu creates a new menu hint bar.
func NewMenu(theme *Theme) *Menu {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 2, 0)

	return &Menu{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders hints column by column.
func (m *Menu) Update(hints []MenuHint) {
	m.Clear()
	if len(hints) == 0 {
		return
	}

	keyColor := ColorName(m.theme.MenuKeyColor)
	numColor := ColorName(m.theme.NumericKeyColor)

	lines := make([]strings.Builder, min(len(hints), menuRows))
	for start := 0; start < len(hints); start += menuRows {
		column := hints[start:min(start+menuRows, len(hints))]
		width := 0
		for _, h := range column {
			width = max(width, len(h.Key)+len(h.Description)+3)
		}
		for i, h := range column {
			kc := keyColor
			if h.Numeric {
				kc = numColor
			}
			pad := width - (len(h.Key) + len(h.Description) + 3)
			fmt.Fprintf(&lines[i], "[%s::b]<%s>[-:-:-] %s%s  ", kc, h.Key, h.Description, strings.Repeat(" ", pad))
		}
	}
	for i := range lines {
		_, _ = fmt.Fprintln(m, strings.TrimRight(lines[i].String(), " "))
	}
}

package views

import (
	"fmt"

	"github.com/matheus3301/ethchat/internal/api"
	"github.com/matheus3301/ethchat/internal/tui/ui"
	"github.com/rivo/tview"
)

// ContactInfo displays details about one contact.
type ContactInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewContactInfo creates a new contact details view.
func NewContactInfo(theme *ui.Theme) *ContactInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Contact Details ")
	tv.SetTitleColor(theme.TitleColor)

	return &ContactInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Name implements Component.
func (ci *ContactInfo) Name() string { return "Details" }

// Init implements Component.
func (ci *ContactInfo) Init() {}

// Start implements Component.
func (ci *ContactInfo) Start() {}

// Stop implements Component.
func (ci *ContactInfo) Stop() {}

// Hints implements Component.
func (ci *ContactInfo) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
	}
}

// Update renders c. messages is the open conversation, used for counts.
func (ci *ContactInfo) Update(c api.Contact, messages []api.Message) {
	ci.Clear()

	fg := ui.ColorName(ci.theme.FgColor)
	ct := ui.ColorName(ci.theme.CounterColor)

	key := "registered"
	if !c.HasKey {
		key = "not registered (cannot receive messages)"
	}
	lastActive := formatTimestamp(c.LastTimestamp)
	if lastActive == "" {
		lastActive = "-"
	}
	unread := 0
	for _, m := range messages {
		if sameAddress(m.Sender, c.Address) && !m.Read {
			unread++
		}
	}

	_, _ = fmt.Fprintf(ci,
		"\n [%s::b]Address:[-:-:-]      [%s]%s[-]\n"+
			" [%s::b]Public key:[-:-:-]   [%s]%s[-]\n"+
			" [%s::b]Messages:[-:-:-]     [%s]%d[-]\n"+
			" [%s::b]Unread:[-:-:-]       [%s]%d[-]\n"+
			" [%s::b]Last Active:[-:-:-]  [%s]%s[-]\n"+
			" [%s::b]Last Message:[-:-:-] [%s]%s[-]",
		fg, ct, c.Address,
		fg, ct, key,
		fg, ct, len(messages),
		fg, ct, unread,
		fg, ct, lastActive,
		fg, ct, tview.Escape(sanitizeForTerminal(c.LastContent)),
	)
	ci.SetTitle(fmt.Sprintf(" %s Details ", shortAddress(c.Address)))
}

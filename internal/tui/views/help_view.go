package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/ethchat/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpView displays key binding reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{
		TextView: tv,
		theme:    theme,
	}
	hv.render()
	return hv
}

// Name implements Component.
func (hv *HelpView) Name() string { return "Help" }

// Init implements Component.
func (hv *HelpView) Init() {}

// Start implements Component.
func (hv *HelpView) Start() {}

// Stop implements Component.
func (hv *HelpView) Stop() {}

// Hints implements Component.
func (hv *HelpView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

type helpSection struct {
	title string
	rows  [][2]string
}

var helpSections = []helpSection{
	{"Global Keys", [][2]string{
		{":", "Command mode"},
		{"/", "Filter contacts"},
		{"w", "Wallet and account"},
		{"?", "Help"},
		{"Esc", "Cancel / Go back"},
		{"q", "Quit"},
	}},
	{"Contacts", [][2]string{
		{"Enter", "Open conversation"},
		{"a", "Add contact"},
		{"1-9", "Jump to Nth contact"},
		{"0", "Clear filter"},
	}},
	{"Conversation", [][2]string{
		{"i", "Focus composer"},
		{"Enter", "Send (in composer)"},
		{"r", "Mark newest incoming message read"},
		{"d", "Contact details"},
	}},
	{"Wallet", [][2]string{
		{"c", "Connect wallet"},
		{"R", "Register public key"},
		{"L", "Logout"},
	}},
	{"Commands", [][2]string{
		{":connect", "Connect wallet"},
		{":register [key]", "Register public key"},
		{":logout", "Disconnect wallet"},
		{":add <address>", "Add contact"},
		{":open <address>", "Open conversation"},
		{":search <query>", "Search cached messages"},
		{":balance", "Refresh balance"},
		{":help, :h", "Show this help"},
		{":quit, :q", "Quit application"},
	}},
}

func (hv *HelpView) render() {
	kc := ui.ColorName(hv.theme.MenuKeyColor)

	var sb strings.Builder
	for _, s := range helpSections {
		fmt.Fprintf(&sb, "\n  [::b]%s[-:-:-]\n\n", s.title)
		for _, r := range s.rows {
			fmt.Fprintf(&sb, "  [%s]%-18s[-:-:-] %s\n", kc, tview.Escape(r[0]), r[1])
		}
	}
	_, _ = fmt.Fprint(hv, sb.String())
}

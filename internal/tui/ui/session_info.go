package ui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
)

// SessionData holds session information for display.
type SessionData struct {
	Profile  string
	Account  string
	State    string
	ChainID  uint64
	Contacts int
	Balance  string
	Uptime   time.Duration
}

// SessionInfo displays session metadata in the header.
type SessionInfo struct {
	*tview.TextView
	theme *Theme
}

// NewSessionInfo creates a new session info panel.
func NewSessionInfo(theme *Theme) *SessionInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 1)

	return &SessionInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the session info.
func (si *SessionInfo) Update(data *SessionData) {
	si.Clear()
	if data == nil {
		return
	}

	fg := ColorName(si.theme.FgColor)
	ct := ColorName(si.theme.CounterColor)

	account := "-"
	if len(data.Account) == 42 {
		account = data.Account[:6] + "..." + data.Account[38:]
	}
	chain := "-"
	if data.ChainID != 0 {
		chain = fmt.Sprint(data.ChainID)
	}
	balance := data.Balance
	if balance == "" {
		balance = "-"
	}

	_, _ = fmt.Fprintf(si,
		"[%s::b]Profile:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]Account:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]Status:[-:-:-]   [%s]%s[-]\n"+
			"[%s::b]Chain:[-:-:-]    [%s]%s[-]\n"+
			"[%s::b]Contacts:[-:-:-] [%s]%d[-]\n"+
			"[%s::b]Balance:[-:-:-]  [%s]%s[-]\n"+
			"[%s::b]Uptime:[-:-:-]   [%s]%s[-]",
		fg, ct, data.Profile,
		fg, ct, account,
		fg, ct, data.State,
		fg, ct, chain,
		fg, ct, data.Contacts,
		fg, ct, balance,
		fg, ct, formatDuration(data.Uptime),
	)
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/ethchat/internal/api"
	"github.com/matheus3301/ethchat/internal/tui/ui"
	"github.com/rivo/tview"
)

// ContactList is the main contact table.
type ContactList struct {
	*tview.Table
	theme    *ui.Theme
	contacts []api.Contact
	self     string
	filter   string
}

// NewContactList creates a new contact table.
func NewContactList(theme *ui.Theme) *ContactList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitle(" Contacts ")
	table.SetTitleColor(theme.TitleColor)

	return &ContactList{
		Table: table,
		theme: theme,
	}
}

// Name implements Component.
func (cl *ContactList) Name() string { return "Contacts" }

// Init implements Component.
func (cl *ContactList) Init() {}

// Start implements Component.
func (cl *ContactList) Start() {}

// Stop implements Component.
func (cl *ContactList) Stop() {}

// Hints implements Component.
func (cl *ContactList) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Enter", Description: "Open"},
		{Key: "a", Description: "Add"},
		{Key: "/", Description: "Filter"},
		{Key: ":", Description: "Command"},
		{Key: "w", Description: "Wallet"},
		{Key: "?", Description: "Help"},
		{Key: "q", Description: "Quit"},
		{Key: "1-9", Description: "Jump", Numeric: true},
	}
}

// Update refreshes the table. self is the connected account, used to tell
// which last messages are unread incoming ones.
func (cl *ContactList) Update(contacts []api.Contact, self string) {
	cl.contacts = contacts
	cl.self = self
	cl.render()
}

// SetFilter sets the active filter text and re-renders.
func (cl *ContactList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

// ClearFilter clears the active filter.
func (cl *ContactList) ClearFilter() {
	cl.filter = ""
	cl.render()
}

func (cl *ContactList) visible() []api.Contact {
	if cl.filter == "" {
		return cl.contacts
	}
	var out []api.Contact
	for _, c := range cl.contacts {
		if containsFold(c.Address, cl.filter) || containsFold(c.LastContent, cl.filter) {
			out = append(out, c)
		}
	}
	return out
}

func (cl *ContactList) render() {
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" ADDRESS", 1},
		{" LAST MESSAGE", 2},
		{" TIME", 0},
		{" KEY", 0},
	}
	for col, h := range headers {
		cell := tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp)
		cl.SetCell(0, col, cell)
	}

	rows := cl.visible()
	for i, c := range rows {
		row := i + 1
		name := shortAddress(c.Address)
		fg := cl.theme.FgColor
		if c.HasLast && !c.LastRead && !sameAddress(c.LastSender, cl.self) {
			name = "* " + name
			fg = cl.theme.UnreadColor
		}
		preview := ""
		if c.HasLast {
			preview = c.LastContent
			if sameAddress(c.LastSender, cl.self) {
				preview = "You: " + preview
			}
		}
		key := "yes"
		if !c.HasKey {
			key = "no"
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+name).SetExpansion(1).SetTextColor(fg))
		cl.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(preview))).SetExpansion(2).SetTextColor(cl.theme.FgColor))
		cl.SetCell(row, 2, tview.NewTableCell(formatTimestamp(c.LastTimestamp)).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
		cl.SetCell(row, 3, tview.NewTableCell(key).SetTextColor(cl.theme.FgColor).SetAlign(tview.AlignRight))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Contacts (%d/%d) filter: %s ", len(rows), len(cl.contacts), cl.filter))
	} else {
		cl.SetTitle(fmt.Sprintf(" Contacts (%d) ", len(cl.contacts)))
	}
}

// SelectedContact returns the address of the highlighted row.
func (cl *ContactList) SelectedContact() string {
	row, _ := cl.GetSelection()
	return cl.ContactByIndex(row)
}

// ContactByIndex returns the address of the Nth visible contact (1-based).
func (cl *ContactList) ContactByIndex(n int) string {
	rows := cl.visible()
	if n < 1 || n > len(rows) {
		return ""
	}
	return rows[n-1].Address
}

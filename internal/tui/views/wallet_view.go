package views

import (
	"fmt"

	"github.com/matheus3301/ethchat/internal/api"
	"github.com/matheus3301/ethchat/internal/status"
	"github.com/matheus3301/ethchat/internal/tui/ui"
	"github.com/rivo/tview"
)

// WalletView shows the connection state and the account's address as a QR
// code, and hosts the connect and register actions.
type WalletView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewWalletView creates a new wallet view.
func NewWalletView(theme *ui.Theme) *WalletView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Wallet ")
	tv.SetTitleColor(theme.TitleColor)

	return &WalletView{
		TextView: tv,
		theme:    theme,
	}
}

// Name implements Component.
func (wv *WalletView) Name() string { return "Wallet" }

// Init implements Component.
func (wv *WalletView) Init() {}

// Start implements Component.
func (wv *WalletView) Start() {}

// Stop implements Component.
func (wv *WalletView) Stop() {}

// Hints implements Component.
func (wv *WalletView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "c", Description: "Connect"},
		{Key: "R", Description: "Register"},
		{Key: "L", Description: "Logout"},
		{Key: "Esc", Description: "Back"},
	}
}

// Update renders st and, when known, the balance.
func (wv *WalletView) Update(st *api.StatusReply, balance *api.BalanceReply) {
	wv.Clear()
	if st == nil {
		_, _ = fmt.Fprint(wv, "\n\nContacting daemon...")
		return
	}

	switch st.State {
	case string(status.Disconnected):
		_, _ = fmt.Fprint(wv, "\n\nNo wallet connected.\n\n[::b]c[-:-:-] connect wallet")
		return
	case string(status.Connecting):
		_, _ = fmt.Fprint(wv, "\n\nConnecting... approve the request to unlock your account.")
		return
	}

	_, _ = fmt.Fprintf(wv, "\n[::b]%s[-:-:-]\n\n%s\n", st.Account, ui.RenderQR(st.Account))
	if st.ChainID != st.ExpectedChainID {
		_, _ = fmt.Fprintf(wv, "[%s]Wrong network: chain %d, expected %d[-]\n",
			ui.ColorName(wv.theme.FlashWarnColor), st.ChainID, st.ExpectedChainID)
	} else {
		_, _ = fmt.Fprintf(wv, "Chain %d\n", st.ChainID)
	}
	if balance != nil {
		_, _ = fmt.Fprintf(wv, "Balance %s ETH\n", balance.Ether)
	}
	if st.State == string(status.RegistrationRequired) {
		_, _ = fmt.Fprint(wv, "\nYour public key is not registered yet.\n[::b]R[-:-:-] register to start messaging")
	}
}

// ShowMessage displays a status message.
func (wv *WalletView) ShowMessage(msg string) {
	wv.Clear()
	_, _ = fmt.Fprintf(wv, "\n\n%s", tview.Escape(msg))
}

// Package tui is the terminal client for the messenger daemon.
package tui

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/ethchat/internal/api"
	"github.com/matheus3301/ethchat/internal/status"
	"github.com/matheus3301/ethchat/internal/tui/keys"
	"github.com/matheus3301/ethchat/internal/tui/model"
	"github.com/matheus3301/ethchat/internal/tui/ui"
	"github.com/matheus3301/ethchat/internal/tui/views"
	"github.com/rivo/tview"
)

// Page names.
const (
	pageContacts = "Contacts"
	pageThread   = "Thread"
	pageDetails  = "Details"
	pageSearch   = "Search"
	pageWallet   = "Wallet"
	pageHelp     = "Help"
)

// Watcher streams daemon events.
type Watcher interface {
	Watch(ctx context.Context, prefix string, fn func(api.WatchEvent)) error
}

// Daemon is everything the TUI calls on the daemon.
type Daemon interface {
	model.Daemon
	Watcher
}

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	theme    *ui.Theme
	vm       *model.ViewModel
	daemon   Daemon
	registry *keys.Registry
	flash    *ui.FlashModel

	root     *tview.Flex
	pages    *ui.Pages
	crumbs   *ui.Crumbs
	menu     *ui.Menu
	info     *ui.SessionInfo
	prompt   *ui.Prompt
	flashBar *ui.FlashBar

	contacts *views.ContactList
	thread   *views.MessageThread
	details  *views.ContactInfo
	search   *views.SearchView
	wallet   *views.WalletView
	help     *views.HelpView

	components map[string]ui.Component
	promptOpen bool

	profile string
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(d Daemon, profile string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:      tview.NewApplication(),
		theme:    theme,
		vm:       model.NewViewModel(d),
		daemon:   d,
		registry: keys.NewRegistry(),
		flash:    ui.NewFlashModel(),
		pages:    ui.NewPages(),
		crumbs:   ui.NewCrumbs(theme),
		menu:     ui.NewMenu(theme),
		info:     ui.NewSessionInfo(theme),
		prompt:   ui.NewPrompt(theme),
		flashBar: ui.NewFlashBar(theme),
		contacts: views.NewContactList(theme),
		thread:   views.NewMessageThread(theme),
		details:  views.NewContactInfo(theme),
		search:   views.NewSearchView(theme),
		wallet:   views.NewWalletView(theme),
		help:     views.NewHelpView(theme),
		profile:  profile,
		ctx:      ctx,
		cancel:   cancel,
	}
	a.components = map[string]ui.Component{
		pageContacts: a.contacts,
		pageThread:   a.thread,
		pageDetails:  a.details,
		pageSearch:   a.search,
		pageWallet:   a.wallet,
		pageHelp:     a.help,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(keys.Rune('q', "quit", a.Stop))
	a.registry.AddGlobal(keys.Rune('?', "help", func() { a.push(pageHelp) }))
	a.registry.AddGlobal(keys.Rune('w', "wallet", func() { a.push(pageWallet) }))
	a.registry.AddGlobal(keys.Rune(':', "command", func() { a.openPrompt(ui.PromptCommand) }))
	a.registry.AddGlobal(keys.Rune('/', "filter", func() { a.openPrompt(ui.PromptFilter) }))

	a.registry.AddView(pageContacts, keys.Rune('a', "add", func() { a.openPrompt(ui.PromptAdd) }))
	a.registry.AddView(pageContacts, keys.Rune('0', "clear filter", a.contacts.ClearFilter))
	for n := 1; n <= 9; n++ {
		a.registry.AddView(pageContacts, keys.Rune(rune('0'+n), "jump", func() {
			if peer := a.contacts.ContactByIndex(n); peer != "" {
				a.openConversation(peer)
			}
		}))
	}

	a.registry.AddView(pageThread, keys.Rune('i', "compose", func() { a.app.SetFocus(a.thread.Composer()) }))
	a.registry.AddView(pageThread, keys.Rune('r', "mark read", a.markRead))
	a.registry.AddView(pageThread, keys.Rune('d', "details", a.showDetails))

	a.registry.AddView(pageWallet, keys.Rune('c', "connect", a.connect))
	a.registry.AddView(pageWallet, keys.Rune('R', "register", func() { a.register("") }))
	a.registry.AddView(pageWallet, keys.Rune('L', "logout", a.logout))
}

func (a *App) setupCallbacks() {
	a.contacts.SetSelectedFunc(func(row, _ int) {
		if peer := a.contacts.ContactByIndex(row); peer != "" {
			a.openConversation(peer)
		}
	})

	a.thread.SetOnSend(func(text string) {
		go func() {
			ack, err := a.vm.Send(a.ctx, text)
			if err != nil {
				a.flashErr("Send failed", err)
				return
			}
			a.flash.Success("Message sent", txRef(ack.Tx))
			a.reload(model.RefreshMessages | model.RefreshContacts)
		}()
	})

	a.search.SetOnQuery(a.runSearch)
	a.search.Results().SetSelectedFunc(func(_, _ int) {
		if peer := a.search.SelectedPeer(); peer != "" {
			a.openConversation(peer)
		}
	})

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.closePrompt()
		switch mode {
		case ui.PromptFilter:
			a.contacts.SetFilter(text)
		case ui.PromptCommand:
			a.runCommand(ParseCommand(text))
		case ui.PromptAdd:
			a.runCommand(Command{Name: "add", Args: text})
		}
	})
	a.prompt.SetOnCancel(a.closePrompt)

	a.crumbs.SetLabeler(func(page string) string {
		if c, ok := a.components[page]; ok {
			return c.Name()
		}
		return page
	})
	a.pages.SetOnChange(func(stack []string) {
		a.crumbs.Update(stack)
		if c, ok := a.components[a.pages.Current()]; ok {
			a.menu.Update(c.Hints())
		}
	})
}

func (a *App) setupLayout() {
	header := tview.NewFlex().
		AddItem(a.info, 34, 0, false).
		AddItem(a.menu, 0, 1, false).
		AddItem(ui.NewLogo(a.theme), 22, 0, false)

	for name, c := range a.components {
		a.pages.AddPage(name, c.(tview.Primitive), true, false)
	}

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 8, 0, false).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.flashBar, 1, 0, false)
	a.app.SetRoot(a.root, true)
	a.pages.Reset(pageContacts)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if a.promptOpen {
			return event
		}
		current := a.pages.Current()

		if event.Key() == tcell.KeyEscape {
			if a.app.GetFocus() == a.thread.Composer() {
				a.app.SetFocus(a.thread.Messages())
				return nil
			}
			a.back()
			return nil
		}

		// Let text input widgets handle all keys normally.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}

		if a.registry.HandleEvent(current, event) {
			return nil
		}
		return event
	})
}

func (a *App) push(name string) {
	if a.pages.Current() == name {
		return
	}
	if popped, ok := a.pages.PopTo(name); !ok {
		a.pages.Push(name)
	} else if slices.Contains(popped, pageThread) {
		go func() { _ = a.vm.Close(a.ctx) }()
	}
	a.focusPage(name)
	if name == pageWallet {
		a.renderWallet()
		go a.reloadBalance()
	}
}

func (a *App) back() {
	if a.pages.Depth() <= 1 {
		return
	}
	if a.pages.Pop() == pageThread {
		go func() { _ = a.vm.Close(a.ctx) }()
	}
	a.focusPage(a.pages.Current())
}

func (a *App) focusPage(name string) {
	switch name {
	case pageThread:
		a.app.SetFocus(a.thread.Messages())
	case pageSearch:
		a.app.SetFocus(a.search.Input())
	default:
		if c, ok := a.components[name]; ok {
			a.app.SetFocus(c.(tview.Primitive))
		}
	}
}

func (a *App) openPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	if !a.promptOpen {
		a.root.AddItem(a.prompt, 3, 0, true)
		a.promptOpen = true
	}
	a.app.SetFocus(a.prompt)
}

func (a *App) closePrompt() {
	if a.promptOpen {
		a.root.RemoveItem(a.prompt)
		a.promptOpen = false
	}
	a.focusPage(a.pages.Current())
}

func (a *App) openConversation(peer string) {
	go func() {
		if err := a.vm.Open(a.ctx, peer); err != nil {
			a.flashErr("Open failed", err)
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.SetPeer(a.vm.Peer())
			a.thread.Update(a.vm.Messages())
			if a.pages.Current() != pageThread {
				a.push(pageThread)
			} else {
				a.crumbs.Update(a.pages.Stack())
			}
		})
	}()
}

func (a *App) runSearch(query string) {
	if query == "" {
		return
	}
	go func() {
		results, err := a.vm.Search(a.ctx, query)
		if err != nil {
			a.flashErr("Search failed", err)
			a.redrawFlash()
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.search.Update(results)
			a.app.SetFocus(a.search.Results())
		})
	}()
}

func (a *App) showDetails() {
	c, ok := a.vm.Contact(a.vm.Peer())
	if !ok {
		c = api.Contact{Address: a.vm.Peer()}
	}
	a.details.Update(c, a.vm.Messages())
	a.push(pageDetails)
}

func (a *App) markRead() {
	go func() {
		tx, err := a.vm.MarkLatestRead(a.ctx)
		switch {
		case err != nil:
			a.flashErr("Mark read failed", err)
		case tx == nil:
			a.flash.Info("Nothing to mark read")
		default:
			a.flash.Success("Marked read", txRef(*tx))
		}
		a.redrawFlash()
	}()
}

func (a *App) connect() {
	a.wallet.ShowMessage("Connecting... approve the request to unlock your account.")
	go func() {
		state, err := a.vm.Connect(a.ctx)
		if err != nil {
			a.flashErr("Connect failed", err)
		} else {
			a.flash.Info("Wallet " + state)
		}
		a.reload(model.RefreshStatus | model.RefreshContacts)
	}()
}

func (a *App) register(key string) {
	go func() {
		tx, err := a.vm.Register(a.ctx, key)
		if err != nil {
			a.flashErr("Registration failed", err)
			a.redrawFlash()
			return
		}
		a.flash.Success("Public key registered", txRef(*tx))
		a.reload(model.RefreshStatus | model.RefreshContacts)
	}()
}

func (a *App) logout() {
	go func() {
		if err := a.vm.Logout(a.ctx); err != nil {
			a.flashErr("Logout failed", err)
		}
		a.reload(model.RefreshStatus)
	}()
}

func (a *App) flashErr(prefix string, err error) {
	a.flash.Err(fmt.Errorf("%s: %w", prefix, err))
}

// txRef prefers the explorer link over the bare hash.
func txRef(tx api.Tx) string {
	if tx.URL != "" {
		return tx.URL
	}
	return tx.Hash
}

func (a *App) flashNotice(n *api.Notice) {
	text := n.Title
	if n.Message != "" {
		text += ": " + n.Message
	}
	a.flash.Post(ui.LevelForNotice(n.Kind), text, n.Link)
}

func (a *App) redrawFlash() {
	a.app.QueueUpdateDraw(func() {
		a.flashBar.Update(a.flash.Current())
	})
}

// reload fetches what r names from the daemon and redraws.
func (a *App) reload(r model.Refresh) {
	if r.Has(model.RefreshStatus) {
		if err := a.vm.LoadStatus(a.ctx); err != nil {
			a.flashErr("Status", err)
		}
	}
	st := a.vm.Status()
	active := st != nil && (st.State == string(status.Ready) || st.State == string(status.RegistrationRequired))
	if r.Has(model.RefreshStatus) && active {
		_ = a.vm.LoadBalance(a.ctx)
	}
	ready := st != nil && st.State == string(status.Ready)
	if r.Has(model.RefreshContacts) && ready {
		_ = a.vm.LoadContacts(a.ctx)
	}
	if r.Has(model.RefreshMessages) && ready && a.vm.Peer() != "" {
		_ = a.vm.LoadMessages(a.ctx)
	}
	if r.Has(model.RefreshNotice) {
		if n := a.vm.TakeNotice(); n != nil {
			a.flashNotice(n)
		}
	}

	a.app.QueueUpdateDraw(a.render)
}

func (a *App) reloadBalance() {
	if err := a.vm.LoadBalance(a.ctx); err == nil {
		a.app.QueueUpdateDraw(a.render)
	}
}

func (a *App) render() {
	st := a.vm.Status()
	data := &ui.SessionData{Profile: a.profile, State: "UNKNOWN", Contacts: len(a.vm.Contacts())}
	if st != nil {
		data.Account = st.Account
		data.State = st.State
		data.ChainID = st.ChainID
		data.Uptime = time.Duration(st.UptimeMs) * time.Millisecond
	}
	if b := a.vm.Balance(); b != nil {
		data.Balance = b.Ether
	}
	a.info.Update(data)

	self := ""
	if st != nil {
		self = st.Account
	}
	a.contacts.Update(a.vm.Contacts(), self)
	if a.pages.Current() == pageThread || a.pages.Current() == pageDetails {
		if peer := a.vm.Peer(); peer == "" {
			a.pages.Reset(pageContacts)
			a.focusPage(pageContacts)
		} else {
			a.thread.Update(a.vm.Messages())
		}
	}
	if a.pages.Current() == pageWallet {
		a.renderWallet()
	}
	a.flashBar.Update(a.flash.Current())
}

func (a *App) renderWallet() {
	a.wallet.Update(a.vm.Status(), a.vm.Balance())
}

// watch follows daemon events until the app stops, reconnecting after
// stream failures.
func (a *App) watch() {
	_ = retry.Do(
		func() error {
			err := a.daemon.Watch(a.ctx, "", func(evt api.WatchEvent) {
				if r := a.vm.Apply(evt); r != 0 {
					go a.reload(r)
				}
			})
			if a.ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("event stream closed")
			}
			a.flashErr("Daemon", err)
			return err
		},
		retry.Context(a.ctx),
		retry.Attempts(0),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.LastErrorOnly(true),
	)
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		a.reload(model.RefreshStatus | model.RefreshContacts)
		st := a.vm.Status()
		if st != nil && st.State != string(status.Ready) {
			a.app.QueueUpdateDraw(func() { a.push(pageWallet) })
		}
		a.watch()
	}()
	go a.tickFlash()

	return a.app.Run()
}

// tickFlash expires flash messages and keeps the uptime current.
func (a *App) tickFlash() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() {
				a.flashBar.Update(a.flash.Current())
			})
		case <-a.flash.Changed():
			a.redrawFlash()
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

// runCommand executes a ':' command.
func (a *App) runCommand(cmd Command) {
	if usage, missing := cmd.MissingArgs(); missing {
		a.flash.Warn("usage: " + usage)
		return
	}
	switch cmd.Name {
	case "quit":
		a.Stop()
	case "help":
		a.push(pageHelp)
	case "connect":
		a.push(pageWallet)
		a.connect()
	case "register":
		a.register(cmd.Args)
	case "logout":
		a.logout()
	case "wallet":
		a.push(pageWallet)
	case "balance":
		go a.reloadBalance()
	case "add":
		go func() {
			res, err := a.vm.AddContact(a.ctx, cmd.Args)
			if err != nil {
				a.flashErr("Add contact failed", err)
				a.redrawFlash()
				return
			}
			if !res.Added {
				a.flash.Info(res.Address + " is already a contact")
			}
			a.reload(model.RefreshContacts)
		}()
	case "open":
		peer := cmd.Args
		if n, err := strconv.Atoi(peer); err == nil {
			peer = a.contacts.ContactByIndex(n)
		}
		if peer != "" {
			a.openConversation(peer)
		}
	case "search":
		a.push(pageSearch)
		a.search.SetQuery(cmd.Args)
		a.runSearch(cmd.Args)
	default:
		a.flash.Warn("unknown command: " + cmd.Name)
	}
}

package model

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/ethchat/internal/api"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/status"
)

// Daemon is the slice of the daemon client the view model drives.
type Daemon interface {
	Status(ctx context.Context) (*api.StatusReply, error)
	Connect(ctx context.Context) (string, error)
	Register(ctx context.Context, key string) (*api.Tx, error)
	Logout(ctx context.Context) error
	Contacts(ctx context.Context) ([]api.Contact, error)
	AddContact(ctx context.Context, address string) (*api.AddContactReply, error)
	Select(ctx context.Context, peer string) (*api.ConversationReply, error)
	Deselect(ctx context.Context) error
	Messages(ctx context.Context) (*api.ConversationReply, error)
	Send(ctx context.Context, to, text string) (*api.SendReply, error)
	MarkRead(ctx context.Context, m api.Message) (*api.Tx, error)
	Balance(ctx context.Context) (*api.BalanceReply, error)
	Search(ctx context.Context, query string, limit int) ([]api.SearchHit, error)
}

// Refresh says which parts of the screen an event invalidated.
type Refresh uint8

const (
	RefreshStatus Refresh = 1 << iota
	RefreshContacts
	RefreshMessages
	RefreshNotice
)

// Has reports whether r includes part.
func (r Refresh) Has(part Refresh) bool { return r&part != 0 }

// ViewModel caches daemon state for the views.
type ViewModel struct {
	mu sync.RWMutex

	daemon   Daemon
	status   *api.StatusReply
	balance  *api.BalanceReply
	contacts []api.Contact
	peer     string
	messages []api.Message
	notice   *api.Notice
}

// NewViewModel creates a new view model connected to the daemon client.
func NewViewModel(d Daemon) *ViewModel {
	return &ViewModel{daemon: d}
}

// LoadStatus fetches the session status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	st, err := vm.daemon.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = st
	if st.State != string(status.Ready) && st.State != string(status.RegistrationRequired) {
		vm.balance = nil
		vm.contacts = nil
		vm.peer = ""
		vm.messages = nil
	}
	vm.mu.Unlock()
	return nil
}

// LoadBalance fetches the account balance.
func (vm *ViewModel) LoadBalance(ctx context.Context) error {
	b, err := vm.daemon.Balance(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.balance = b
	vm.mu.Unlock()
	return nil
}

// LoadContacts fetches the contact list.
func (vm *ViewModel) LoadContacts(ctx context.Context) error {
	contacts, err := vm.daemon.Contacts(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.contacts = contacts
	vm.mu.Unlock()
	return nil
}

// Open selects peer and loads its conversation.
func (vm *ViewModel) Open(ctx context.Context, peer string) error {
	conv, err := vm.daemon.Select(ctx, peer)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.peer = conv.Peer
	vm.messages = conv.Messages
	vm.mu.Unlock()
	return nil
}

// Close clears the open conversation.
func (vm *ViewModel) Close(ctx context.Context) error {
	vm.mu.Lock()
	vm.peer = ""
	vm.messages = nil
	vm.mu.Unlock()
	return vm.daemon.Deselect(ctx)
}

// LoadMessages re-reads the open conversation.
func (vm *ViewModel) LoadMessages(ctx context.Context) error {
	conv, err := vm.daemon.Messages(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	if conv.Peer == vm.peer {
		vm.messages = conv.Messages
	}
	vm.mu.Unlock()
	return nil
}

// Send sends text to the open conversation.
func (vm *ViewModel) Send(ctx context.Context, text string) (*api.SendReply, error) {
	peer := vm.Peer()
	if peer == "" {
		return nil, errNoConversation
	}
	return vm.daemon.Send(ctx, peer, text)
}

// MarkLatestRead marks the newest unread incoming message of the open
// conversation as read. It returns nil, nil when there is nothing to mark.
func (vm *ViewModel) MarkLatestRead(ctx context.Context) (*api.Tx, error) {
	vm.mu.RLock()
	peer := vm.peer
	var target *api.Message
	for i := len(vm.messages) - 1; i >= 0; i-- {
		m := vm.messages[i]
		if strings.EqualFold(m.Sender, peer) && !m.Read && m.Index >= 0 {
			target = &m
			break
		}
	}
	vm.mu.RUnlock()
	if target == nil {
		return nil, nil
	}
	return vm.daemon.MarkRead(ctx, *target)
}

// Search runs a cache search.
func (vm *ViewModel) Search(ctx context.Context, query string) ([]api.SearchHit, error) {
	return vm.daemon.Search(ctx, query, 50)
}

// Connect asks the daemon to connect the wallet.
func (vm *ViewModel) Connect(ctx context.Context) (string, error) {
	return vm.daemon.Connect(ctx)
}

// Register publishes the account's public key.
func (vm *ViewModel) Register(ctx context.Context, key string) (*api.Tx, error) {
	return vm.daemon.Register(ctx, key)
}

// Logout disconnects the wallet.
func (vm *ViewModel) Logout(ctx context.Context) error {
	return vm.daemon.Logout(ctx)
}

// AddContact adds address to the contact list.
func (vm *ViewModel) AddContact(ctx context.Context, address string) (*api.AddContactReply, error) {
	return vm.daemon.AddContact(ctx, address)
}

// Apply folds a daemon event into the cache and reports what to reload.
func (vm *ViewModel) Apply(evt api.WatchEvent) Refresh {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	switch evt.Kind {
	case bus.SessionStatusChanged, bus.SessionReloading:
		return RefreshStatus | RefreshContacts | RefreshMessages
	case bus.ContactsRefreshed, bus.ContactAdded:
		return RefreshContacts
	case bus.ConversationUpdated:
		if evt.Peer != "" && strings.EqualFold(evt.Peer, vm.peer) {
			return RefreshMessages | RefreshContacts
		}
		return RefreshContacts
	case bus.MessageReceived, bus.MessageRead:
		if evt.Message != nil && vm.peer != "" &&
			(strings.EqualFold(evt.Message.Sender, vm.peer) || strings.EqualFold(evt.Message.Receiver, vm.peer)) {
			return RefreshMessages | RefreshContacts
		}
		return RefreshContacts
	case bus.MessageSendAck, bus.MessageSendFailed:
		return RefreshMessages | RefreshStatus
	case bus.NoticePosted:
		if evt.Notice != nil {
			n := *evt.Notice
			vm.notice = &n
			return RefreshNotice
		}
	}
	return 0
}

// TakeNotice returns and clears the last notice seen by Apply.
func (vm *ViewModel) TakeNotice() *api.Notice {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	n := vm.notice
	vm.notice = nil
	return n
}

// Status returns a snapshot of the session status.
func (vm *ViewModel) Status() *api.StatusReply {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// Balance returns the last fetched balance, or nil.
func (vm *ViewModel) Balance() *api.BalanceReply {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.balance
}

// Contacts returns a snapshot of the contact list.
func (vm *ViewModel) Contacts() []api.Contact {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return slices.Clone(vm.contacts)
}

// Contact returns the cached summary for address.
func (vm *ViewModel) Contact(address string) (api.Contact, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.contacts {
		if strings.EqualFold(c.Address, address) {
			return c, true
		}
	}
	return api.Contact{}, false
}

// Peer returns the open conversation's address, or "".
func (vm *ViewModel) Peer() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.peer
}

// Messages returns a snapshot of the open conversation.
func (vm *ViewModel) Messages() []api.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return slices.Clone(vm.messages)
}

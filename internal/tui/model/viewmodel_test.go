package model

import (
	"context"
	"strings"
	"testing"

	"github.com/matheus3301/ethchat/internal/api"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"github.com/stretchr/testify/require"
)

const (
	me    = "0x1111111111111111111111111111111111111111"
	alice = "0x2222222222222222222222222222222222222222"
	bob   = "0x3333333333333333333333333333333333333333"
)

type fakeDaemon struct {
	state    string
	contacts []api.Contact
	convs    map[string][]api.Message
	selected string
	marked   []api.Message
	sent     []string
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{state: "READY", convs: make(map[string][]api.Message)}
}

func (f *fakeDaemon) Status(context.Context) (*api.StatusReply, error) {
	return &api.StatusReply{State: f.state, Account: me}, nil
}
func (f *fakeDaemon) Connect(context.Context) (string, error) { return f.state, nil }
func (f *fakeDaemon) Register(context.Context, string) (*api.Tx, error) {
	return &api.Tx{Hash: "0xreg"}, nil
}
func (f *fakeDaemon) Logout(context.Context) error {
	f.state = "DISCONNECTED"
	return nil
}
func (f *fakeDaemon) Contacts(context.Context) ([]api.Contact, error) { return f.contacts, nil }
func (f *fakeDaemon) AddContact(_ context.Context, addr string) (*api.AddContactReply, error) {
	f.contacts = append(f.contacts, api.Contact{Address: addr})
	return &api.AddContactReply{Address: addr, Added: true}, nil
}
func (f *fakeDaemon) Select(_ context.Context, peer string) (*api.ConversationReply, error) {
	f.selected = peer
	return &api.ConversationReply{Peer: peer, Messages: f.convs[peer]}, nil
}
func (f *fakeDaemon) Deselect(context.Context) error {
	f.selected = ""
	return nil
}
func (f *fakeDaemon) Messages(context.Context) (*api.ConversationReply, error) {
	return &api.ConversationReply{Peer: f.selected, Messages: f.convs[f.selected]}, nil
}
func (f *fakeDaemon) Send(_ context.Context, to, text string) (*api.SendReply, error) {
	f.sent = append(f.sent, to+":"+text)
	m := api.Message{Sender: me, Receiver: to, Content: text, Index: int64(len(f.sent))}
	f.convs[to] = append(f.convs[to], m)
	return &api.SendReply{Message: m, Tx: api.Tx{Hash: "0xsend"}}, nil
}
func (f *fakeDaemon) MarkRead(_ context.Context, m api.Message) (*api.Tx, error) {
	f.marked = append(f.marked, m)
	return &api.Tx{Hash: "0xread"}, nil
}
func (f *fakeDaemon) Balance(context.Context) (*api.BalanceReply, error) {
	return &api.BalanceReply{Wei: "1500000000000000000", Ether: "1.5"}, nil
}
func (f *fakeDaemon) Search(_ context.Context, q string, _ int) ([]api.SearchHit, error) {
	var out []api.SearchHit
	for peer, msgs := range f.convs {
		for _, m := range msgs {
			if strings.Contains(m.Content, q) {
				out = append(out, api.SearchHit{Peer: peer, Message: m})
			}
		}
	}
	return out, nil
}

func TestOpenSendAndReload(t *testing.T) {
	ctx := context.Background()
	d := newFakeDaemon()
	vm := NewViewModel(d)

	_, err := vm.Send(ctx, "hi")
	require.True(t, chainerr.IsKind(err, chainerr.NotReady))

	require.NoError(t, vm.Open(ctx, alice))
	require.Equal(t, alice, vm.Peer())
	require.Empty(t, vm.Messages())

	_, err = vm.Send(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, []string{alice + ":hello"}, d.sent)

	require.NoError(t, vm.LoadMessages(ctx))
	require.Len(t, vm.Messages(), 1)

	require.NoError(t, vm.Close(ctx))
	require.Empty(t, vm.Peer())
	require.Empty(t, d.selected)
}

func TestMarkLatestReadPicksNewestUnreadIncoming(t *testing.T) {
	ctx := context.Background()
	d := newFakeDaemon()
	d.convs[alice] = []api.Message{
		{Sender: alice, Receiver: me, Content: "one", Index: 1},
		{Sender: alice, Receiver: me, Content: "two", Index: 2},
		{Sender: me, Receiver: alice, Content: "mine", Index: 3},
		{Sender: alice, Receiver: me, Content: "pulled", Index: -1},
	}
	vm := NewViewModel(d)
	require.NoError(t, vm.Open(ctx, alice))

	tx, err := vm.MarkLatestRead(ctx)
	require.NoError(t, err)
	require.Equal(t, "0xread", tx.Hash)
	require.Len(t, d.marked, 1)
	require.Equal(t, "two", d.marked[0].Content)
}

func TestMarkLatestReadNothingToDo(t *testing.T) {
	d := newFakeDaemon()
	d.convs[alice] = []api.Message{{Sender: alice, Receiver: me, Read: true, Index: 1}}
	vm := NewViewModel(d)
	require.NoError(t, vm.Open(context.Background(), alice))

	tx, err := vm.MarkLatestRead(context.Background())
	require.NoError(t, err)
	require.Nil(t, tx)
	require.Empty(t, d.marked)
}

func TestLoadStatusClearsSessionOnDisconnect(t *testing.T) {
	ctx := context.Background()
	d := newFakeDaemon()
	d.contacts = []api.Contact{{Address: alice}}
	vm := NewViewModel(d)
	require.NoError(t, vm.LoadStatus(ctx))
	require.NoError(t, vm.LoadContacts(ctx))
	require.NoError(t, vm.LoadBalance(ctx))
	require.NoError(t, vm.Open(ctx, alice))
	require.Equal(t, "1.5", vm.Balance().Ether)

	_, ok := vm.Contact(strings.ToUpper(alice[2:]))
	require.False(t, ok)
	c, ok := vm.Contact(alice)
	require.True(t, ok)
	require.Equal(t, alice, c.Address)

	require.NoError(t, vm.Logout(ctx))
	require.NoError(t, vm.LoadStatus(ctx))
	require.Equal(t, "DISCONNECTED", vm.Status().State)
	require.Nil(t, vm.Balance())
	require.Empty(t, vm.Contacts())
	require.Empty(t, vm.Peer())
}

func TestApply(t *testing.T) {
	vm := NewViewModel(newFakeDaemon())
	require.NoError(t, vm.Open(context.Background(), alice))

	incoming := &api.Message{Sender: alice, Receiver: me}
	other := &api.Message{Sender: bob, Receiver: me}

	tests := []struct {
		name string
		evt  api.WatchEvent
		want Refresh
	}{
		{"status", api.WatchEvent{Kind: bus.SessionStatusChanged}, RefreshStatus | RefreshContacts | RefreshMessages},
		{"contacts", api.WatchEvent{Kind: bus.ContactsRefreshed}, RefreshContacts},
		{"open conversation updated", api.WatchEvent{Kind: bus.ConversationUpdated, Peer: alice}, RefreshMessages | RefreshContacts},
		{"other conversation updated", api.WatchEvent{Kind: bus.ConversationUpdated, Peer: bob}, RefreshContacts},
		{"message in open conversation", api.WatchEvent{Kind: bus.MessageReceived, Message: incoming}, RefreshMessages | RefreshContacts},
		{"message elsewhere", api.WatchEvent{Kind: bus.MessageReceived, Message: other}, RefreshContacts},
		{"send failed", api.WatchEvent{Kind: bus.MessageSendFailed, Peer: alice}, RefreshMessages | RefreshStatus},
		{"unrelated", api.WatchEvent{Kind: bus.SyncBackfilled}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, vm.Apply(tt.evt))
		})
	}
}

func TestApplyKeepsLastNotice(t *testing.T) {
	vm := NewViewModel(newFakeDaemon())
	r := vm.Apply(api.WatchEvent{Kind: bus.NoticePosted, Notice: &api.Notice{ID: "n1", Title: "Message Sent"}})
	require.True(t, r.Has(RefreshNotice))
	require.False(t, r.Has(RefreshContacts))

	n := vm.TakeNotice()
	require.NotNil(t, n)
	require.Equal(t, "Message Sent", n.Title)
	require.Nil(t, vm.TakeNotice())
}

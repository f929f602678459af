package messenger

import (
	"context"
	"math/big"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/gateway"
	"github.com/matheus3301/ethchat/internal/notice"
	"github.com/matheus3301/ethchat/internal/status"
	"github.com/matheus3301/ethchat/internal/store"
	"github.com/matheus3301/ethchat/internal/wallet"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	self   = common.HexToAddress("0x0000000000000000000000000000000000005e1f")
	other  = common.HexToAddress("0x000000000000000000000000000000000000a0a0")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0xbbbb000000000000000000000000000000001234")
	nobody = common.HexToAddress("0x0000000000000000000000000000000000000b0d")
	fluent = wallet.ChainParams{ChainID: 20994, Name: "Fluent Testnet"}
	oneEth = big.NewInt(1_000_000_000_000_000_000)
)

const (
	tick    = 5 * time.Millisecond
	waitFor = 2 * time.Second
)

// fakeProvider is a wallet that grants one account and notifies through
// plain callback lists.
type fakeProvider struct {
	mu          sync.Mutex
	grant       []common.Address
	authorized  []common.Address
	requestErr  error
	requestGate chan struct{}
	chainID     uint64
	balance     *big.Int
	accountSubs map[int]func([]common.Address)
	chainSubs   map[int]func(uint64)
	nextSub     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		grant:       []common.Address{self},
		chainID:     fluent.ChainID,
		balance:     oneEth,
		accountSubs: make(map[int]func([]common.Address)),
		chainSubs:   make(map[int]func(uint64)),
	}
}

func (f *fakeProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if f.requestGate != nil {
		select {
		case <-f.requestGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	f.authorized = f.grant
	return f.grant, nil
}

func (f *fakeProvider) Accounts(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.authorized), nil
}

func (f *fakeProvider) ChainID(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID, nil
}

func (f *fakeProvider) SwitchChain(_ context.Context, id uint64) error {
	f.mu.Lock()
	f.chainID = id
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) AddChain(ctx context.Context, p wallet.ChainParams) error {
	return f.SwitchChain(ctx, p.ChainID)
}

func (f *fakeProvider) Balance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeProvider) Signer(_ context.Context, account common.Address) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{From: account}, nil
}

func (f *fakeProvider) Backend(context.Context) (wallet.Backend, error) { return nil, nil }

func (f *fakeProvider) SubscribeAccounts(fn func([]common.Address)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.accountSubs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.accountSubs, id)
		f.mu.Unlock()
	}
}

func (f *fakeProvider) SubscribeChain(fn func(uint64)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.chainSubs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.chainSubs, id)
		f.mu.Unlock()
	}
}

// switchAccount authorizes accounts and notifies like a wallet would.
func (f *fakeProvider) switchAccount(accounts ...common.Address) {
	f.mu.Lock()
	f.authorized = accounts
	fns := make([]func([]common.Address), 0, len(f.accountSubs))
	for _, fn := range f.accountSubs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(accounts)
	}
}

func (f *fakeProvider) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accountSubs) + len(f.chainSubs)
}

// fakeLedger is the contract state shared by every gateway the factory
// hands out.
type fakeLedger struct {
	mu          sync.Mutex
	keys        map[common.Address]bool
	convs       map[[2]common.Address][]chat.Message
	sent        []chat.Message
	sendErr     error
	registerErr error
	markErr     error
	marked      []int64
	clock       int64

	messages event.Feed
	active   atomic.Int32
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		keys:  map[common.Address]bool{alice: true, bob: true, other: true},
		convs: make(map[[2]common.Address][]chat.Message),
		clock: time.Now().UnixMilli(),
	}
}

func pair(a, b common.Address) [2]common.Address {
	if strings.Compare(a.Hex(), b.Hex()) > 0 {
		a, b = b, a
	}
	return [2]common.Address{a, b}
}

func (l *fakeLedger) register(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[addr] = true
}

func (l *fakeLedger) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// fakeGateway is the ledger as seen from one connected account.
type fakeGateway struct {
	ledger  *fakeLedger
	account common.Address
	chainID uint64
}

func (g *fakeGateway) Account() common.Address { return g.account }

func (g *fakeGateway) CheckNetwork(chainID uint64) error {
	if chainID != fluent.ChainID {
		return chainerr.New(chainerr.NetworkMismatch, "wrong network")
	}
	return nil
}

func (g *fakeGateway) HasPublicKey(_ context.Context, addr common.Address) bool {
	g.ledger.mu.Lock()
	defer g.ledger.mu.Unlock()
	return g.ledger.keys[addr]
}

func (g *fakeGateway) RegisterPublicKey(_ context.Context, key string) (*gateway.TxResult, error) {
	l := g.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.registerErr != nil {
		return nil, l.registerErr
	}
	if key == "" {
		return nil, chainerr.New(chainerr.Invalid, "empty key")
	}
	l.keys[g.account] = true
	return &gateway.TxResult{URL: "https://explorer/tx/reg"}, nil
}

func (g *fakeGateway) SendMessage(_ context.Context, receiver common.Address, text string) (*gateway.TxResult, error) {
	l := g.ledger
	l.mu.Lock()
	if l.sendErr != nil {
		defer l.mu.Unlock()
		return nil, l.sendErr
	}
	// The ledger stamps its own time, a little after the client's.
	l.clock += 1500
	m := chat.Message{Sender: g.account, Receiver: receiver, Content: text, Timestamp: l.clock, Index: int64(len(l.sent))}
	l.sent = append(l.sent, m)
	k := pair(g.account, receiver)
	stored := m
	stored.Index = chat.NoIndex
	l.convs[k] = append(l.convs[k], stored)
	l.mu.Unlock()
	l.messages.Send(m)
	return &gateway.TxResult{URL: "https://explorer/tx/send"}, nil
}

func (g *fakeGateway) MarkMessageAsRead(_ context.Context, index int64) (*gateway.TxResult, error) {
	l := g.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 {
		return nil, chainerr.New(chainerr.Invalid, "message index unknown")
	}
	if l.markErr != nil {
		return nil, l.markErr
	}
	l.marked = append(l.marked, index)
	return &gateway.TxResult{}, nil
}

func (g *fakeGateway) GetConversation(_ context.Context, peer common.Address) []chat.Message {
	g.ledger.mu.Lock()
	defer g.ledger.mu.Unlock()
	return slices.Clone(g.ledger.convs[pair(g.account, peer)])
}

func (g *fakeGateway) GetContacts(context.Context) []common.Address {
	g.ledger.mu.Lock()
	defer g.ledger.mu.Unlock()
	var out []common.Address
	for k := range g.ledger.convs {
		switch g.account {
		case k[0]:
			out = append(out, k[1])
		case k[1]:
			out = append(out, k[0])
		}
	}
	return out
}

func (g *fakeGateway) GetUnreadMessageCount(context.Context, common.Address) uint64 { return 0 }

func (g *fakeGateway) Summaries(_ context.Context, contacts []common.Address) []gateway.ContactSummary {
	out := make([]gateway.ContactSummary, len(contacts))
	for i, c := range contacts {
		out[i] = gateway.ContactSummary{Address: c, HasKey: true}
	}
	return out
}

func (g *fakeGateway) WatchMessages(_ context.Context, sink chan<- chat.Message) (event.Subscription, error) {
	return g.track(g.ledger.messages.Subscribe(sink)), nil
}

func (g *fakeGateway) WatchRegistrations(context.Context, chan<- gateway.Registration) (event.Subscription, error) {
	return g.track(event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	})), nil
}

func (g *fakeGateway) track(sub event.Subscription) event.Subscription {
	g.ledger.active.Add(1)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer g.ledger.active.Add(-1)
		defer sub.Unsubscribe()
		select {
		case <-quit:
			return nil
		case err := <-sub.Err():
			return err
		}
	})
}

func (g *fakeGateway) HeadBlock(context.Context) (uint64, error) { return 10, nil }

func (g *fakeGateway) RecentMessages(_ context.Context, start, end uint64) ([]chat.Message, uint64, bool) {
	g.ledger.mu.Lock()
	defer g.ledger.mu.Unlock()
	var out []chat.Message
	for _, m := range g.ledger.sent {
		if m.Involves(g.account) {
			out = append(out, m)
		}
	}
	return out, min(end, 10), true
}

type harness struct {
	ctrl     *Controller
	provider *fakeProvider
	ledger   *fakeLedger
	bus      *bus.Bus
	notices  *notice.Board
	gateways atomic.Int32
}

func newHarness(t *testing.T, db *store.DB) *harness {
	t.Helper()
	h := &harness{
		provider: newFakeProvider(),
		ledger:   newFakeLedger(),
		bus:      bus.New(),
	}
	h.notices = notice.NewBoard(h.bus, time.Minute)
	ws := wallet.NewSession(h.provider, fluent, zap.NewNop())
	factory := func(conn *wallet.Connection) (Gateway, error) {
		h.gateways.Add(1)
		return &fakeGateway{ledger: h.ledger, account: conn.Account, chainID: conn.ChainID}, nil
	}
	h.ctrl = New(ws, factory, db, h.bus, h.notices, status.NewMachine(h.bus), zap.NewNop(), Options{
		PollInterval:      tick,
		WalletNoticeClear: time.Hour,
	})
	h.ctrl.Start(context.Background())
	t.Cleanup(func() {
		h.ctrl.Close()
		h.notices.Close()
	})
	return h
}

func (h *harness) connectReady(t *testing.T) {
	t.Helper()
	h.ledger.register(self)
	st, err := h.ctrl.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, status.Ready, st)
}

func hasNotice(b *notice.Board, fragment string) bool {
	for _, n := range b.Active() {
		if strings.Contains(n.Title+" "+n.Message, fragment) {
			return true
		}
	}
	return false
}

func TestConnectWithoutKeyRequiresRegistration(t *testing.T) {
	h := newHarness(t, nil)

	st, err := h.ctrl.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, status.RegistrationRequired, st)
	require.True(t, hasNotice(h.notices, "register your public key"))

	res, err := h.ctrl.Register(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "https://explorer/tx/reg", res.URL)
	require.Equal(t, status.Ready, h.ctrl.Status().State)
}

func TestAlreadyRegisteredStillReachesReady(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.registerErr = chainerr.New(chainerr.AlreadyRegistered, "Public key already registered")

	st, err := h.ctrl.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, status.RegistrationRequired, st)

	_, err = h.ctrl.Register(context.Background(), "")
	require.True(t, chainerr.IsKind(err, chainerr.AlreadyRegistered), "got %v", err)
	require.Equal(t, status.Ready, h.ctrl.Status().State)
}

func TestConnectWithKeyIsReady(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)

	info := h.ctrl.Status()
	require.Equal(t, self, info.Account)
	require.Equal(t, fluent.ChainID, info.ChainID)
	require.Equal(t, 2, info.LiveSubscriptions)
	require.Equal(t, 2, info.WalletListeners)

	// A second connect is a no-op.
	st, err := h.ctrl.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, status.Ready, st)
	require.EqualValues(t, 1, h.gateways.Load())
}

func TestConnectRejectedStaysDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.requestErr = &wallet.ProviderError{Code: chainerr.CodeUserRejected, Message: "User denied account authorization"}

	st, err := h.ctrl.Connect(context.Background())
	require.True(t, chainerr.IsKind(err, chainerr.UserRejected), "got %v", err)
	require.Equal(t, status.Disconnected, st)
	require.NotEmpty(t, h.ctrl.Notices())
	require.Zero(t, h.gateways.Load())
}

func TestConcurrentConnectIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.register(self)
	h.provider.requestGate = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Connect(context.Background())
		first <- err
	}()
	require.Eventually(t, func() bool { return h.ctrl.Status().State == status.Connecting }, waitFor, time.Millisecond)

	_, err := h.ctrl.Connect(context.Background())
	require.True(t, chainerr.IsKind(err, chainerr.AlreadyPending), "got %v", err)

	close(h.provider.requestGate)
	require.NoError(t, <-first)
	require.Equal(t, status.Ready, h.ctrl.Status().State)
}

func TestOperationsOutsideReadyFailFast(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.ctrl.Send(context.Background(), bob, "hi")
	require.True(t, chainerr.IsKind(err, chainerr.NotReady), "got %v", err)
	_, err = h.ctrl.Select(context.Background(), bob)
	require.True(t, chainerr.IsKind(err, chainerr.NotReady), "got %v", err)
	_, err = h.ctrl.Register(context.Background(), "")
	require.True(t, chainerr.IsKind(err, chainerr.NotReady), "got %v", err)

	_, err = h.ctrl.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, status.RegistrationRequired, h.ctrl.Status().State)

	_, err = h.ctrl.Send(context.Background(), bob, "hi")
	require.True(t, chainerr.IsKind(err, chainerr.NotReady), "got %v", err)
	_, _, err = h.ctrl.AddContact(context.Background(), bob.Hex())
	require.True(t, chainerr.IsKind(err, chainerr.NotReady), "got %v", err)
	require.Zero(t, h.ledger.sentCount())
}

func TestSendHelloShowsExactlyOneMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)

	_, err := h.ctrl.Select(context.Background(), bob)
	require.NoError(t, err)

	ack, err := h.ctrl.Send(context.Background(), bob, "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", ack.Message.Content)

	isHello := func(m chat.Message) bool {
		return m.Content == "hello" && m.Sender == self && m.Receiver == bob
	}
	count := func() int {
		_, msgs, err := h.ctrl.Messages()
		require.NoError(t, err)
		n := 0
		for _, m := range msgs {
			if isHello(m) {
				n++
			}
		}
		return n
	}
	require.Equal(t, 1, count())

	// Let several poll cycles return the authoritative copy.
	time.Sleep(10 * tick)
	require.Equal(t, 1, count())
	require.True(t, hasNotice(h.notices, "Message sent"))
	require.Equal(t, bob, h.ctrl.Status().Selected)
}

func TestSendFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)
	h.ledger.sendErr = chainerr.New(chainerr.Reverted, "paused")

	_, err := h.ctrl.Select(context.Background(), bob)
	require.NoError(t, err)

	_, err = h.ctrl.Send(context.Background(), bob, "hello")
	require.True(t, chainerr.IsKind(err, chainerr.Reverted), "got %v", err)

	_, msgs, err := h.ctrl.Messages()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSendPrechecks(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)

	tests := []struct {
		name     string
		receiver common.Address
		text     string
		balance  *big.Int
		kind     chainerr.Kind
	}{
		{"empty text", bob, "   ", oneEth, chainerr.Invalid},
		{"self", self, "hi", oneEth, chainerr.Invalid},
		{"unregistered receiver", nobody, "hi", oneEth, chainerr.Invalid},
		{"low balance", bob, "hi", big.NewInt(1000), chainerr.InsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.provider.mu.Lock()
			h.provider.balance = tt.balance
			h.provider.mu.Unlock()

			_, err := h.ctrl.Send(context.Background(), tt.receiver, tt.text)
			require.True(t, chainerr.IsKind(err, tt.kind), "got %v", err)
		})
	}
	require.Zero(t, h.ledger.sentCount())
}

func TestSendAddsNewReceiverToContacts(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)

	_, err := h.ctrl.Send(context.Background(), alice, "hi")
	require.NoError(t, err)

	contacts, err := h.ctrl.Contacts(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, alice, contacts[0].Address)
}

func TestAddContact(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)
	ctx := context.Background()

	addr, added, err := h.ctrl.AddContact(ctx, strings.ToLower(alice.Hex()))
	require.NoError(t, err)
	require.True(t, added)
	require.Equal(t, alice, addr)

	_, added, err = h.ctrl.AddContact(ctx, alice.Hex())
	require.NoError(t, err)
	require.False(t, added)

	for _, input := range []string{"alice", "0x1234", self.Hex(), nobody.Hex()} {
		_, _, err := h.ctrl.AddContact(ctx, input)
		require.True(t, chainerr.IsKind(err, chainerr.Invalid), "%s: got %v", input, err)
	}
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)
	ctx := context.Background()

	_, err := h.ctrl.Select(ctx, alice)
	require.NoError(t, err)

	incoming := chat.Message{Sender: alice, Receiver: self, Content: "ping", Timestamp: time.Now().UnixMilli(), Index: 7}
	h.ledger.messages.Send(incoming)
	require.Eventually(t, func() bool {
		_, msgs, _ := h.ctrl.Messages()
		return len(msgs) == 1
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return hasNotice(h.notices, "New message from") }, waitFor, time.Millisecond)

	_, err = h.ctrl.MarkRead(ctx, incoming)
	require.NoError(t, err)
	_, msgs, err := h.ctrl.Messages()
	require.NoError(t, err)
	require.True(t, msgs[0].Read)
	require.Equal(t, []int64{7}, h.ledger.marked)

	unindexed := incoming
	unindexed.Index = chat.NoIndex
	_, err = h.ctrl.MarkRead(ctx, unindexed)
	require.True(t, chainerr.IsKind(err, chainerr.Invalid), "got %v", err)
}

func TestLogoutLeavesNothingRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)

	_, err := h.ctrl.Select(context.Background(), bob)
	require.NoError(t, err)
	require.Equal(t, 1, h.ctrl.Status().ActiveTimers)

	h.ctrl.Logout()

	info := h.ctrl.Status()
	require.Equal(t, status.Disconnected, info.State)
	require.Zero(t, info.ActiveTimers)
	require.Zero(t, info.LiveSubscriptions)
	require.Zero(t, info.WalletListeners)
	require.Zero(t, h.ledger.active.Load())
	require.Zero(t, h.provider.listeners())
	require.Zero(t, h.notices.PendingClears())
	require.True(t, hasNotice(h.notices, "Wallet disconnected successfully."))
}

func TestAccountChangeReloadsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)

	reloading, unsub := h.bus.Subscribe("session.", 16)
	defer unsub()

	h.provider.switchAccount(other)

	require.Eventually(t, func() bool {
		info := h.ctrl.Status()
		return info.State == status.Ready && info.Account == other
	}, waitFor, time.Millisecond)
	require.EqualValues(t, 2, h.gateways.Load())
	require.Equal(t, 2, h.provider.listeners())
	require.Equal(t, int32(2), h.ledger.active.Load())

	seen := false
	for !seen {
		select {
		case evt := <-reloading:
			seen = evt.Kind == bus.SessionReloading
		case <-time.After(waitFor):
			t.Fatal("no reload event")
		}
	}
}

func TestAccountsClearedDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)

	h.provider.switchAccount()

	require.Eventually(t, func() bool {
		return h.ctrl.Status().State == status.Disconnected && h.ledger.active.Load() == 0
	}, waitFor, time.Millisecond)
	require.Zero(t, h.provider.listeners())
}

func TestStartResumesExistingAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	h.connectReady(t)
	h.ctrl.Close()

	// A fresh controller on the same wallet picks the session back up.
	ws := wallet.NewSession(h.provider, fluent, zap.NewNop())
	factory := func(conn *wallet.Connection) (Gateway, error) {
		return &fakeGateway{ledger: h.ledger, account: conn.Account}, nil
	}
	ctrl := New(ws, factory, nil, h.bus, h.notices, status.NewMachine(h.bus), zap.NewNop(), Options{PollInterval: tick})
	ctrl.Start(context.Background())
	defer ctrl.Close()

	require.Equal(t, status.Ready, ctrl.Status().State)
	require.Equal(t, self, ctrl.Status().Account)
}

func TestHistoryFromCache(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "ethchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	h := newHarness(t, db)
	_, err = h.ctrl.History(bob, 0, 10)
	require.True(t, chainerr.IsKind(err, chainerr.NotReady), "got %v", err)

	h.connectReady(t)
	_, err = h.ctrl.Select(context.Background(), bob)
	require.NoError(t, err)
	_, err = h.ctrl.Send(context.Background(), bob, "cached")
	require.NoError(t, err)

	// The ledger stamps messages slightly ahead of the local clock.
	later := time.Now().Add(time.Hour).UnixMilli()
	require.Eventually(t, func() bool {
		msgs, err := h.ctrl.History(bob, later, 10)
		return err == nil && len(msgs) == 1 && msgs[0].Content == "cached"
	}, waitFor, 5*time.Millisecond)

	results, err := h.ctrl.Search("cach", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestMarkReadUsesCachedIndex(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "ethchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	ts := time.Now().UnixMilli()
	indexed := chat.Message{Sender: alice, Receiver: self, Content: "from history", Timestamp: ts, Index: 9}
	require.NoError(t, db.UpsertMessage(self, indexed))

	h := newHarness(t, db)
	h.connectReady(t)

	// History and pulls hand out copies without a contract index.
	pulled := indexed
	pulled.Index = chat.NoIndex
	_, err = h.ctrl.MarkRead(context.Background(), pulled)
	require.NoError(t, err)
	require.Equal(t, []int64{9}, h.ledger.marked)
}

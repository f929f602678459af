package sync

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/gateway"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	self  = common.HexToAddress("0x0000000000000000000000000000000000005e1f")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0xbbbb000000000000000000000000000000001234")
	carol = common.HexToAddress("0x0000000000000000000000000000000000000ca1")
	eve   = common.HexToAddress("0x0000000000000000000000000000000000000e4e")
)

const tick = 5 * time.Millisecond

// fakeSource serves conversations from memory and pushes events through
// go-ethereum feeds.
type fakeSource struct {
	mu       sync.Mutex
	convs    map[common.Address][]chat.Message
	contacts []common.Address
	held     map[common.Address]bool
	entered  chan common.Address

	messages      event.Feed
	registrations event.Feed
	active        atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		convs:   make(map[common.Address][]chat.Message),
		held:    make(map[common.Address]bool),
		entered: make(chan common.Address, 1),
	}
}

func (f *fakeSource) Account() common.Address { return self }

func (f *fakeSource) GetConversation(ctx context.Context, other common.Address) []chat.Message {
	f.mu.Lock()
	msgs := slices.Clone(f.convs[other])
	held := f.held[other]
	f.mu.Unlock()
	if held {
		select {
		case f.entered <- other:
		default:
		}
		<-ctx.Done()
	}
	return msgs
}

func (f *fakeSource) GetContacts(context.Context) []common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.contacts)
}

func (f *fakeSource) WatchMessages(_ context.Context, sink chan<- chat.Message) (event.Subscription, error) {
	return f.track(f.messages.Subscribe(sink)), nil
}

func (f *fakeSource) WatchRegistrations(_ context.Context, sink chan<- gateway.Registration) (event.Subscription, error) {
	return f.track(f.registrations.Subscribe(sink)), nil
}

func (f *fakeSource) track(sub event.Subscription) event.Subscription {
	f.active.Add(1)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer f.active.Add(-1)
		defer sub.Unsubscribe()
		select {
		case <-quit:
			return nil
		case err := <-sub.Err():
			return err
		}
	})
}

func (f *fakeSource) setConversation(peer common.Address, msgs ...chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[peer] = msgs
}

func (f *fakeSource) hold(peer common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[peer] = true
}

func msg(from, to common.Address, content string, ts int64) chat.Message {
	return chat.Message{Sender: from, Receiver: to, Content: content, Timestamp: ts, Index: chat.NoIndex}
}

func newTestReconciler(t *testing.T, src *fakeSource) (*Reconciler, *bus.Bus) {
	t.Helper()
	b := bus.New()
	r := New(src, b, zap.NewNop(), Options{PollInterval: tick})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r, b
}

func contents(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func requireNoDuplicates(t *testing.T, msgs []chat.Message, window time.Duration) {
	t.Helper()
	for i := range msgs {
		for j := i + 1; j < len(msgs); j++ {
			require.False(t, msgs[i].SameAs(msgs[j], window), "duplicate %q at %d and %d", msgs[i].Content, i, j)
		}
	}
}

func TestSelectFetchesSortedConversation(t *testing.T) {
	src := newFakeSource()
	src.setConversation(bob,
		msg(bob, self, "second", 2_000),
		msg(self, bob, "first", 1_000),
		msg(bob, self, "third", 3_000),
	)
	r, _ := newTestReconciler(t, src)

	view, err := r.Select(context.Background(), bob)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "third"}, contents(view))
	require.Equal(t, 1, r.ActiveTimers())

	peer, ok := r.Selected()
	require.True(t, ok)
	require.Equal(t, bob, peer)
}

func TestSelectRequiresStart(t *testing.T) {
	r := New(newFakeSource(), bus.New(), zap.NewNop(), Options{})
	_, err := r.Select(context.Background(), bob)
	require.True(t, chainerr.IsKind(err, chainerr.NotReady))
	require.Zero(t, r.ActiveTimers())
}

func TestPullWithUnchangedCountKeepsOrder(t *testing.T) {
	src := newFakeSource()
	// equal timestamps: order is arrival order and must not flip between pulls
	src.setConversation(bob, msg(bob, self, "a", 1_000), msg(self, bob, "b", 1_000))
	r, _ := newTestReconciler(t, src)

	first, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	// same count, different order: not applied
	src.setConversation(bob, msg(self, bob, "b", 1_000), msg(bob, self, "a", 1_000))
	time.Sleep(10 * tick)
	require.Equal(t, first, r.Messages())
}

func TestPullReplacesWhenCountChanges(t *testing.T) {
	src := newFakeSource()
	src.setConversation(bob, msg(bob, self, "a", 1_000))
	r, _ := newTestReconciler(t, src)
	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	src.setConversation(bob, msg(bob, self, "a", 1_000), msg(self, bob, "b", 2_000))
	require.Eventually(t, func() bool {
		return slices.Equal(contents(r.Messages()), []string{"a", "b"})
	}, time.Second, tick)
}

func TestDeduplicationHoldsInAnyOrder(t *testing.T) {
	window := DefaultDedupWindow
	base := []chat.Message{
		msg(bob, self, "hi", 10_000),
		msg(self, bob, "hello", 12_000),
		msg(bob, self, "hi", 40_000), // same text, outside the window
		msg(self, bob, "bye", 50_000),
	}
	// confirmed copies with shifted timestamps inside the window
	shifted := []chat.Message{
		msg(bob, self, "hi", 13_000),
		msg(self, bob, "hello", 9_000),
		msg(self, bob, "bye", 50_999),
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for run := 0; run < 200; run++ {
		src := newFakeSource()
		r := New(src, bus.New(), zap.NewNop(), Options{})
		r.mu.Lock()
		r.hasPeer, r.selected = true, bob
		gen := r.gen
		r.mu.Unlock()

		type step struct {
			push *chat.Message
			pull []chat.Message
		}
		var steps []step
		for i := range base {
			steps = append(steps, step{push: &base[i]})
		}
		for i := range shifted {
			steps = append(steps, step{push: &shifted[i]})
		}
		for n := 1; n <= len(base); n++ {
			steps = append(steps, step{pull: slices.Clone(base[:n])})
		}
		steps = append(steps, step{pull: append(slices.Clone(base), shifted...)})
		rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })

		for _, s := range steps {
			if s.push != nil {
				r.handlePush(*s.push)
			} else {
				r.applyPull(gen, bob, s.pull)
			}
		}
		view := r.Messages()
		requireNoDuplicates(t, view, window)
		require.True(t, slices.IsSortedFunc(view, func(a, b chat.Message) int {
			return int(a.Timestamp - b.Timestamp)
		}))
	}
}

func TestOptimisticHelloIsNotDuplicated(t *testing.T) {
	src := newFakeSource()
	r, _ := newTestReconciler(t, src)
	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	hello := msg(self, bob, "hello", now)
	_, ok := r.AppendOptimistic(hello)
	require.True(t, ok)

	view := r.Messages()
	require.Len(t, view, 1)
	require.Equal(t, "hello", view[0].Content)
	require.Equal(t, self, view[0].Sender)
	require.Equal(t, bob, view[0].Receiver)

	// the ledger stores seconds, so the confirmed copy lands up to a second earlier
	confirmed := msg(self, bob, "hello", (now/1000)*1000)
	src.setConversation(bob, confirmed)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lastCount == 1
	}, time.Second, tick)

	view = r.Messages()
	require.Len(t, view, 1)
	require.Equal(t, confirmed, view[0])

	// and the pushed copy is recognised as well
	r.handlePush(confirmed)
	require.Len(t, r.Messages(), 1)
}

func TestSlowInclusionIsNotDuplicated(t *testing.T) {
	src := newFakeSource()
	r, _ := newTestReconciler(t, src)
	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	sentAt := time.Now().Add(-time.Minute).UnixMilli()
	_, ok := r.AppendOptimistic(msg(self, bob, "hello", sentAt))
	require.True(t, ok)

	// included well after the dedup window
	confirmed := msg(self, bob, "hello", sentAt+12_000)
	src.setConversation(bob, confirmed)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lastCount == 1
	}, time.Second, tick)

	require.Equal(t, []chat.Message{confirmed}, r.Messages())
	r.mu.Lock()
	require.Empty(t, r.pending)
	r.mu.Unlock()
}

func TestSlowInclusionPushReplacesOptimisticEntry(t *testing.T) {
	src := newFakeSource()
	r, _ := newTestReconciler(t, src)
	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	sentAt := time.Now().Add(-time.Minute).UnixMilli()
	tok, ok := r.AppendOptimistic(msg(self, bob, "hello", sentAt))
	require.True(t, ok)

	pushed := msg(self, bob, "hello", sentAt+30_000).WithIndex(7)
	r.handlePush(pushed)
	require.Equal(t, []chat.Message{pushed}, r.Messages())
	require.False(t, r.Confirm(tok, sentAt+30_000), "entry already confirmed by the event")
}

func TestConfirmRestampsOptimisticEntry(t *testing.T) {
	src := newFakeSource()
	r, b := newTestReconciler(t, src)
	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)
	updates, unsub := b.Subscribe(bus.ConversationUpdated, 8)
	defer unsub()

	sentAt := time.Now().Add(-time.Minute).UnixMilli()
	tok, ok := r.AppendOptimistic(msg(self, bob, "hello", sentAt))
	require.True(t, ok)

	includedAt := sentAt + 45_000
	require.True(t, r.Confirm(tok, includedAt))
	view := r.Messages()
	require.Len(t, view, 1)
	require.Equal(t, includedAt, view[0].Timestamp)

	reasons := map[string]bool{}
	for !reasons["confirm"] {
		select {
		case evt := <-updates:
			reasons[evt.Payload.(Update).Reason] = true
		case <-time.After(time.Second):
			t.Fatalf("no confirm update, got %v", reasons)
		}
	}
}

func TestPullKeepsIndexLearnedFromPush(t *testing.T) {
	src := newFakeSource()
	hi := msg(bob, self, "hi", 1_000)
	src.setConversation(bob, hi)
	r, _ := newTestReconciler(t, src)
	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	r.handlePush(hi.WithIndex(3))
	require.Equal(t, int64(3), r.Messages()[0].Index)

	src.setConversation(bob, hi, msg(bob, self, "more", 2_000))
	require.Eventually(t, func() bool { return len(r.Messages()) == 2 }, time.Second, tick)
	view := r.Messages()
	require.Equal(t, int64(3), view[0].Index)
	require.Equal(t, chat.NoIndex, view[1].Index)
}

func TestOptimisticEntrySurvivesEarlierPull(t *testing.T) {
	src := newFakeSource()
	src.setConversation(bob, msg(bob, self, "hey", 1_000))
	r, _ := newTestReconciler(t, src)
	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	_, ok := r.AppendOptimistic(msg(self, bob, "pending", time.Now().UnixMilli()))
	require.True(t, ok)

	// a pull that does not carry the pending message yet
	src.setConversation(bob, msg(bob, self, "hey", 1_000), msg(bob, self, "again", 2_000))
	require.Eventually(t, func() bool {
		return slices.Equal(contents(r.Messages()), []string{"hey", "again", "pending"})
	}, time.Second, tick)
}

func TestRollbackRemovesOptimisticEntry(t *testing.T) {
	src := newFakeSource()
	r, b := newTestReconciler(t, src)
	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	updates, unsub := b.Subscribe(bus.ConversationUpdated, 8)
	defer unsub()

	tok, ok := r.AppendOptimistic(msg(self, bob, "doomed", time.Now().UnixMilli()))
	require.True(t, ok)
	require.Len(t, r.Messages(), 1)

	require.True(t, r.Rollback(tok))
	require.Empty(t, r.Messages())
	require.False(t, r.Rollback(tok))

	var reasons []string
	for len(reasons) < 2 {
		select {
		case evt := <-updates:
			reasons = append(reasons, evt.Payload.(Update).Reason)
		case <-time.After(time.Second):
			t.Fatalf("got updates %v", reasons)
		}
	}
	require.Equal(t, []string{"optimistic", "rollback"}, reasons)
}

func TestAppendOptimisticOutsideSelection(t *testing.T) {
	src := newFakeSource()
	r, _ := newTestReconciler(t, src)

	_, ok := r.AppendOptimistic(msg(self, bob, "x", 1))
	require.False(t, ok)

	_, err := r.Select(context.Background(), alice)
	require.NoError(t, err)
	_, ok = r.AppendOptimistic(msg(self, bob, "x", 1))
	require.False(t, ok)
	require.Empty(t, r.Messages())
}

func TestSwitchDiscardsLatePull(t *testing.T) {
	src := newFakeSource()
	src.setConversation(alice, msg(alice, self, "for alice", 1_000))
	src.setConversation(bob, msg(bob, self, "for bob", 2_000))
	r, _ := newTestReconciler(t, src)

	_, err := r.Select(context.Background(), alice)
	require.NoError(t, err)

	// alice now has a new message, but the poll carrying it stalls
	src.setConversation(alice, msg(alice, self, "for alice", 1_000), msg(alice, self, "late", 3_000))
	src.hold(alice)
	select {
	case <-src.entered:
	case <-time.After(time.Second):
		t.Fatal("poller never fetched")
	}

	view, err := r.Select(context.Background(), bob)
	require.NoError(t, err)
	require.Equal(t, []string{"for bob"}, contents(view))

	time.Sleep(10 * tick)
	for _, m := range r.Messages() {
		require.True(t, m.Between(self, bob), "leaked %q", m.Content)
	}
	require.Equal(t, 1, r.ActiveTimers())
}

func TestStalePullIsIgnored(t *testing.T) {
	src := newFakeSource()
	src.setConversation(bob, msg(bob, self, "b", 1_000))
	r, _ := newTestReconciler(t, src)

	_, err := r.Select(context.Background(), alice)
	require.NoError(t, err)
	r.mu.Lock()
	oldGen := r.gen
	r.mu.Unlock()

	_, err = r.Select(context.Background(), bob)
	require.NoError(t, err)
	r.applyPull(oldGen, alice, []chat.Message{msg(alice, self, "a", 1), msg(alice, self, "b", 2)})
	require.Equal(t, []string{"b"}, contents(r.Messages()))
}

func TestStopLeavesNothingRunning(t *testing.T) {
	src := newFakeSource()
	src.setConversation(bob, msg(bob, self, "hi", 1_000))
	b := bus.New()
	r := New(src, b, zap.NewNop(), Options{PollInterval: tick})
	require.NoError(t, r.Start(context.Background()))

	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)
	require.Equal(t, 1, r.ActiveTimers())
	require.Equal(t, 2, r.LiveSubscriptions())
	require.Equal(t, int32(2), src.active.Load())

	r.Stop()
	require.Zero(t, r.ActiveTimers())
	require.Zero(t, r.LiveSubscriptions())
	require.Zero(t, src.active.Load())
	require.Empty(t, r.Messages())
	require.Empty(t, r.Contacts())
	_, ok := r.Selected()
	require.False(t, ok)

	_, err = r.Select(context.Background(), bob)
	require.True(t, chainerr.IsKind(err, chainerr.NotReady))
	r.Stop()
}

func TestPushDiscoversContacts(t *testing.T) {
	src := newFakeSource()
	src.contacts = []common.Address{alice}
	r, b := newTestReconciler(t, src)
	require.Equal(t, []common.Address{alice}, r.Contacts())

	events, unsub := b.Subscribe("contact.", 8)
	defer unsub()
	received, unsubMsg := b.Subscribe(bus.MessageReceived, 8)
	defer unsubMsg()

	src.messages.Send(msg(alice, eve, "not ours", 1))
	src.messages.Send(msg(carol, self, "hi", 2))

	select {
	case evt := <-events:
		require.Equal(t, bus.ContactAdded, evt.Kind)
		require.Equal(t, carol, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("no contact event")
	}
	select {
	case evt := <-received:
		require.Equal(t, "hi", evt.Payload.(chat.Message).Content)
	case <-time.After(time.Second):
		t.Fatal("no received event")
	}
	require.Equal(t, []common.Address{alice, carol}, r.Contacts())
	require.Empty(t, r.Messages())
}

func TestPushAppendsToSelectedConversation(t *testing.T) {
	src := newFakeSource()
	src.setConversation(bob, msg(bob, self, "one", 1_000))
	r, _ := newTestReconciler(t, src)
	_, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	src.messages.Send(msg(alice, self, "elsewhere", 500))
	src.messages.Send(msg(self, bob, "zero", 500))
	src.messages.Send(msg(bob, self, "one", 4_000)) // tolerant duplicate

	require.Eventually(t, func() bool {
		return slices.Equal(contents(r.Messages()), []string{"zero", "one"})
	}, time.Second, tick)
}

func TestRegistrationRefreshesContacts(t *testing.T) {
	src := newFakeSource()
	r, b := newTestReconciler(t, src)
	events, unsub := b.Subscribe(bus.ContactsRefreshed, 8)
	defer unsub()

	src.mu.Lock()
	src.contacts = []common.Address{carol, alice}
	src.mu.Unlock()
	src.registrations.Send(gateway.Registration{User: carol, PublicKey: "pk"})

	select {
	case evt := <-events:
		require.Equal(t, []common.Address{carol, alice}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("no refresh")
	}
	require.Equal(t, []common.Address{carol, alice}, r.Contacts())
}

func TestMarkReadReplacesEntry(t *testing.T) {
	src := newFakeSource()
	src.setConversation(bob, msg(bob, self, "hi", 1_000))
	r, _ := newTestReconciler(t, src)
	before, err := r.Select(context.Background(), bob)
	require.NoError(t, err)

	require.True(t, r.MarkRead(before[0]))
	require.False(t, before[0].Read, "earlier snapshot must not change")
	require.True(t, r.Messages()[0].Read)
	require.False(t, r.MarkRead(before[0]))
}

func TestAddContact(t *testing.T) {
	r, _ := newTestReconciler(t, newFakeSource())
	require.True(t, r.AddContact(bob))
	require.False(t, r.AddContact(bob))
	require.Equal(t, []common.Address{bob}, r.Contacts())
}

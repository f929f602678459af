package sync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/gateway"
	"github.com/matheus3301/ethchat/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = time.Second
	DefaultDedupWindow  = 10 * time.Second
)

// Source is the part of the contract gateway the reconciler reads from.
type Source interface {
	Account() common.Address
	GetConversation(ctx context.Context, other common.Address) []chat.Message
	GetContacts(ctx context.Context) []common.Address
	WatchMessages(ctx context.Context, sink chan<- chat.Message) (event.Subscription, error)
	WatchRegistrations(ctx context.Context, sink chan<- gateway.Registration) (event.Subscription, error)
}

// Update is the payload of bus.ConversationUpdated. Messages is a fresh
// snapshot; receivers may keep it but must not modify it.
type Update struct {
	Peer        common.Address
	Messages    []chat.Message
	Reason      string // pull, push, optimistic, confirm, rollback, read
	RemoteCount int    // length of the last pull, -1 before the first one
	Pending     []chat.Message
}

// Token identifies an optimistic entry until it is rolled back or a pull
// carries the confirmed copy.
type Token uint64

// Options tunes a Reconciler. Zero values fall back to the defaults.
type Options struct {
	PollInterval time.Duration
	DedupWindow  time.Duration
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Reconciler merges periodic conversation pulls and pushed MessageSent
// events into one ordered, duplicate-free view of the selected
// conversation, and maintains the contact set.
type Reconciler struct {
	src    Source
	self   common.Address
	bus    *bus.Bus
	logger *zap.Logger

	pollInterval time.Duration
	window       time.Duration

	contacts *chat.Contacts

	// lifecycle serializes Start, Stop, Select and Deselect so that at most
	// one poller exists.
	lifecycle sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	subs      []event.Subscription
	wg        sync.WaitGroup
	poll      *poller

	mu        sync.Mutex
	gen       uint64
	selected  common.Address
	hasPeer   bool
	view      []chat.Message
	lastCount int
	pending   map[Token]chat.Message
	nextToken Token

	timers   atomic.Int32
	liveSubs atomic.Int32
}

// New creates a reconciler for the account behind src.
func New(src Source, b *bus.Bus, logger *zap.Logger, opts Options) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	return &Reconciler{
		src:          src,
		self:         src.Account(),
		bus:          b,
		logger:       logger,
		pollInterval: opts.PollInterval,
		window:       opts.DedupWindow,
		contacts:     chat.NewContacts(),
		lastCount:    -1,
		pending:      make(map[Token]chat.Message),
	}
}

// Start opens the message and registration subscriptions and loads the
// contact list. Calling Start on a running reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	msgs := make(chan chat.Message, 64)
	msgSub, err := r.src.WatchMessages(ctx, msgs)
	if err != nil {
		cancel()
		return fmt.Errorf("watch messages: %w", err)
	}
	regs := make(chan gateway.Registration, 16)
	regSub, err := r.src.WatchRegistrations(ctx, regs)
	if err != nil {
		msgSub.Unsubscribe()
		cancel()
		return fmt.Errorf("watch registrations: %w", err)
	}
	r.subs = []event.Subscription{msgSub, regSub}
	r.liveSubs.Add(int32(len(r.subs)))
	metrics.LiveSubscriptions.Add(float64(len(r.subs)))

	r.ctx, r.cancel = ctx, cancel
	r.running = true

	if added := r.contacts.Merge(r.src.GetContacts(ctx)); len(added) > 0 {
		r.bus.Emit(bus.ContactsRefreshed, r.contacts.List())
	}

	r.wg.Add(1)
	go r.run(ctx, msgs, regs, msgSub.Err(), regSub.Err())

	r.logger.Info("reconciler started", zap.String("account", r.self.Hex()), zap.Int("contacts", r.contacts.Len()))
	return nil
}

// Stop cancels the poller, detaches both subscriptions and discards all
// conversation state. It returns only once nothing owned by the reconciler
// is still running.
func (r *Reconciler) Stop() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if !r.running {
		return
	}
	r.stopPoller()
	r.cancel()
	for _, sub := range r.subs {
		sub.Unsubscribe()
		r.liveSubs.Add(-1)
		metrics.LiveSubscriptions.Dec()
	}
	r.subs = nil
	r.wg.Wait()
	r.running = false

	r.mu.Lock()
	r.resetLocked()
	r.hasPeer = false
	r.selected = common.Address{}
	r.mu.Unlock()
	r.contacts.Reset()

	r.logger.Info("reconciler stopped")
}

// Select makes other the current conversation: the previous poller is
// cancelled and awaited, the previous view is discarded, the conversation
// is fetched once synchronously and then re-fetched every poll interval.
func (r *Reconciler) Select(ctx context.Context, other common.Address) ([]chat.Message, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if !r.running {
		return nil, chainerr.New(chainerr.NotReady, "reconciler is not running")
	}
	r.stopPoller()

	r.mu.Lock()
	r.resetLocked()
	gen := r.gen
	r.selected = other
	r.hasPeer = true
	r.mu.Unlock()

	r.bus.Emit(bus.ConversationSelected, other)
	r.pull(ctx, gen, other)
	r.startPoller(gen, other)
	return r.Messages(), nil
}

// Deselect cancels the poller and clears the view.
func (r *Reconciler) Deselect() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stopPoller()

	r.mu.Lock()
	prev, had := r.selected, r.hasPeer
	r.resetLocked()
	r.hasPeer = false
	r.selected = common.Address{}
	r.mu.Unlock()

	if had {
		r.bus.Emit(bus.ConversationCleared, prev)
	}
}

// resetLocked bumps the generation so in-flight pulls for the previous
// selection are discarded.
func (r *Reconciler) resetLocked() {
	r.gen++
	r.view = nil
	r.lastCount = -1
	r.pending = make(map[Token]chat.Message)
}

func (r *Reconciler) startPoller(gen uint64, peer common.Address) {
	ctx, cancel := context.WithCancel(r.ctx)
	p := &poller{cancel: cancel, done: make(chan struct{})}
	r.poll = p
	r.timers.Add(1)
	metrics.ActiveTimers.Inc()

	go func() {
		defer close(p.done)
		defer func() {
			r.timers.Add(-1)
			metrics.ActiveTimers.Dec()
		}()
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.pull(ctx, gen, peer)
			}
		}
	}()
}

// stopPoller must be called with lifecycle held.
func (r *Reconciler) stopPoller() {
	if r.poll == nil {
		return
	}
	r.poll.cancel()
	<-r.poll.done
	r.poll = nil
}

func (r *Reconciler) pull(ctx context.Context, gen uint64, peer common.Address) {
	msgs := r.src.GetConversation(ctx, peer)
	r.applyPull(gen, peer, msgs)
}

// applyPull replaces the view when the remote count changed. Optimistic
// entries the pull does not yet carry survive the replacement.
func (r *Reconciler) applyPull(gen uint64, peer common.Address, remote []chat.Message) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		metrics.Polls.WithLabelValues("stale").Inc()
		return
	}
	if len(remote) == r.lastCount {
		r.mu.Unlock()
		metrics.Polls.WithLabelValues("unchanged").Inc()
		return
	}
	r.lastCount = len(remote)

	fresh := slices.Clone(remote)
	chat.SortByTime(fresh)
	fresh = chat.Dedupe(fresh, r.window)
	r.carryIndexesLocked(fresh)
	claimed := make([]bool, len(fresh))
	var unconfirmed []chat.Message
	for _, tok := range r.pendingTokensLocked() {
		m := r.pending[tok]
		if i := confirmedAt(fresh, claimed, m, r.window); i >= 0 {
			claimed[i] = true
			delete(r.pending, tok)
			continue
		}
		unconfirmed = append(unconfirmed, m)
	}
	fresh = append(fresh, unconfirmed...)
	chat.SortByTime(fresh)
	r.view = fresh
	upd := r.updateLocked(peer, "pull")
	r.mu.Unlock()

	metrics.Polls.WithLabelValues("replaced").Inc()
	r.bus.Emit(bus.ConversationUpdated, upd)
}

// confirmedAt returns the first unclaimed entry of msgs that confirms
// pending, or -1.
func confirmedAt(msgs []chat.Message, claimed []bool, pending chat.Message, window time.Duration) int {
	for i, m := range msgs {
		if !claimed[i] && m.Confirms(pending, window) {
			return i
		}
	}
	return -1
}

// carryIndexesLocked copies contract indices learned from pushes onto
// pulled entries, which never carry one.
func (r *Reconciler) carryIndexesLocked(fresh []chat.Message) {
	for i, m := range fresh {
		if m.Index != chat.NoIndex {
			continue
		}
		for _, old := range r.view {
			if old.Index != chat.NoIndex && old.SameAs(m, r.window) {
				fresh[i] = m.WithIndex(old.Index)
				break
			}
		}
	}
}

// pendingConfirmedByLocked returns the oldest optimistic entry m confirms.
func (r *Reconciler) pendingConfirmedByLocked(m chat.Message) (Token, bool) {
	for _, tok := range r.pendingTokensLocked() {
		if m.Confirms(r.pending[tok], r.window) {
			return tok, true
		}
	}
	return 0, false
}

func (r *Reconciler) isPendingLocked(m chat.Message) bool {
	for _, p := range r.pending {
		if p == m {
			return true
		}
	}
	return false
}

func (r *Reconciler) pendingTokensLocked() []Token {
	toks := make([]Token, 0, len(r.pending))
	for tok := range r.pending {
		toks = append(toks, tok)
	}
	slices.Sort(toks)
	return toks
}

func (r *Reconciler) updateLocked(peer common.Address, reason string) Update {
	upd := Update{
		Peer:        peer,
		Messages:    slices.Clone(r.view),
		Reason:      reason,
		RemoteCount: r.lastCount,
	}
	for _, tok := range r.pendingTokensLocked() {
		upd.Pending = append(upd.Pending, r.pending[tok])
	}
	return upd
}

func (r *Reconciler) run(ctx context.Context, msgs <-chan chat.Message, regs <-chan gateway.Registration, msgErr, regErr <-chan error) {
	defer r.wg.Done()
	for {
		select {
		case m := <-msgs:
			r.handlePush(m)
		case reg := <-regs:
			r.handleRegistration(ctx, reg)
		case err := <-msgErr:
			if err != nil {
				r.logger.Warn("message subscription ended", zap.Error(err))
			}
			msgErr = nil
		case err := <-regErr:
			if err != nil {
				r.logger.Warn("registration subscription ended", zap.Error(err))
			}
			regErr = nil
		case <-ctx.Done():
			return
		}
	}
}

// handlePush applies one MessageSent event.
func (r *Reconciler) handlePush(m chat.Message) {
	if !m.Involves(r.self) {
		metrics.PushEvents.WithLabelValues("foreign").Inc()
		return
	}
	peer := m.Counterpart(r.self)
	if r.contacts.Add(peer) {
		r.bus.Emit(bus.ContactAdded, peer)
	}
	if m.Receiver == r.self && m.Sender != r.self {
		r.bus.Emit(bus.MessageReceived, m)
	}

	r.mu.Lock()
	if !r.hasPeer || !m.Between(r.self, r.selected) {
		r.mu.Unlock()
		metrics.PushEvents.WithLabelValues("other_conversation").Inc()
		return
	}
	view := slices.Clone(r.view)
	confirmed := false
	if tok, ok := r.pendingConfirmedByLocked(m); ok {
		if i := slices.Index(view, r.pending[tok]); i >= 0 {
			view = slices.Delete(view, i, i+1)
		}
		delete(r.pending, tok)
		confirmed = true
	}
	outcome := "appended"
	switch i := slices.IndexFunc(view, func(e chat.Message) bool { return e.SameAs(m, r.window) }); {
	case i < 0:
		view = append(view, m)
	case view[i].Index == chat.NoIndex && m.Index != chat.NoIndex:
		// A pulled copy learns its index from the event.
		view[i] = view[i].WithIndex(m.Index)
		outcome = "indexed"
	case !confirmed:
		r.mu.Unlock()
		metrics.PushEvents.WithLabelValues("duplicate").Inc()
		return
	default:
		outcome = "confirmed"
	}
	chat.SortByTime(view)
	r.view = view
	upd := r.updateLocked(r.selected, "push")
	r.mu.Unlock()

	metrics.PushEvents.WithLabelValues(outcome).Inc()
	r.bus.Emit(bus.ConversationUpdated, upd)
}

// handleRegistration refreshes the contact list. A new key does not imply a
// conversation, so nothing else changes.
func (r *Reconciler) handleRegistration(ctx context.Context, reg gateway.Registration) {
	r.logger.Debug("public key registered", zap.String("user", reg.User.Hex()))
	r.RefreshContacts(ctx)
}

// RefreshContacts merges the remote contact list into the local set.
func (r *Reconciler) RefreshContacts(ctx context.Context) []common.Address {
	added := r.contacts.Merge(r.src.GetContacts(ctx))
	r.bus.Emit(bus.ContactsRefreshed, r.contacts.List())
	return added
}

// AppendOptimistic adds m to the selected conversation ahead of remote
// confirmation. It returns false when m does not belong to the selected
// conversation or an equivalent entry is already present.
func (r *Reconciler) AppendOptimistic(m chat.Message) (Token, bool) {
	r.mu.Lock()
	if !r.hasPeer || !m.Between(r.self, r.selected) || chat.ContainsSame(r.view, m, r.window) {
		r.mu.Unlock()
		return 0, false
	}
	r.nextToken++
	tok := r.nextToken
	r.pending[tok] = m
	view := append(slices.Clone(r.view), m)
	chat.SortByTime(view)
	r.view = view
	upd := r.updateLocked(r.selected, "optimistic")
	r.mu.Unlock()

	r.bus.Emit(bus.ConversationUpdated, upd)
	return tok, true
}

// Confirm re-stamps an optimistic entry with its inclusion time ts, so the
// confirmed copy matches it however long inclusion took. An entry that a
// confirmed copy already covers is dropped. Unknown tokens are ignored.
func (r *Reconciler) Confirm(tok Token, ts int64) bool {
	r.mu.Lock()
	m, ok := r.pending[tok]
	if !ok {
		r.mu.Unlock()
		return false
	}
	view := slices.Clone(r.view)
	if i := slices.Index(view, m); i >= 0 {
		view = slices.Delete(view, i, i+1)
	}
	stamped := m
	stamped.Timestamp = ts
	covered := slices.ContainsFunc(view, func(e chat.Message) bool {
		return !r.isPendingLocked(e) && e.SameAs(stamped, r.window)
	})
	if covered {
		delete(r.pending, tok)
	} else {
		r.pending[tok] = stamped
		view = append(view, stamped)
		chat.SortByTime(view)
	}
	r.view = view
	upd := r.updateLocked(r.selected, "confirm")
	r.mu.Unlock()

	r.bus.Emit(bus.ConversationUpdated, upd)
	return true
}

// Rollback removes an optimistic entry whose send failed. Unknown tokens,
// including those discarded by a conversation switch, are ignored.
func (r *Reconciler) Rollback(tok Token) bool {
	r.mu.Lock()
	m, ok := r.pending[tok]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, tok)
	idx := slices.Index(r.view, m)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.view = slices.Delete(slices.Clone(r.view), idx, idx+1)
	upd := r.updateLocked(r.selected, "rollback")
	r.mu.Unlock()

	r.bus.Emit(bus.ConversationUpdated, upd)
	return true
}

// MarkRead replaces the first entry equal to m with a read copy.
func (r *Reconciler) MarkRead(m chat.Message) bool {
	r.mu.Lock()
	idx := slices.IndexFunc(r.view, func(e chat.Message) bool {
		return e.Sender == m.Sender && e.Receiver == m.Receiver && e.Content == m.Content && e.Timestamp == m.Timestamp
	})
	if idx < 0 || r.view[idx].Read {
		r.mu.Unlock()
		return false
	}
	view := slices.Clone(r.view)
	view[idx] = view[idx].WithRead()
	r.view = view
	upd := r.updateLocked(r.selected, "read")
	r.mu.Unlock()

	r.bus.Emit(bus.ConversationUpdated, upd)
	return true
}

// AddContact inserts addr into the contact set and reports whether it was new.
func (r *Reconciler) AddContact(addr common.Address) bool {
	if !r.contacts.Add(addr) {
		return false
	}
	r.bus.Emit(bus.ContactAdded, addr)
	return true
}

// Messages returns a snapshot of the selected conversation.
func (r *Reconciler) Messages() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.view)
}

// Selected returns the selected peer, if any.
func (r *Reconciler) Selected() (common.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected, r.hasPeer
}

// Contacts returns the contact set in discovery order.
func (r *Reconciler) Contacts() []common.Address {
	return r.contacts.List()
}

// Running reports whether Start succeeded and Stop has not been called.
func (r *Reconciler) Running() bool {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.running
}

// ActiveTimers returns the number of live poll loops (0 or 1).
func (r *Reconciler) ActiveTimers() int { return int(r.timers.Load()) }

// LiveSubscriptions returns the number of attached remote subscriptions.
func (r *Reconciler) LiveSubscriptions() int { return int(r.liveSubs.Load()) }

// Package notice keeps the dismissible, auto-expiring notices shown to the
// user.
package notice

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chainerr"
)

// DefaultTTL is how long a notice stays visible.
const DefaultTTL = 10 * time.Second

// Kind groups notices so a whole category can be cleared at once.
type Kind string

const (
	Wallet      Kind = "wallet"
	Network     Kind = "network"
	Contract    Kind = "contract"
	Transaction Kind = "transaction"
	Validation  Kind = "validation"
	Success     Kind = "success"
	Info        Kind = "info"
)

// Notice is one user-facing message.
type Notice struct {
	ID      string
	Kind    Kind
	Title   string
	Message string
	Link    string
	Created time.Time
	Expires time.Time
}

// Board holds active notices. Expired notices are dropped lazily.
type Board struct {
	mu     sync.Mutex
	items  []Notice
	ttl    time.Duration
	bus    *bus.Bus
	now    func() time.Time
	timers map[*time.Timer]struct{}
}

// NewBoard creates a board. ttl <= 0 uses DefaultTTL.
func NewBoard(b *bus.Bus, ttl time.Duration) *Board {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Board{
		ttl:    ttl,
		bus:    b,
		now:    time.Now,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Post adds a notice and returns it.
func (b *Board) Post(kind Kind, title, message string) Notice {
	return b.PostLink(kind, title, message, "")
}

// PostLink adds a notice carrying a link (an explorer URL for transactions).
func (b *Board) PostLink(kind Kind, title, message, link string) Notice {
	now := b.now()
	n := Notice{
		ID:      uuid.NewString(),
		Kind:    kind,
		Title:   title,
		Message: message,
		Link:    link,
		Created: now,
		Expires: now.Add(b.ttl),
	}
	b.mu.Lock()
	b.pruneLocked(now)
	b.items = append(b.items, n)
	b.mu.Unlock()
	b.bus.Emit(bus.NoticePosted, n)
	return n
}

// PostError posts err under the notice kind matching its classification.
func (b *Board) PostError(err error) Notice {
	kind, title := describe(chainerr.KindOf(err))
	msg := chainerr.ReasonOf(err)
	if msg == "" {
		msg = err.Error()
	}
	return b.Post(kind, title, msg)
}

func describe(k chainerr.Kind) (Kind, string) {
	switch k {
	case chainerr.ProviderMissing:
		return Wallet, "Wallet not found"
	case chainerr.UserRejected:
		return Wallet, "Request rejected"
	case chainerr.AlreadyPending:
		return Wallet, "Request pending"
	case chainerr.NetworkMismatch:
		return Network, "Wrong network"
	case chainerr.InsufficientFunds:
		return Transaction, "Insufficient funds"
	case chainerr.Reverted:
		return Contract, "Transaction reverted"
	case chainerr.AlreadyRegistered:
		return Info, "Already registered"
	case chainerr.Invalid, chainerr.NotReady:
		return Validation, "Not allowed"
	default:
		return Contract, "Something went wrong"
	}
}

// Active returns the notices that have not expired, oldest first.
func (b *Board) Active() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return slices.Clone(b.items)
}

// Dismiss removes the notice with id and reports whether it existed.
func (b *Board) Dismiss(id string) bool {
	b.mu.Lock()
	idx := slices.IndexFunc(b.items, func(n Notice) bool { return n.ID == id })
	if idx < 0 {
		b.mu.Unlock()
		return false
	}
	b.items = slices.Delete(b.items, idx, idx+1)
	b.mu.Unlock()
	b.bus.Emit(bus.NoticeDismissed, id)
	return true
}

// ClearKind removes every notice of kind and returns how many went.
func (b *Board) ClearKind(kind Kind) int {
	b.mu.Lock()
	var removed []string
	b.items = slices.DeleteFunc(b.items, func(n Notice) bool {
		if n.Kind == kind {
			removed = append(removed, n.ID)
			return true
		}
		return false
	})
	b.mu.Unlock()
	for _, id := range removed {
		b.bus.Emit(bus.NoticeDismissed, id)
	}
	return len(removed)
}

// ClearKindAfter schedules ClearKind(kind) after d. The returned function
// cancels the pending clear.
func (b *Board) ClearKindAfter(kind Kind, d time.Duration) (cancel func()) {
	var t *time.Timer
	b.mu.Lock()
	t = time.AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		b.ClearKind(kind)
	})
	b.timers[t] = struct{}{}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.timers[t]; ok {
			t.Stop()
			delete(b.timers, t)
		}
	}
}

// PendingClears returns how many scheduled clears have not fired.
func (b *Board) PendingClears() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

// Close cancels scheduled clears and drops every notice.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	b.items = nil
}

func (b *Board) pruneLocked(now time.Time) {
	b.items = slices.DeleteFunc(b.items, func(n Notice) bool {
		return !now.Before(n.Expires)
	})
}

package chat

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NoIndex marks a message whose on-chain index is not known (pulled entries).
const NoIndex int64 = -1

// Message is one observed message. Values are never edited after they enter a
// conversation view; a read-status change produces a replacement value.
type Message struct {
	Sender    common.Address
	Receiver  common.Address
	Content   string
	Timestamp int64 // milliseconds since epoch
	Read      bool
	Index     int64 // global contract index, NoIndex when unknown
}

// Involves reports whether addr is the sender or the receiver.
func (m Message) Involves(addr common.Address) bool {
	return m.Sender == addr || m.Receiver == addr
}

// Counterpart returns the other endpoint relative to self.
func (m Message) Counterpart(self common.Address) common.Address {
	if m.Sender == self {
		return m.Receiver
	}
	return m.Sender
}

// Between reports whether the message belongs to the conversation {a, b}.
func (m Message) Between(a, b common.Address) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// Time returns the timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// WithRead returns a copy of m marked as read.
func (m Message) WithRead() Message {
	m.Read = true
	return m
}

// WithIndex returns a copy of m carrying the contract index i.
func (m Message) WithIndex(i int64) Message {
	m.Index = i
	return m
}

// SameAs is the tolerant equality used for deduplication: same sender,
// receiver and content, timestamps less than window apart.
func (m Message) SameAs(o Message, window time.Duration) bool {
	if m.Sender != o.Sender || m.Receiver != o.Receiver || m.Content != o.Content {
		return false
	}
	d := m.Timestamp - o.Timestamp
	if d < 0 {
		d = -d
	}
	return d < window.Milliseconds()
}

// Confirms reports whether m can be the confirmed copy of the optimistic
// entry pending: same endpoints and content, stamped no earlier than window
// before it. Inclusion may take longer than window, so there is no upper
// bound.
func (m Message) Confirms(pending Message, window time.Duration) bool {
	if m.Sender != pending.Sender || m.Receiver != pending.Receiver || m.Content != pending.Content {
		return false
	}
	return m.Timestamp > pending.Timestamp-window.Milliseconds()
}

// SortByTime orders msgs ascending by timestamp, keeping arrival order on ties.
func SortByTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}

// Dedupe returns msgs without entries that tolerantly match an earlier one.
func Dedupe(msgs []Message, window time.Duration) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !ContainsSame(out, m, window) {
			out = append(out, m)
		}
	}
	return out
}

// ContainsSame reports whether any entry of msgs tolerantly matches m.
func ContainsSame(msgs []Message, m Message, window time.Duration) bool {
	for _, existing := range msgs {
		if existing.SameAs(m, window) {
			return true
		}
	}
	return false
}

// LastMessage is the summary returned by the contract for a conversation.
type LastMessage struct {
	Sender    common.Address
	Content   string
	Timestamp int64
	Read      bool
}

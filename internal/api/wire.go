package api

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/gateway"
	"github.com/matheus3301/ethchat/internal/messenger"
	"github.com/matheus3301/ethchat/internal/notice"
	"github.com/matheus3301/ethchat/internal/outbox"
	"github.com/matheus3301/ethchat/internal/status"
	"github.com/matheus3301/ethchat/internal/store"
	chatsync "github.com/matheus3301/ethchat/internal/sync"
	"github.com/matheus3301/ethchat/internal/wallet"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Requests and replies travel as structpb.Struct. These are their typed
// shapes on both ends.

type Empty struct{}

type StatusReply struct {
	Profile           string `json:"profile"`
	State             string `json:"state"`
	Account           string `json:"account,omitempty"`
	ChainID           uint64 `json:"chain_id,omitempty"`
	ExpectedChainID   uint64 `json:"expected_chain_id"`
	Selected          string `json:"selected,omitempty"`
	Contacts          int    `json:"contacts"`
	ActiveTimers      int    `json:"active_timers"`
	LiveSubscriptions int    `json:"live_subscriptions"`
	WalletListeners   int    `json:"wallet_listeners"`
	UptimeMs          int64  `json:"uptime_ms"`
	CachedMessages    int64  `json:"cached_messages"`
}

type StateReply struct {
	State string `json:"state"`
}

type Message struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Read      bool   `json:"read"`
	Index     int64  `json:"index"`
}

type Tx struct {
	Hash    string `json:"hash"`
	GasUsed uint64 `json:"gas_used"`
	Block   uint64 `json:"block"`
	URL     string `json:"url,omitempty"`
}

type RegisterRequest struct {
	Key string `json:"key,omitempty"`
}

type Contact struct {
	Address       string `json:"address"`
	HasKey        bool   `json:"has_key"`
	HasLast       bool   `json:"has_last"`
	LastSender    string `json:"last_sender,omitempty"`
	LastContent   string `json:"last_content,omitempty"`
	LastTimestamp int64  `json:"last_timestamp,omitempty"`
	LastRead      bool   `json:"last_read,omitempty"`
}

type ContactsReply struct {
	Contacts []Contact `json:"contacts"`
}

type AddContactRequest struct {
	Address string `json:"address"`
}

type AddContactReply struct {
	Address string `json:"address"`
	Added   bool   `json:"added"`
}

type PeerRequest struct {
	Peer string `json:"peer"`
}

type ConversationReply struct {
	Peer     string    `json:"peer"`
	Messages []Message `json:"messages"`
}

type SendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type SendReply struct {
	ClientMsgID string  `json:"client_msg_id"`
	Message     Message `json:"message"`
	Tx          Tx      `json:"tx"`
}

type MarkReadRequest struct {
	Message Message `json:"message"`
}

type BalanceReply struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

type Notice struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
	Created int64  `json:"created"`
	Expires int64  `json:"expires"`
}

type NoticesReply struct {
	Notices []Notice `json:"notices"`
}

type DismissRequest struct {
	ID string `json:"id"`
}

type DismissReply struct {
	Dismissed bool `json:"dismissed"`
}

type HistoryRequest struct {
	Peer   string `json:"peer"`
	Before int64  `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type SearchHit struct {
	Peer    string  `json:"peer"`
	Message Message `json:"message"`
}

type SearchReply struct {
	Results []SearchHit `json:"results"`
}

type WatchRequest struct {
	// Prefix filters events by kind prefix; empty means every event.
	Prefix string `json:"prefix,omitempty"`
}

type WatchEvent struct {
	Kind      string   `json:"kind"`
	Timestamp int64    `json:"timestamp"`
	Peer      string   `json:"peer,omitempty"`
	State     string   `json:"state,omitempty"`
	Text      string   `json:"text,omitempty"`
	Message   *Message `json:"message,omitempty"`
	Notice    *Notice  `json:"notice,omitempty"`
}

// Encode converts v to a Struct through its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// Decode fills v from s.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

func hexOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func messageToWire(m chat.Message) Message {
	return Message{
		Sender:    m.Sender.Hex(),
		Receiver:  m.Receiver.Hex(),
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Read:      m.Read,
		Index:     m.Index,
	}
}

func messagesToWire(msgs []chat.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = messageToWire(m)
	}
	return out
}

// MessageFromWire parses the addresses of a wire message.
func MessageFromWire(m Message) (chat.Message, error) {
	sender, err := chat.ParseAddress(m.Sender)
	if err != nil {
		return chat.Message{}, fmt.Errorf("sender: %w", err)
	}
	receiver, err := chat.ParseAddress(m.Receiver)
	if err != nil {
		return chat.Message{}, fmt.Errorf("receiver: %w", err)
	}
	return chat.Message{
		Sender:    sender,
		Receiver:  receiver,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Read:      m.Read,
		Index:     m.Index,
	}, nil
}

func txToWire(r *gateway.TxResult) Tx {
	if r == nil {
		return Tx{}
	}
	return Tx{Hash: r.Hash.Hex(), GasUsed: r.GasUsed, Block: r.BlockNumber, URL: r.URL}
}

func contactToWire(c gateway.ContactSummary) Contact {
	out := Contact{Address: c.Address.Hex(), HasKey: c.HasKey, HasLast: c.HasLast}
	if c.HasLast {
		out.LastSender = c.Last.Sender.Hex()
		out.LastContent = c.Last.Content
		out.LastTimestamp = c.Last.Timestamp
		out.LastRead = c.Last.Read
	}
	return out
}

func noticeToWire(n notice.Notice) Notice {
	return Notice{
		ID:      n.ID,
		Kind:    string(n.Kind),
		Title:   n.Title,
		Message: n.Message,
		Link:    n.Link,
		Created: n.Created.UnixMilli(),
		Expires: n.Expires.UnixMilli(),
	}
}

func statusToWire(info messenger.StatusInfo) StatusReply {
	r := StatusReply{
		State:             string(info.State),
		Account:           hexOrEmpty(info.Account),
		ChainID:           info.ChainID,
		ExpectedChainID:   info.ExpectedChainID,
		Contacts:          info.Contacts,
		ActiveTimers:      info.ActiveTimers,
		LiveSubscriptions: info.LiveSubscriptions,
		WalletListeners:   info.WalletListeners,
	}
	if info.HasSelection {
		r.Selected = info.Selected.Hex()
	}
	return r
}

func searchToWire(results []store.SearchResult) []SearchHit {
	out := make([]SearchHit, len(results))
	for i, r := range results {
		out[i] = SearchHit{Peer: r.Peer.Hex(), Message: messageToWire(r.Message)}
	}
	return out
}

// eventToWire flattens a bus event into something a client can render.
func eventToWire(evt bus.Event) WatchEvent {
	w := WatchEvent{Kind: evt.Kind, Timestamp: evt.Timestamp.UnixMilli()}
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		w.State = string(p.To)
		w.Text = fmt.Sprintf("%s -> %s", p.From, p.To)
	case chat.Message:
		m := messageToWire(p)
		w.Message = &m
	case chatsync.Update:
		w.Peer = p.Peer.Hex()
		w.Text = fmt.Sprintf("%s: %d messages", p.Reason, len(p.Messages))
	case common.Address:
		w.Peer = p.Hex()
	case []common.Address:
		w.Text = fmt.Sprintf("%d contacts", len(p))
	case chatsync.Backfill:
		w.Text = fmt.Sprintf("%d messages from blocks %d-%d", p.Messages, p.FromBlock, p.ToBlock)
	case wallet.Change:
		w.Text = string(p.Kind)
	case outbox.Ack:
		m := messageToWire(p.Message)
		w.Message = &m
		w.Text = p.Tx.URL
	case outbox.Failure:
		w.Peer = p.Receiver.Hex()
		w.Text = fmt.Sprintf("%s: %s", p.Kind, p.Reason)
	case notice.Notice:
		n := noticeToWire(p)
		w.Notice = &n
	case string:
		w.Text = p
	case fmt.Stringer:
		w.Text = p.String()
	}
	return w
}

package store

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/chat"
)

// Conversation summarizes the cached messages exchanged with one peer.
type Conversation struct {
	Peer          common.Address
	Messages      int
	Unread        int
	LastMessageAt int64
	LastPreview   string
}

// Contact is a cached contact of an account.
type Contact struct {
	Address common.Address
	Source  string // remote, push, manual, send
}

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry represents an outgoing message and its fate.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	Account      common.Address
	Receiver     common.Address
	Body         string
	Status       string
	TxHash       string
	ErrorKind    string
	ErrorMessage string
	CreatedAt    int64
}

// SearchResult holds a cached message that matched a search.
type SearchResult struct {
	Peer    common.Address
	Message chat.Message
}

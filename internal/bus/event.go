package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by the namespace prefix before the dot.
const (
	SessionStatusChanged = "session.status_changed"
	SessionReloading     = "session.reloading"

	WalletAccountsChanged = "wallet.accounts_changed"
	WalletChainChanged    = "wallet.chain_changed"

	ConversationSelected = "conversation.selected"
	ConversationUpdated  = "conversation.updated"
	ConversationCleared  = "conversation.cleared"

	MessageReceived   = "message.received"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"
	MessageRead       = "message.read"

	SyncBackfilled = "sync.backfilled"

	ContactAdded      = "contact.added"
	ContactsRefreshed = "contact.refreshed"

	NoticePosted    = "notice.posted"
	NoticeDismissed = "notice.dismissed"
)

package sync

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/store"
	"go.uber.org/zap"
)

// DefaultBackfillBlocks bounds the first log scan for an account without a
// checkpoint.
const DefaultBackfillBlocks = 50_000

// BackfillChunk is the widest block range asked of the node in one log query.
const BackfillChunk = 5_000

// HistorySource reads past MessageSent events.
type HistorySource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	// RecentMessages scans blocks start through end and reports the last
	// block it covered.
	RecentMessages(ctx context.Context, start, end uint64) ([]chat.Message, uint64, bool)
}

// Backfill is the payload of bus.SyncBackfilled.
type Backfill struct {
	Messages  int
	FromBlock uint64
	ToBlock   uint64
}

// Engine archives what the reconciler observes into the local cache. It
// subscribes to conversation, message and contact events on the bus and
// upserts idempotently; the cache never feeds back into a live view.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	account common.Address
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start begins archiving events for account. A running engine is stopped
// first.
func (e *Engine) Start(ctx context.Context, account common.Address) {
	e.Stop()
	ctx, e.cancel = context.WithCancel(ctx)
	e.account = account
	e.done = make(chan struct{})

	// one subscription per namespace; the bus filters by prefix
	convs, unsubConvs := e.bus.Subscribe("conversation.", 256)
	msgs, unsubMsgs := e.bus.Subscribe("message.", 256)
	contacts, unsubContacts := e.bus.Subscribe("contact.", 64)

	go func(done chan struct{}) {
		defer close(done)
		defer unsubConvs()
		defer unsubMsgs()
		defer unsubContacts()
		for {
			select {
			case evt := <-convs:
				e.handleEvent(evt)
			case evt := <-msgs:
				e.handleEvent(evt)
			case evt := <-contacts:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}(e.done)
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.ConversationUpdated:
		upd, ok := evt.Payload.(Update)
		if !ok {
			return
		}
		if err := e.IngestUpdate(upd); err != nil {
			e.logger.Error("failed to ingest conversation update", zap.Error(err), zap.String("peer", upd.Peer.Hex()))
		}
	case bus.MessageReceived:
		m, ok := evt.Payload.(chat.Message)
		if !ok {
			return
		}
		if err := e.db.UpsertMessage(e.account, m); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err))
		}
	case bus.MessageRead:
		m, ok := evt.Payload.(chat.Message)
		if !ok {
			return
		}
		if err := e.db.MarkMessageRead(m); err != nil {
			e.logger.Error("failed to mark cached message read", zap.Error(err))
		}
	case bus.ContactAdded:
		addr, ok := evt.Payload.(common.Address)
		if !ok {
			return
		}
		if err := e.db.UpsertContact(e.account, addr, "discovered"); err != nil {
			e.logger.Error("failed to ingest contact", zap.Error(err))
		}
	case bus.ContactsRefreshed:
		addrs, ok := evt.Payload.([]common.Address)
		if !ok {
			return
		}
		if err := e.db.BulkUpsertContacts(e.account, addrs, "remote"); err != nil {
			e.logger.Error("failed to ingest contact list", zap.Error(err), zap.Int("count", len(addrs)))
		}
	}
}

// IngestUpdate stores the confirmed part of a conversation snapshot and, for
// pulls, the remote count checkpoint.
func (e *Engine) IngestUpdate(upd Update) error {
	switch upd.Reason {
	case "pull", "push", "read":
	default:
		return nil
	}
	confirmed := make([]chat.Message, 0, len(upd.Messages))
	for _, m := range upd.Messages {
		if !isPending(upd.Pending, m) {
			confirmed = append(confirmed, m)
		}
	}
	if err := e.db.UpsertMessages(e.account, confirmed); err != nil {
		return fmt.Errorf("upsert messages: %w", err)
	}
	if upd.Reason == "pull" && upd.RemoteCount >= 0 {
		if err := e.db.SetUintCheckpoint(CountKey(e.account, upd.Peer), uint64(upd.RemoteCount)); err != nil {
			return fmt.Errorf("update checkpoint: %w", err)
		}
	}
	return nil
}

func isPending(pending []chat.Message, m chat.Message) bool {
	for _, p := range pending {
		if p == m {
			return true
		}
	}
	return false
}

// Backfill archives MessageSent events involving the account since the last
// checkpoint, or from the last DefaultBackfillBlocks blocks on first run. The
// range is scanned in BackfillChunk sized calls and the checkpoint advances
// after each one.
func (e *Engine) Backfill(ctx context.Context, src HistorySource) (*Backfill, error) {
	key := BlockKey(e.account)
	last, err := e.db.GetUintCheckpoint(key)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	head, err := src.HeadBlock(ctx)
	if err != nil {
		return nil, err
	}
	start := last + 1
	if last == 0 {
		start = 0
		if head > DefaultBackfillBlocks {
			start = head - DefaultBackfillBlocks
		}
	}

	res := &Backfill{FromBlock: start, ToBlock: last}
	for from := start; from <= head; {
		to := min(from+BackfillChunk-1, head)
		msgs, end, ok := src.RecentMessages(ctx, from, to)
		if !ok {
			return nil, fmt.Errorf("scan message events in blocks %d-%d", from, to)
		}
		if err := e.db.UpsertMessages(e.account, msgs); err != nil {
			return nil, fmt.Errorf("upsert backfill: %w", err)
		}
		res.Messages += len(msgs)
		if end < from {
			break
		}
		if err := e.db.SetUintCheckpoint(key, end); err != nil {
			return nil, fmt.Errorf("update checkpoint: %w", err)
		}
		res.ToBlock = end
		from = end + 1
	}

	e.bus.Emit(bus.SyncBackfilled, *res)
	e.logger.Info("history backfilled",
		zap.Int("messages", res.Messages),
		zap.Uint64("from_block", res.FromBlock),
		zap.Uint64("to_block", res.ToBlock))
	return res, nil
}

// BlockKey is the checkpoint holding the last scanned block for account.
func BlockKey(account common.Address) string {
	return "last_block:" + chat.Canonical(account)
}

// CountKey is the checkpoint holding the last pulled remote count of a
// conversation.
func CountKey(account, peer common.Address) string {
	return "remote_count:" + chat.Canonical(account) + ":" + chat.Canonical(peer)
}

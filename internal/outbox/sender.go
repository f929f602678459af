// Package outbox runs the send pipeline: record the outgoing message,
// show it optimistically, submit it, and settle the record and the view on
// the outcome.
package outbox

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/gateway"
	"github.com/matheus3301/ethchat/internal/store"
	"github.com/matheus3301/ethchat/internal/sync"
	"go.uber.org/zap"
)

// TextSender submits a message to the contract and waits for inclusion.
type TextSender interface {
	SendMessage(ctx context.Context, receiver common.Address, text string) (*gateway.TxResult, error)
}

// View is the optimistic side of the conversation reconciler.
type View interface {
	AppendOptimistic(m chat.Message) (sync.Token, bool)
	Confirm(tok sync.Token, ts int64) bool
	Rollback(tok sync.Token) bool
}

// Ack is the payload of bus.MessageSendAck.
type Ack struct {
	ClientMsgID string
	Message     chat.Message
	Tx          gateway.TxResult
}

// Failure is the payload of bus.MessageSendFailed.
type Failure struct {
	ClientMsgID string
	Receiver    common.Address
	Kind        chainerr.Kind
	Reason      string
}

// Sender sends on behalf of one connected account.
type Sender struct {
	db      *store.DB
	tx      TextSender
	view    View
	account common.Address
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time
}

// NewSender creates a sender. db may be nil when no local cache is open.
func NewSender(db *store.DB, tx TextSender, view View, account common.Address, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:      db,
		tx:      tx,
		view:    view,
		account: account,
		bus:     b,
		logger:  logger,
		now:     time.Now,
	}
}

// Send appends text to the receiver's conversation view, submits it and
// blocks until it is included. On failure the optimistic entry is removed
// and the classified error returned.
func (s *Sender) Send(ctx context.Context, receiver common.Address, text string) (*Ack, error) {
	clientMsgID := uuid.NewString()
	log := s.logger.With(zap.String("client_msg_id", clientMsgID), zap.String("receiver", receiver.Hex()))

	s.record("queue", s.queue(clientMsgID, receiver, text), log)

	m := chat.Message{
		Sender:    s.account,
		Receiver:  receiver,
		Content:   text,
		Timestamp: s.now().UnixMilli(),
		Index:     chat.NoIndex,
	}
	tok, shown := s.view.AppendOptimistic(m)

	s.record("mark sending", s.markSending(clientMsgID), log)
	res, err := s.tx.SendMessage(ctx, receiver, text)
	if err != nil {
		if shown {
			s.view.Rollback(tok)
		}
		c := chainerr.Classify(err)
		s.record("mark failed", s.markFailed(clientMsgID, c), log)
		log.Warn("send failed", zap.String("kind", string(c.Kind)), zap.Error(err))
		s.bus.Emit(bus.MessageSendFailed, Failure{
			ClientMsgID: clientMsgID,
			Receiver:    receiver,
			Kind:        c.Kind,
			Reason:      c.Reason,
		})
		return nil, c
	}

	// The ledger stamps the message at inclusion, which can be far later
	// than the optimistic stamp.
	m.Timestamp = res.BlockTime
	if m.Timestamp == 0 {
		m.Timestamp = s.now().UnixMilli()
	}
	if shown {
		s.view.Confirm(tok, m.Timestamp)
	}

	s.record("mark sent", s.markSent(clientMsgID, res.Hash.Hex()), log)
	log.Info("message sent", zap.String("tx", res.Hash.Hex()), zap.Uint64("gas_used", res.GasUsed))
	ack := &Ack{ClientMsgID: clientMsgID, Message: m, Tx: *res}
	s.bus.Emit(bus.MessageSendAck, *ack)
	return ack, nil
}

// Recover marks entries left queued or sending by a previous run as failed:
// their outcome is unknown to this process. It returns how many were marked.
func (s *Sender) Recover() (int, error) {
	if s.db == nil {
		return 0, nil
	}
	pending, err := s.db.PendingOutbox()
	if err != nil {
		return 0, err
	}
	for _, e := range pending {
		if err := s.db.MarkOutboxFailed(e.ClientMsgID, string(chainerr.Unknown), "interrupted before confirmation"); err != nil {
			return 0, err
		}
	}
	if len(pending) > 0 {
		s.logger.Warn("outbox entries interrupted by restart", zap.Int("count", len(pending)))
	}
	return len(pending), nil
}

// record logs a cache write failure. The cache is advisory, so sending
// proceeds regardless.
func (s *Sender) record(op string, err error, log *zap.Logger) {
	if err != nil {
		log.Error("outbox "+op+" failed", zap.Error(err))
	}
}

func (s *Sender) queue(id string, receiver common.Address, text string) error {
	if s.db == nil {
		return nil
	}
	return s.db.QueueOutbox(id, s.account, receiver, text)
}

func (s *Sender) markSending(id string) error {
	if s.db == nil {
		return nil
	}
	return s.db.MarkOutboxSending(id)
}

func (s *Sender) markSent(id, txHash string) error {
	if s.db == nil {
		return nil
	}
	return s.db.MarkOutboxSent(id, txHash)
}

func (s *Sender) markFailed(id string, c *chainerr.Error) error {
	if s.db == nil {
		return nil
	}
	return s.db.MarkOutboxFailed(id, string(c.Kind), c.Reason)
}

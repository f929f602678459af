// Package api serves the daemon control API: a hand-declared gRPC service
// whose requests and replies are structpb.Struct values.
package api

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/gateway"
	"github.com/matheus3301/ethchat/internal/messenger"
	"github.com/matheus3301/ethchat/internal/notice"
	"github.com/matheus3301/ethchat/internal/outbox"
	"github.com/matheus3301/ethchat/internal/status"
	"github.com/matheus3301/ethchat/internal/store"
	"github.com/matheus3301/ethchat/internal/wallet"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Default page sizes for History and Search.
const (
	DefaultHistoryLimit = 50
	DefaultSearchLimit  = 20
)

// Messenger is the session controller as the API sees it.
type Messenger interface {
	Status() messenger.StatusInfo
	Connect(ctx context.Context) (status.State, error)
	Register(ctx context.Context, key string) (*gateway.TxResult, error)
	Logout()
	Contacts(ctx context.Context) ([]gateway.ContactSummary, error)
	AddContact(ctx context.Context, input string) (common.Address, bool, error)
	Select(ctx context.Context, peer common.Address) ([]chat.Message, error)
	Deselect() error
	Messages() (common.Address, []chat.Message, error)
	Send(ctx context.Context, receiver common.Address, text string) (*outbox.Ack, error)
	MarkRead(ctx context.Context, m chat.Message) (*gateway.TxResult, error)
	Balance(ctx context.Context) (*big.Int, error)
	Notices() []notice.Notice
	DismissNotice(id string) bool
	History(peer common.Address, beforeTs int64, limit int) ([]chat.Message, error)
	Search(query string, limit int) ([]store.SearchResult, error)
}

// Service implements the Messenger gRPC service.
type Service struct {
	profile   string
	startedAt time.Time
	m         Messenger
	bus       *bus.Bus
	db        *store.DB
	logger    *zap.Logger
}

// NewService creates the API service. db may be nil.
func NewService(profile string, m Messenger, b *bus.Bus, db *store.DB, logger *zap.Logger) *Service {
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		m:         m,
		bus:       b,
		db:        db,
		logger:    logger,
	}
}

// Attach registers the service on srv.
func (s *Service) Attach(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&ServiceDesc, s)
}

func reply(v any) (*structpb.Struct, error) {
	return Encode(v)
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	r := statusToWire(s.m.Status())
	r.Profile = s.profile
	r.UptimeMs = time.Since(s.startedAt).Milliseconds()
	if s.db != nil {
		if n, err := s.db.MessageCount(); err == nil {
			r.CachedMessages = n
		}
	}
	return reply(r)
}

func (s *Service) Connect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.m.Connect(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(StateReply{State: string(st)})
}

func (s *Service) Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RegisterRequest
	if err := Decode(in, &req); err != nil {
		return nil, invalid("%v", err)
	}
	res, err := s.m.Register(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(txToWire(res))
}

func (s *Service) Logout(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.m.Logout()
	return reply(StateReply{State: string(s.m.Status().State)})
}

func (s *Service) Contacts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	summaries, err := s.m.Contacts(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out := ContactsReply{Contacts: make([]Contact, len(summaries))}
	for i, c := range summaries {
		out.Contacts[i] = contactToWire(c)
	}
	return reply(out)
}

func (s *Service) AddContact(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AddContactRequest
	if err := Decode(in, &req); err != nil {
		return nil, invalid("%v", err)
	}
	addr, added, err := s.m.AddContact(ctx, req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(AddContactReply{Address: addr.Hex(), Added: added})
}

func (s *Service) Select(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	peer, err := s.decodePeer(in)
	if err != nil {
		return nil, err
	}
	msgs, err := s.m.Select(ctx, peer)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(ConversationReply{Peer: peer.Hex(), Messages: messagesToWire(msgs)})
}

func (s *Service) Deselect(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.m.Deselect(); err != nil {
		return nil, toStatus(err)
	}
	return reply(Empty{})
}

func (s *Service) Messages(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	peer, msgs, err := s.m.Messages()
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(ConversationReply{Peer: peer.Hex(), Messages: messagesToWire(msgs)})
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := Decode(in, &req); err != nil {
		return nil, invalid("%v", err)
	}
	to, err := chat.ParseAddress(req.To)
	if err != nil {
		return nil, invalid("receiver: %v", err)
	}
	ack, err := s.m.Send(ctx, to, req.Text)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(SendReply{
		ClientMsgID: ack.ClientMsgID,
		Message:     messageToWire(ack.Message),
		Tx:          txToWire(&ack.Tx),
	})
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MarkReadRequest
	if err := Decode(in, &req); err != nil {
		return nil, invalid("%v", err)
	}
	m, err := MessageFromWire(req.Message)
	if err != nil {
		return nil, invalid("%v", err)
	}
	res, err := s.m.MarkRead(ctx, m)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(txToWire(res))
}

func (s *Service) Balance(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	wei, err := s.m.Balance(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(BalanceReply{Wei: wei.String(), Ether: wallet.FormatEther(wei)})
}

func (s *Service) Notices(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	active := s.m.Notices()
	out := NoticesReply{Notices: make([]Notice, len(active))}
	for i, n := range active {
		out.Notices[i] = noticeToWire(n)
	}
	return reply(out)
}

func (s *Service) DismissNotice(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DismissRequest
	if err := Decode(in, &req); err != nil {
		return nil, invalid("%v", err)
	}
	return reply(DismissReply{Dismissed: s.m.DismissNotice(req.ID)})
}

func (s *Service) History(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req HistoryRequest
	if err := Decode(in, &req); err != nil {
		return nil, invalid("%v", err)
	}
	peer, err := chat.ParseAddress(req.Peer)
	if err != nil {
		return nil, invalid("peer: %v", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	msgs, err := s.m.History(peer, req.Before, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(ConversationReply{Peer: peer.Hex(), Messages: messagesToWire(msgs)})
}

func (s *Service) Search(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SearchRequest
	if err := Decode(in, &req); err != nil {
		return nil, invalid("%v", err)
	}
	if req.Query == "" {
		return nil, invalid("empty query")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	results, err := s.m.Search(req.Query, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(SearchReply{Results: searchToWire(results)})
}

// Watch streams bus events until the client goes away.
func (s *Service) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := Decode(in, &req); err != nil {
		return invalid("%v", err)
	}
	events, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-events:
			out, err := Encode(eventToWire(evt))
			if err != nil {
				s.logger.Warn("watch encode failed", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

func (s *Service) decodePeer(in *structpb.Struct) (common.Address, error) {
	var req PeerRequest
	if err := Decode(in, &req); err != nil {
		return common.Address{}, invalid("%v", err)
	}
	peer, err := chat.ParseAddress(req.Peer)
	if err != nil {
		return common.Address{}, invalid("peer: %v", err)
	}
	return peer, nil
}

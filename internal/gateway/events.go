package gateway

import (
	"context"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/codec"
	"go.uber.org/zap"
)

// messageSentLog mirrors MessageSent(sender, receiver, encryptedContent, timestamp, messageIndex).
type messageSentLog struct {
	Sender           common.Address
	Receiver         common.Address
	EncryptedContent string
	Timestamp        *big.Int
	MessageIndex     *big.Int
}

// Registration is a decoded PublicKeyRegistered event.
type Registration struct {
	User      common.Address
	PublicKey string
}

func (g *Gateway) decodeMessageSent(l types.Log) (chat.Message, error) {
	var ev messageSentLog
	if err := g.contract.UnpackLog(&ev, "MessageSent", l); err != nil {
		return chat.Message{}, err
	}
	index := chat.NoIndex
	if ev.MessageIndex != nil {
		index = ev.MessageIndex.Int64()
	}
	return chat.Message{
		Sender:    ev.Sender,
		Receiver:  ev.Receiver,
		Content:   codec.Decode(ev.EncryptedContent),
		Timestamp: secondsToMillis(ev.Timestamp),
		Index:     index,
	}, nil
}

func (g *Gateway) decodeRegistration(l types.Log) (Registration, error) {
	var ev Registration
	err := g.contract.UnpackLog(&ev, "PublicKeyRegistered", l)
	return ev, err
}

// WatchMessages streams every MessageSent event into sink until the
// returned subscription is unsubscribed or ctx ends. Filtering by
// participant is left to the caller.
func (g *Gateway) WatchMessages(ctx context.Context, sink chan<- chat.Message) (event.Subscription, error) {
	return watchDecoded(ctx, g, "MessageSent", g.decodeMessageSent, sink)
}

// WatchRegistrations streams PublicKeyRegistered events into sink.
func (g *Gateway) WatchRegistrations(ctx context.Context, sink chan<- Registration) (event.Subscription, error) {
	return watchDecoded(ctx, g, "PublicKeyRegistered", g.decodeRegistration, sink)
}

func watchDecoded[T any](ctx context.Context, g *Gateway, name string, decode func(types.Log) (T, error), sink chan<- T) (event.Subscription, error) {
	logs, sub, err := g.watchLogs(ctx, name)
	if err != nil {
		return nil, g.fail("watch"+name, err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				if l.Removed {
					continue
				}
				v, err := decode(l)
				if err != nil {
					g.logger.Warn("undecodable event", zap.String("event", name), zap.Error(err))
					continue
				}
				select {
				case sink <- v:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}), nil
}

// watchLogs subscribes to name, falling back to block-range polling when the
// endpoint has no push support (plain HTTP).
func (g *Gateway) watchLogs(ctx context.Context, name string) (<-chan types.Log, event.Subscription, error) {
	logs, sub, err := g.contract.WatchLogs(&bind.WatchOpts{Context: ctx}, name)
	if err == nil {
		return logs, sub, nil
	}
	if !errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return nil, nil, err
	}
	g.logger.Info("endpoint cannot push logs, polling", zap.String("event", name), zap.Duration("interval", g.logPollInterval))
	return g.pollLogs(ctx, name)
}

func (g *Gateway) pollLogs(ctx context.Context, name string) (<-chan types.Log, event.Subscription, error) {
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	next := head.Number.Uint64() + 1
	out := make(chan types.Log, 128)

	sub := event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(g.logPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logs, last, err := g.filterRange(ctx, name, next, math.MaxUint64)
				if err != nil {
					g.logger.Warn("log poll failed", zap.String("event", name), zap.Error(err))
					continue
				}
				for _, l := range logs {
					select {
					case out <- l:
					case <-quit:
						return nil
					}
				}
				next = last + 1
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	})
	return out, sub, nil
}

// filterRange collects name logs from block start up to until, capped at the
// current head, and returns the last block it covered.
func (g *Gateway) filterRange(ctx context.Context, name string, start, until uint64) ([]types.Log, uint64, error) {
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	end := min(head.Number.Uint64(), until)
	if end < start {
		return nil, start - 1, nil
	}
	it, sub, err := g.contract.FilterLogs(&bind.FilterOpts{Start: start, End: &end, Context: ctx}, name)
	if err != nil {
		return nil, 0, err
	}
	defer sub.Unsubscribe()

	var logs []types.Log
	for {
		select {
		case l := <-it:
			logs = append(logs, l)
		case err := <-sub.Err():
			if err != nil {
				return nil, 0, err
			}
			// Drain whatever was buffered before the producer finished.
			for {
				select {
				case l := <-it:
					logs = append(logs, l)
				default:
					return logs, end, nil
				}
			}
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// RecentMessages returns MessageSent events involving the account in blocks
// start through end (capped at the head), plus the last block scanned. ok is
// false when the scan failed; the failure itself is only logged.
func (g *Gateway) RecentMessages(ctx context.Context, start, end uint64) (msgs []chat.Message, last uint64, ok bool) {
	logs, last, err := g.filterRange(ctx, "MessageSent", start, end)
	if err != nil {
		g.readFailed("recentMessages", err)
		return nil, 0, false
	}
	msgs = make([]chat.Message, 0, len(logs))
	for _, l := range logs {
		m, err := g.decodeMessageSent(l)
		if err != nil || !m.Involves(g.account) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, last, true
}

package gateway

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/codec"
	"github.com/matheus3301/ethchat/internal/metrics"
)

// onchainMessage mirrors the contract's Message struct.
type onchainMessage struct {
	Sender           common.Address
	Receiver         common.Address
	EncryptedContent string
	Timestamp        *big.Int
	IsRead           bool
}

func (m onchainMessage) toMessage() chat.Message {
	return chat.Message{
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   codec.Decode(m.EncryptedContent),
		Timestamp: secondsToMillis(m.Timestamp),
		Read:      m.IsRead,
		Index:     chat.NoIndex,
	}
}

// secondsToMillis converts a contract timestamp (seconds) to milliseconds.
func secondsToMillis(ts *big.Int) int64 {
	if ts == nil {
		return 0
	}
	return ts.Int64() * 1000
}

func (g *Gateway) call(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	err := g.contract.Call(&bind.CallOpts{Context: ctx, From: g.account}, &out, method, args...)
	metrics.ContractCalls.WithLabelValues(method, metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty output", method)
	}
	return out, nil
}

// convertMessages turns an unpacked tuple[] into messages.
func convertMessages(method string, v any) (msgs []chat.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: convert messages: %v", method, r)
		}
	}()
	raw := *abi.ConvertType(v, new([]onchainMessage)).(*[]onchainMessage)
	msgs = make([]chat.Message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, m.toMessage())
	}
	return msgs, nil
}

// HasPublicKey reports whether addr registered a key. False on any failure.
func (g *Gateway) HasPublicKey(ctx context.Context, addr common.Address) bool {
	out, err := g.call(ctx, "hasPublicKey", addr)
	if err != nil {
		g.readFailed("hasPublicKey", err)
		return false
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		g.readFailed("hasPublicKey", convertErr("hasPublicKey", out[0], "bool"))
		return false
	}
	return ok
}

// GetPublicKey returns the key registered for addr. Unlike the other reads
// it propagates failures, since callers use it to decide whether a peer is
// addressable.
func (g *Gateway) GetPublicKey(ctx context.Context, addr common.Address) (string, error) {
	out, err := g.call(ctx, "getPublicKey", addr)
	if err != nil {
		return "", g.fail("getPublicKey", err)
	}
	key, ok := out[0].(string)
	if !ok {
		return "", g.fail("getPublicKey", convertErr("getPublicKey", out[0], "string"))
	}
	return key, nil
}

// GetConversation returns the full conversation between the account and
// other, in contract order. Empty on any failure.
func (g *Gateway) GetConversation(ctx context.Context, other common.Address) []chat.Message {
	out, err := g.call(ctx, "getConversation", other)
	if err != nil {
		g.readFailed("getConversation", err)
		return nil
	}
	msgs, err := convertMessages("getConversation", out[0])
	if err != nil {
		g.readFailed("getConversation", err)
		return nil
	}
	return msgs
}

// GetMessages returns the messages sent from sender to receiver.
func (g *Gateway) GetMessages(ctx context.Context, sender, receiver common.Address) []chat.Message {
	out, err := g.call(ctx, "getMessages", sender, receiver)
	if err != nil {
		g.readFailed("getMessages", err)
		return nil
	}
	msgs, err := convertMessages("getMessages", out[0])
	if err != nil {
		g.readFailed("getMessages", err)
		return nil
	}
	return msgs
}

// GetContacts lists the addresses the account has exchanged messages with.
func (g *Gateway) GetContacts(ctx context.Context) []common.Address {
	out, err := g.call(ctx, "getContacts")
	if err != nil {
		g.readFailed("getContacts", err)
		return nil
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		g.readFailed("getContacts", convertErr("getContacts", out[0], "[]common.Address"))
		return nil
	}
	return addrs
}

// GetLastMessage returns the latest message with other. ok is false when
// there is none or the read failed.
func (g *Gateway) GetLastMessage(ctx context.Context, other common.Address) (chat.LastMessage, bool) {
	out, err := g.call(ctx, "getLastMessage", other)
	if err != nil {
		g.readFailed("getLastMessage", err)
		return chat.LastMessage{}, false
	}
	if len(out) < 4 {
		g.readFailed("getLastMessage", fmt.Errorf("getLastMessage: %d outputs", len(out)))
		return chat.LastMessage{}, false
	}
	sender, _ := out[0].(common.Address)
	content, _ := out[1].(string)
	ts, _ := out[2].(*big.Int)
	read, _ := out[3].(bool)
	if sender == (common.Address{}) {
		return chat.LastMessage{}, false
	}
	return chat.LastMessage{
		Sender:    sender,
		Content:   codec.Decode(content),
		Timestamp: secondsToMillis(ts),
		Read:      read,
	}, true
}

// GetUnreadMessageCount returns how many messages addr has not read.
func (g *Gateway) GetUnreadMessageCount(ctx context.Context, addr common.Address) uint64 {
	return g.count(ctx, "getUnreadMessageCount", addr)
}

// TotalMessages returns the number of messages stored by the contract.
func (g *Gateway) TotalMessages(ctx context.Context) uint64 {
	return g.count(ctx, "totalMessages")
}

func (g *Gateway) count(ctx context.Context, method string, args ...any) uint64 {
	out, err := g.call(ctx, method, args...)
	if err != nil {
		g.readFailed(method, err)
		return 0
	}
	n, ok := out[0].(*big.Int)
	if !ok || n == nil {
		g.readFailed(method, convertErr(method, out[0], "*big.Int"))
		return 0
	}
	return n.Uint64()
}

// HeadBlock returns the latest block number.
func (g *Gateway) HeadBlock(ctx context.Context) (uint64, error) {
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, g.fail("headBlock", err)
	}
	return head.Number.Uint64(), nil
}

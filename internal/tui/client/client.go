package client

import (
	"context"
	"fmt"
	"io"

	"github.com/matheus3301/ethchat/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client for the daemon's Messenger service.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call invokes method with req and decodes the reply into out. Daemon
// errors come back as chainerr errors.
func (c *Client) call(ctx context.Context, method string, req, out any) error {
	in, err := api.Encode(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, reply); err != nil {
		return api.FromStatus(err)
	}
	if out == nil {
		return nil
	}
	return api.Decode(reply, out)
}

func (c *Client) Status(ctx context.Context) (*api.StatusReply, error) {
	var out api.StatusReply
	return &out, c.call(ctx, api.MethodStatus, api.Empty{}, &out)
}

func (c *Client) Connect(ctx context.Context) (string, error) {
	var out api.StateReply
	err := c.call(ctx, api.MethodConnect, api.Empty{}, &out)
	return out.State, err
}

func (c *Client) Register(ctx context.Context, key string) (*api.Tx, error) {
	var out api.Tx
	return &out, c.call(ctx, api.MethodRegister, api.RegisterRequest{Key: key}, &out)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, api.MethodLogout, api.Empty{}, nil)
}

func (c *Client) Contacts(ctx context.Context) ([]api.Contact, error) {
	var out api.ContactsReply
	err := c.call(ctx, api.MethodContacts, api.Empty{}, &out)
	return out.Contacts, err
}

func (c *Client) AddContact(ctx context.Context, address string) (*api.AddContactReply, error) {
	var out api.AddContactReply
	return &out, c.call(ctx, api.MethodAddContact, api.AddContactRequest{Address: address}, &out)
}

func (c *Client) Select(ctx context.Context, peer string) (*api.ConversationReply, error) {
	var out api.ConversationReply
	return &out, c.call(ctx, api.MethodSelect, api.PeerRequest{Peer: peer}, &out)
}

func (c *Client) Deselect(ctx context.Context) error {
	return c.call(ctx, api.MethodDeselect, api.Empty{}, nil)
}

func (c *Client) Messages(ctx context.Context) (*api.ConversationReply, error) {
	var out api.ConversationReply
	return &out, c.call(ctx, api.MethodMessages, api.Empty{}, &out)
}

func (c *Client) Send(ctx context.Context, to, text string) (*api.SendReply, error) {
	var out api.SendReply
	return &out, c.call(ctx, api.MethodSend, api.SendRequest{To: to, Text: text}, &out)
}

func (c *Client) MarkRead(ctx context.Context, m api.Message) (*api.Tx, error) {
	var out api.Tx
	return &out, c.call(ctx, api.MethodMarkRead, api.MarkReadRequest{Message: m}, &out)
}

func (c *Client) Balance(ctx context.Context) (*api.BalanceReply, error) {
	var out api.BalanceReply
	return &out, c.call(ctx, api.MethodBalance, api.Empty{}, &out)
}

func (c *Client) Notices(ctx context.Context) ([]api.Notice, error) {
	var out api.NoticesReply
	err := c.call(ctx, api.MethodNotices, api.Empty{}, &out)
	return out.Notices, err
}

func (c *Client) DismissNotice(ctx context.Context, id string) (bool, error) {
	var out api.DismissReply
	err := c.call(ctx, api.MethodDismissNotice, api.DismissRequest{ID: id}, &out)
	return out.Dismissed, err
}

func (c *Client) History(ctx context.Context, peer string, before int64, limit int) ([]api.Message, error) {
	var out api.ConversationReply
	err := c.call(ctx, api.MethodHistory, api.HistoryRequest{Peer: peer, Before: before, Limit: limit}, &out)
	return out.Messages, err
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]api.SearchHit, error) {
	var out api.SearchReply
	err := c.call(ctx, api.MethodSearch, api.SearchRequest{Query: query, Limit: limit}, &out)
	return out.Results, err
}

// Watch streams daemon events with kinds starting with prefix to fn until
// ctx ends or the stream breaks.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(api.WatchEvent)) error {
	desc := &api.ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.MethodWatch))
	if err != nil {
		return api.FromStatus(err)
	}
	in, err := api.Encode(api.WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return api.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return api.FromStatus(err)
		}
		var evt api.WatchEvent
		if err := api.Decode(msg, &evt); err != nil {
			return err
		}
		fn(evt)
	}
}

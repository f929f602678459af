// Package messenger drives the session lifecycle: connecting the wallet,
// registration, and the ready-state operations, coordinating the wallet
// session, the contract gateway and the conversation reconciler.
package messenger

import (
	"context"
	"math/big"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"github.com/matheus3301/ethchat/internal/chat"
	"github.com/matheus3301/ethchat/internal/gateway"
	"github.com/matheus3301/ethchat/internal/notice"
	"github.com/matheus3301/ethchat/internal/outbox"
	"github.com/matheus3301/ethchat/internal/status"
	"github.com/matheus3301/ethchat/internal/store"
	chatsync "github.com/matheus3301/ethchat/internal/sync"
	"github.com/matheus3301/ethchat/internal/wallet"
	"go.uber.org/zap"
)

// DefaultWalletNoticeClear is how long wallet notices linger after a
// successful connect.
const DefaultWalletNoticeClear = 2 * time.Second

// DefaultMinSendBalance is 0.001 ether.
var DefaultMinSendBalance = big.NewInt(1_000_000_000_000_000)

// Gateway is the contract surface the controller needs from one connection.
type Gateway interface {
	chatsync.Source
	chatsync.HistorySource
	outbox.TextSender

	CheckNetwork(chainID uint64) error
	HasPublicKey(ctx context.Context, addr common.Address) bool
	RegisterPublicKey(ctx context.Context, key string) (*gateway.TxResult, error)
	MarkMessageAsRead(ctx context.Context, index int64) (*gateway.TxResult, error)
	GetUnreadMessageCount(ctx context.Context, addr common.Address) uint64
	Summaries(ctx context.Context, contacts []common.Address) []gateway.ContactSummary
}

// GatewayFactory binds a gateway to a fresh connection.
type GatewayFactory func(conn *wallet.Connection) (Gateway, error)

// NewGatewayFactory binds desc to each connection handed to it.
func NewGatewayFactory(desc *gateway.Descriptor, logger *zap.Logger, opts ...gateway.Option) GatewayFactory {
	return func(conn *wallet.Connection) (Gateway, error) {
		gw, err := gateway.New(desc, conn, logger, opts...)
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
}

// Options tunes the controller. Zero values take the package defaults.
type Options struct {
	PollInterval      time.Duration
	DedupWindow       time.Duration
	WalletNoticeClear time.Duration
	MinSendBalance    *big.Int
}

func (o Options) withDefaults() Options {
	if o.WalletNoticeClear <= 0 {
		o.WalletNoticeClear = DefaultWalletNoticeClear
	}
	if o.MinSendBalance == nil {
		o.MinSendBalance = DefaultMinSendBalance
	}
	return o
}

// StatusInfo is a point-in-time view of the session.
type StatusInfo struct {
	State             status.State
	Account           common.Address
	ChainID           uint64
	ExpectedChainID   uint64
	Selected          common.Address
	HasSelection      bool
	Contacts          int
	ActiveTimers      int
	LiveSubscriptions int
	WalletListeners   int
}

// session bundles everything built for one wallet connection. It is
// discarded whole on logout or any wallet change.
type session struct {
	conn        *wallet.Connection
	gw          Gateway
	rec         *chatsync.Reconciler
	engine      *chatsync.Engine
	sender      *outbox.Sender
	cancel      context.CancelFunc
	wg          gosync.WaitGroup
	cancelClear func()
}

func (s *session) close() {
	s.cancelClear()
	s.rec.Stop()
	s.cancel()
	s.wg.Wait()
	if s.engine != nil {
		s.engine.Stop()
	}
}

// Controller owns the session state machine.
type Controller struct {
	wallet     *wallet.Session
	newGateway GatewayFactory
	db         *store.DB
	bus        *bus.Bus
	notices    *notice.Board
	machine    *status.Machine
	logger     *zap.Logger
	opts       Options

	// ops serializes connect, reload and logout.
	ops     gosync.Mutex
	root    context.Context
	closing bool
	reloads gosync.WaitGroup

	mu   gosync.RWMutex
	sess *session
}

// New creates a controller. db may be nil when no local cache is open.
func New(ws *wallet.Session, newGateway GatewayFactory, db *store.DB, b *bus.Bus, notices *notice.Board, machine *status.Machine, logger *zap.Logger, opts Options) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		wallet:     ws,
		newGateway: newGateway,
		db:         db,
		bus:        b,
		notices:    notices,
		machine:    machine,
		logger:     logger,
		opts:       opts.withDefaults(),
		root:       context.Background(),
	}
}

// Start hooks wallet changes and restores a prior authorization without
// prompting. ctx bounds every background task of the sessions it creates.
func (c *Controller) Start(ctx context.Context) {
	c.ops.Lock()
	defer c.ops.Unlock()
	c.root = ctx
	c.wallet.OnChange(c.onWalletChange)
	c.resumeLocked()
}

func (c *Controller) resumeLocked() {
	conn, ok := c.wallet.CheckExistingConnection(c.root)
	if !ok {
		return
	}
	if err := c.machine.Transition(status.Connecting); err != nil {
		c.logger.Warn("resume skipped", zap.Error(err))
		return
	}
	if err := c.activateLocked(c.root, conn); err != nil {
		c.logger.Warn("resume failed", zap.Error(err))
	}
}

// Connect prompts the wallet and brings the session up. A connect already
// in flight makes concurrent callers fail with AlreadyPending.
func (c *Controller) Connect(ctx context.Context) (status.State, error) {
	if !c.ops.TryLock() {
		return c.machine.Current(), chainerr.New(chainerr.AlreadyPending, "a connect request is already in progress")
	}
	defer c.ops.Unlock()

	switch cur := c.machine.Current(); cur {
	case status.Ready, status.RegistrationRequired:
		return cur, nil
	}
	if err := c.machine.Transition(status.Connecting); err != nil {
		return c.machine.Current(), err
	}
	conn, err := c.wallet.Connect(ctx)
	if err != nil {
		c.machine.Disconnect()
		c.notices.PostError(err)
		return status.Disconnected, err
	}
	err = c.activateLocked(ctx, conn)
	return c.machine.Current(), err
}

// activateLocked builds the per-connection session and settles the state
// machine out of Connecting.
func (c *Controller) activateLocked(ctx context.Context, conn *wallet.Connection) error {
	log := c.logger.With(zap.String("account", conn.Account.Hex()))

	if conn.ChainID != c.wallet.Expected().ChainID {
		if err := c.wallet.SwitchToExpectedChain(ctx); err != nil {
			c.notices.PostError(err)
		} else if cur := c.wallet.Current(); cur != nil {
			conn = cur
		}
	}

	gw, err := c.newGateway(conn)
	if err != nil {
		return c.abortLocked(err)
	}
	if err := gw.CheckNetwork(conn.ChainID); err != nil {
		log.Warn("wallet on unexpected network", zap.Error(err))
		c.notices.PostError(err)
	}

	sctx, cancel := context.WithCancel(c.root)
	s := &session{conn: conn, gw: gw, cancel: cancel}
	// The cache engine subscribes first so it sees the initial contact load.
	if c.db != nil {
		s.engine = chatsync.NewEngine(c.db, c.bus, c.logger)
		s.engine.Start(sctx, conn.Account)
	}
	s.rec = chatsync.New(gw, c.bus, c.logger, chatsync.Options{
		PollInterval: c.opts.PollInterval,
		DedupWindow:  c.opts.DedupWindow,
	})
	if err := s.rec.Start(sctx); err != nil {
		cancel()
		if s.engine != nil {
			s.engine.Stop()
		}
		return c.abortLocked(err)
	}
	s.sender = outbox.NewSender(c.db, gw, s.rec, conn.Account, c.bus, c.logger)
	if c.db != nil {
		if n, err := s.sender.Recover(); err != nil {
			log.Warn("outbox recovery failed", zap.Error(err))
		} else if n > 0 {
			c.notices.Post(notice.Transaction, "Interrupted Sends", "Some messages from a previous run were not confirmed.")
		}
		c.backfill(sctx, s)
	}
	c.watchIncoming(sctx, s)
	s.cancelClear = c.notices.ClearKindAfter(notice.Wallet, c.opts.WalletNoticeClear)

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	if gw.HasPublicKey(ctx, conn.Account) {
		log.Info("session ready")
		return c.machine.Transition(status.Ready)
	}
	log.Info("registration required")
	c.notices.Post(notice.Info, "Registration Required", "Please register your public key to start messaging.")
	return c.machine.Transition(status.RegistrationRequired)
}

func (c *Controller) abortLocked(err error) error {
	c.wallet.Disconnect()
	c.machine.Disconnect()
	c.notices.PostError(err)
	return err
}

func (c *Controller) backfill(ctx context.Context, s *session) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.engine.Backfill(ctx, s.gw); err != nil && ctx.Err() == nil {
			c.logger.Warn("history backfill failed", zap.Error(err))
		}
	}()
}

// watchIncoming posts a notice for every message addressed to the account.
func (c *Controller) watchIncoming(ctx context.Context, s *session) {
	ch, unsub := c.bus.Subscribe(bus.MessageReceived, 64)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				m, isMsg := evt.Payload.(chat.Message)
				if isMsg && m.Receiver == s.conn.Account {
					c.notices.Post(notice.Info, "New Message", "New message from "+chat.Short(m.Sender))
				}
			}
		}
	}()
}

// teardownLocked discards the session and every subscription and timer it
// owns, leaving the machine Disconnected.
func (c *Controller) teardownLocked() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s != nil {
		s.close()
	}
	c.wallet.Disconnect()
	c.machine.Disconnect()
}

// Logout tears the session down.
func (c *Controller) Logout() {
	c.ops.Lock()
	defer c.ops.Unlock()
	if c.current() == nil && c.machine.Current() == status.Disconnected {
		return
	}
	c.teardownLocked()
	c.logger.Info("logged out")
	c.notices.Post(notice.Info, "Disconnected", "Wallet disconnected successfully.")
}

func (c *Controller) onWalletChange(change wallet.Change) {
	c.reloads.Add(1)
	go func() {
		defer c.reloads.Done()
		c.reload(change)
	}()
}

// reload rebuilds the session from scratch after a wallet-level change.
func (c *Controller) reload(change wallet.Change) {
	c.ops.Lock()
	defer c.ops.Unlock()
	if c.closing {
		return
	}
	c.logger.Info("reloading session", zap.String("cause", string(change.Kind)))
	c.bus.Emit(bus.SessionReloading, change)
	c.teardownLocked()

	if change.Kind == wallet.AccountsChanged && len(change.Accounts) == 0 {
		c.notices.Post(notice.Wallet, "Wallet Disconnected", "Please connect your wallet.")
		return
	}
	c.resumeLocked()
}

// Close tears down the session and waits for pending reloads.
func (c *Controller) Close() {
	c.ops.Lock()
	c.closing = true
	c.teardownLocked()
	c.ops.Unlock()
	c.reloads.Wait()
}

func (c *Controller) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// in returns the live session when the machine is in one of states.
func (c *Controller) in(states ...status.State) (*session, error) {
	cur := c.machine.Current()
	if !slices.Contains(states, cur) {
		return nil, chainerr.Newf(chainerr.NotReady, "session is %s", cur)
	}
	s := c.current()
	if s == nil {
		return nil, chainerr.New(chainerr.NotReady, "no active session")
	}
	return s, nil
}

func (c *Controller) ready() (*session, error) {
	if err := c.machine.Require(status.Ready); err != nil {
		return nil, err
	}
	return c.in(status.Ready)
}

// promote moves s to Ready if it is still the live session.
func (c *Controller) promote(s *session) {
	if c.current() != s || c.machine.Current() != status.RegistrationRequired {
		return
	}
	if err := c.machine.Transition(status.Ready); err != nil {
		c.logger.Warn("promote to ready failed", zap.Error(err))
	}
}

// Register publishes key for the connected account. An empty key registers
// the account's own address. A key that already exists still leaves the
// session Ready; the AlreadyRegistered error is returned for display.
func (c *Controller) Register(ctx context.Context, key string) (*gateway.TxResult, error) {
	s, err := c.in(status.RegistrationRequired, status.Ready)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		key = chat.Canonical(s.conn.Account)
	}
	res, err := s.gw.RegisterPublicKey(ctx, key)
	if err != nil {
		if chainerr.IsKind(err, chainerr.AlreadyRegistered) {
			c.promote(s)
		}
		c.notices.PostError(err)
		return nil, err
	}
	if !s.gw.HasPublicKey(ctx, s.conn.Account) {
		err := chainerr.New(chainerr.Unknown, "registration confirmed but the key is not visible yet")
		c.notices.PostError(err)
		return res, err
	}
	c.promote(s)
	c.notices.PostLink(notice.Success, "Registration Complete", "Public key registered successfully!", res.URL)
	return res, nil
}

// Send validates and sends text to receiver. The message shows in the
// receiver's conversation view before the transaction is included and is
// removed again if sending fails.
func (c *Controller) Send(ctx context.Context, receiver common.Address, text string) (*outbox.Ack, error) {
	s, err := c.ready()
	if err != nil {
		return nil, err
	}
	if err := c.checkSend(ctx, s, receiver, text); err != nil {
		c.notices.PostError(err)
		return nil, err
	}
	ack, err := s.sender.Send(ctx, receiver, text)
	if err != nil {
		c.notices.PostError(err)
		return nil, err
	}
	s.rec.AddContact(receiver)
	c.notices.PostLink(notice.Success, "Message Sent", "Message sent to "+chat.Short(receiver), ack.Tx.URL)
	return ack, nil
}

func (c *Controller) checkSend(ctx context.Context, s *session, receiver common.Address, text string) error {
	switch {
	case strings.TrimSpace(text) == "":
		return chainerr.New(chainerr.Invalid, "message is empty")
	case receiver == (common.Address{}):
		return chainerr.New(chainerr.Invalid, "no receiver selected")
	case receiver == s.conn.Account:
		return chainerr.New(chainerr.Invalid, "cannot send a message to yourself")
	case !s.gw.HasPublicKey(ctx, receiver):
		return chainerr.New(chainerr.Invalid, "receiver has not registered a public key")
	}
	if bal := c.wallet.GetBalance(ctx); !wallet.HasAtLeast(bal, c.opts.MinSendBalance) {
		return chainerr.Newf(chainerr.InsufficientFunds, "balance %s is below the %s needed for fees",
			wallet.FormatEther(bal), wallet.FormatEther(c.opts.MinSendBalance))
	}
	return nil
}

// AddContact validates input as an address and adds it to the contact set.
// It reports whether the address was new.
func (c *Controller) AddContact(ctx context.Context, input string) (common.Address, bool, error) {
	s, err := c.ready()
	if err != nil {
		return common.Address{}, false, err
	}
	addr, err := chat.ParseAddress(input)
	if err != nil {
		err = chainerr.Wrap(chainerr.Invalid, err)
		c.notices.PostError(err)
		return common.Address{}, false, err
	}
	if addr == s.conn.Account {
		err := chainerr.New(chainerr.Invalid, "cannot add yourself as a contact")
		c.notices.PostError(err)
		return addr, false, err
	}
	if !s.gw.HasPublicKey(ctx, addr) {
		err := chainerr.New(chainerr.Invalid, "this address has not registered a public key")
		c.notices.PostError(err)
		return addr, false, err
	}
	added := s.rec.AddContact(addr)
	if added {
		c.notices.Post(notice.Success, "Contact Added", chat.Short(addr)+" added to contacts.")
	}
	return addr, added, nil
}

// Contacts returns the contact set with last-message and unread summaries.
func (c *Controller) Contacts(ctx context.Context) ([]gateway.ContactSummary, error) {
	s, err := c.ready()
	if err != nil {
		return nil, err
	}
	return s.gw.Summaries(ctx, s.rec.Contacts()), nil
}

// RefreshContacts reloads the contact list from the contract.
func (c *Controller) RefreshContacts(ctx context.Context) ([]common.Address, error) {
	s, err := c.ready()
	if err != nil {
		return nil, err
	}
	s.rec.RefreshContacts(ctx)
	return s.rec.Contacts(), nil
}

// Select makes peer the active conversation and returns its view.
func (c *Controller) Select(ctx context.Context, peer common.Address) ([]chat.Message, error) {
	s, err := c.ready()
	if err != nil {
		return nil, err
	}
	return s.rec.Select(ctx, peer)
}

// Deselect clears the active conversation.
func (c *Controller) Deselect() error {
	s, err := c.ready()
	if err != nil {
		return err
	}
	s.rec.Deselect()
	return nil
}

// Messages returns the selected peer and a snapshot of its view.
func (c *Controller) Messages() (common.Address, []chat.Message, error) {
	s, err := c.ready()
	if err != nil {
		return common.Address{}, nil, err
	}
	peer, ok := s.rec.Selected()
	if !ok {
		return common.Address{}, nil, chainerr.New(chainerr.Invalid, "no conversation selected")
	}
	return peer, s.rec.Messages(), nil
}

// MarkRead marks m read on the contract, then replaces its view entry with
// a read copy. An m without its contract index falls back to the index the
// cache learned from events.
func (c *Controller) MarkRead(ctx context.Context, m chat.Message) (*gateway.TxResult, error) {
	s, err := c.ready()
	if err != nil {
		return nil, err
	}
	if m.Index == chat.NoIndex && c.db != nil {
		idx, ok, err := c.db.MessageIndex(m)
		if err != nil {
			c.logger.Warn("cached index lookup failed", zap.Error(err))
		} else if ok {
			m = m.WithIndex(idx)
		}
	}
	res, err := s.gw.MarkMessageAsRead(ctx, m.Index)
	if err != nil {
		c.notices.PostError(err)
		return nil, err
	}
	s.rec.MarkRead(m)
	c.bus.Emit(bus.MessageRead, m.WithRead())
	return res, nil
}

// Unread returns the unread count the contract holds for the account.
func (c *Controller) Unread(ctx context.Context) (uint64, error) {
	s, err := c.ready()
	if err != nil {
		return 0, err
	}
	return s.gw.GetUnreadMessageCount(ctx, s.conn.Account), nil
}

// Balance returns the account balance in wei. It fails soft to zero.
func (c *Controller) Balance(ctx context.Context) (*big.Int, error) {
	if _, err := c.in(status.RegistrationRequired, status.Ready); err != nil {
		return nil, err
	}
	return c.wallet.GetBalance(ctx), nil
}

// History pages the local cache for the conversation with peer.
func (c *Controller) History(peer common.Address, beforeTs int64, limit int) ([]chat.Message, error) {
	s, err := c.in(status.RegistrationRequired, status.Ready)
	if err != nil {
		return nil, err
	}
	if c.db == nil {
		return nil, chainerr.New(chainerr.NotReady, "no local cache")
	}
	return c.db.ListMessages(s.conn.Account, peer, beforeTs, limit)
}

// Search finds cached messages containing query.
func (c *Controller) Search(query string, limit int) ([]store.SearchResult, error) {
	s, err := c.in(status.RegistrationRequired, status.Ready)
	if err != nil {
		return nil, err
	}
	if c.db == nil {
		return nil, chainerr.New(chainerr.NotReady, "no local cache")
	}
	return c.db.SearchMessages(s.conn.Account, query, limit)
}

// Notices returns the active notices.
func (c *Controller) Notices() []notice.Notice {
	return c.notices.Active()
}

// DismissNotice removes the notice with id.
func (c *Controller) DismissNotice(id string) bool {
	return c.notices.Dismiss(id)
}

// Status snapshots the session.
func (c *Controller) Status() StatusInfo {
	info := StatusInfo{
		State:           c.machine.Current(),
		ExpectedChainID: c.wallet.Expected().ChainID,
		WalletListeners: c.wallet.Listeners(),
	}
	s := c.current()
	if s == nil {
		return info
	}
	info.Account = s.conn.Account
	info.ChainID = s.conn.ChainID
	info.Selected, info.HasSelection = s.rec.Selected()
	info.Contacts = len(s.rec.Contacts())
	info.ActiveTimers = s.rec.ActiveTimers()
	info.LiveSubscriptions = s.rec.LiveSubscriptions()
	return info
}

package wallet

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"go.uber.org/zap"
)

// Connection is the result of a successful connect: the account plus the
// handles the contract layer signs and reads with.
type Connection struct {
	Account common.Address
	ChainID uint64
	Signer  *bind.TransactOpts
	Backend Backend
}

// ChangeKind identifies which wallet-level notification fired.
type ChangeKind string

const (
	AccountsChanged ChangeKind = "accounts"
	ChainChanged    ChangeKind = "chain"
)

// Change is delivered to the OnChange callback. Either kind invalidates the
// whole session; receivers tear down and reconstruct rather than repair.
type Change struct {
	Kind     ChangeKind
	Accounts []common.Address
	ChainID  uint64
}

// Session owns the wallet connection. At most one connect attempt runs at a
// time; concurrent callers get AlreadyPending.
type Session struct {
	provider Provider
	expected ChainParams
	logger   *zap.Logger

	connecting atomic.Bool
	switching  atomic.Bool

	mu            sync.Mutex
	conn          *Connection
	unsubAccounts func()
	unsubChain    func()
	onChange      func(Change)
}

// NewSession creates a session for provider. provider may be nil, in which
// case Connect fails with ProviderMissing.
func NewSession(provider Provider, expected ChainParams, logger *zap.Logger) *Session {
	return &Session{
		provider: provider,
		expected: expected,
		logger:   logger,
	}
}

// OnChange registers the callback fired on accounts or chain changes.
func (s *Session) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Expected returns the chain the messaging contract lives on.
func (s *Session) Expected() ChainParams {
	return s.expected
}

// Connect prompts for account access and establishes the connection.
func (s *Session) Connect(ctx context.Context) (*Connection, error) {
	if s.provider == nil {
		return nil, chainerr.New(chainerr.ProviderMissing, "no wallet provider configured")
	}
	if !s.connecting.CompareAndSwap(false, true) {
		return nil, chainerr.New(chainerr.AlreadyPending, "a connect request is already in progress")
	}
	defer s.connecting.Store(false)

	accounts, err := s.provider.RequestAccounts(ctx)
	if err != nil {
		return nil, chainerr.Classify(err)
	}
	if len(accounts) == 0 {
		return nil, chainerr.New(chainerr.UserRejected, "no account was authorized")
	}
	return s.establish(ctx, accounts[0])
}

// CheckExistingConnection restores a prior authorization without prompting.
// It reports false when none holds.
func (s *Session) CheckExistingConnection(ctx context.Context) (*Connection, bool) {
	if s.provider == nil {
		return nil, false
	}
	accounts, err := s.provider.Accounts(ctx)
	if err != nil {
		s.logger.Warn("account query failed", zap.Error(err))
		return nil, false
	}
	if len(accounts) == 0 {
		return nil, false
	}
	conn, err := s.establish(ctx, accounts[0])
	if err != nil {
		s.logger.Warn("restoring connection failed", zap.Error(err))
		return nil, false
	}
	return conn, true
}

func (s *Session) establish(ctx context.Context, account common.Address) (*Connection, error) {
	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		return nil, chainerr.Classify(err)
	}
	signer, err := s.provider.Signer(ctx, account)
	if err != nil {
		return nil, chainerr.Classify(err)
	}
	backend, err := s.provider.Backend(ctx)
	if err != nil {
		return nil, chainerr.Classify(err)
	}
	conn := &Connection{Account: account, ChainID: chainID, Signer: signer, Backend: backend}

	s.mu.Lock()
	s.conn = conn
	s.installListenersLocked()
	s.mu.Unlock()

	s.logger.Info("wallet connected",
		zap.String("account", account.Hex()),
		zap.Uint64("chain_id", chainID))
	return conn, nil
}

// installListenersLocked replaces any previous listeners so exactly one of
// each kind is registered.
func (s *Session) installListenersLocked() {
	s.removeListenersLocked()
	s.unsubAccounts = s.provider.SubscribeAccounts(func(accounts []common.Address) {
		s.fire(Change{Kind: AccountsChanged, Accounts: accounts})
	})
	s.unsubChain = s.provider.SubscribeChain(func(chainID uint64) {
		if s.switching.Load() {
			return
		}
		s.fire(Change{Kind: ChainChanged, ChainID: chainID})
	})
}

func (s *Session) removeListenersLocked() {
	if s.unsubAccounts != nil {
		s.unsubAccounts()
		s.unsubAccounts = nil
	}
	if s.unsubChain != nil {
		s.unsubChain()
		s.unsubChain = nil
	}
}

func (s *Session) fire(c Change) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	s.logger.Info("wallet change", zap.String("kind", string(c.Kind)))
	if fn != nil {
		fn(c)
	}
}

// Current returns the live connection, or nil.
func (s *Session) Current() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Listeners returns how many wallet notification listeners are installed.
func (s *Session) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	if s.unsubAccounts != nil {
		n++
	}
	if s.unsubChain != nil {
		n++
	}
	return n
}

// OnExpectedChain reports whether the wallet is on the expected chain.
func (s *Session) OnExpectedChain(ctx context.Context) bool {
	if s.provider == nil {
		return false
	}
	id, err := s.provider.ChainID(ctx)
	return err == nil && id == s.expected.ChainID
}

// SwitchToExpectedChain asks the wallet to switch, registering the chain
// first when the wallet does not know it. User rejection and already-pending
// requests are swallowed; chain correctness is advisory. The chain
// notification caused by this switch refreshes the connection in place
// instead of surfacing as a Change.
func (s *Session) SwitchToExpectedChain(ctx context.Context) error {
	if s.provider == nil {
		return chainerr.New(chainerr.ProviderMissing, "no wallet provider configured")
	}
	if s.OnExpectedChain(ctx) {
		return nil
	}

	s.switching.Store(true)
	defer s.switching.Store(false)

	err := s.provider.SwitchChain(ctx, s.expected.ChainID)
	if code, ok := chainerr.Code(err); ok && code == chainerr.CodeUnknownChain {
		s.logger.Info("chain unknown to wallet, adding it", zap.String("chain_id", s.expected.HexChainID()))
		err = s.provider.AddChain(ctx, s.expected)
	}
	if err != nil {
		classified := chainerr.Classify(err)
		switch classified.Kind {
		case chainerr.UserRejected, chainerr.AlreadyPending:
			s.logger.Info("chain switch not completed", zap.String("kind", string(classified.Kind)))
			return nil
		}
		return classified
	}
	return s.refresh(ctx)
}

func (s *Session) refresh(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_, err := s.establish(ctx, conn.Account)
	return err
}

// GetBalance returns the account balance in wei, or zero on any failure.
func (s *Session) GetBalance(ctx context.Context) *big.Int {
	conn := s.Current()
	if conn == nil || s.provider == nil {
		return new(big.Int)
	}
	bal, err := s.provider.Balance(ctx, conn.Account)
	if err != nil || bal == nil {
		s.logger.Warn("balance read failed", zap.Error(err))
		return new(big.Int)
	}
	return bal
}

// Disconnect drops the connection and detaches both listeners.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeListenersLocked()
	s.conn = nil
}

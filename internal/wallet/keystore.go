package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"go.uber.org/zap"
)

// PassphraseFunc asks the user to unlock account. ok=false means the user
// declined.
type PassphraseFunc func(ctx context.Context, account common.Address) (passphrase string, ok bool, err error)

// DialFunc opens a backend for a chain.
type DialFunc func(ctx context.Context, params ChainParams) (Backend, error)

// KeystoreOptions configures a KeystoreProvider.
type KeystoreOptions struct {
	Dir      string
	Account  common.Address // zero picks the first key in Dir
	Networks []ChainParams
	ChainID  uint64 // initially active chain
	Prompt   PassphraseFunc
	Dial     DialFunc // defaults to DialEthclient
	ScryptN  int      // defaults to keystore.StandardScryptN
	ScryptP  int
	Logger   *zap.Logger
}

type activeChain struct {
	params  ChainParams
	backend Backend
}

// KeystoreProvider is a Provider backed by an encrypted go-ethereum keystore
// and JSON-RPC endpoints. Unlocking a key is the access prompt.
type KeystoreProvider struct {
	ks      *keystore.KeyStore
	account common.Address
	prompt  PassphraseFunc
	dial    DialFunc
	logger  *zap.Logger

	pending atomic.Bool
	active  atomic.Pointer[activeChain]

	mu         sync.Mutex
	networks   map[uint64]ChainParams
	backends   map[uint64]Backend
	authorized []common.Address

	accountSubs listeners[[]common.Address]
	chainSubs   listeners[uint64]

	walletSub  event.Subscription
	walletDone chan struct{}
}

// NewKeystoreProvider opens the keystore and selects the initial chain. The
// backend for that chain is dialed lazily.
func NewKeystoreProvider(opts KeystoreOptions) (*KeystoreProvider, error) {
	if opts.Dir == "" {
		return nil, errors.New("keystore dir is empty")
	}
	if opts.ScryptN == 0 {
		opts.ScryptN, opts.ScryptP = keystore.StandardScryptN, keystore.StandardScryptP
	}
	if opts.Dial == nil {
		opts.Dial = DialEthclient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &KeystoreProvider{
		ks:         keystore.NewKeyStore(opts.Dir, opts.ScryptN, opts.ScryptP),
		account:    opts.Account,
		prompt:     opts.Prompt,
		dial:       opts.Dial,
		logger:     opts.Logger,
		networks:   make(map[uint64]ChainParams),
		backends:   make(map[uint64]Backend),
		walletDone: make(chan struct{}),
	}
	for _, n := range opts.Networks {
		p.networks[n.ChainID] = n
	}
	initial, ok := p.networks[opts.ChainID]
	if !ok {
		return nil, fmt.Errorf("initial chain %d is not configured", opts.ChainID)
	}
	p.active.Store(&activeChain{params: initial})

	events := make(chan accounts.WalletEvent, 8)
	p.walletSub = p.ks.Subscribe(events)
	go p.watchWallets(events)

	return p, nil
}

// KeyStore exposes the underlying keystore (account import, listing).
func (p *KeystoreProvider) KeyStore() *keystore.KeyStore {
	return p.ks
}

func (p *KeystoreProvider) watchWallets(events <-chan accounts.WalletEvent) {
	defer close(p.walletDone)
	for {
		select {
		case ev := <-events:
			if ev.Kind != accounts.WalletDropped {
				continue
			}
			for _, acc := range ev.Wallet.Accounts() {
				if p.revoke(acc.Address) {
					p.logger.Info("authorized key removed from keystore", zap.String("account", acc.Address.Hex()))
				}
			}
		case <-p.walletSub.Err():
			return
		}
	}
}

func (p *KeystoreProvider) pick() (common.Address, error) {
	if p.account != (common.Address{}) {
		if !p.ks.HasAddress(p.account) {
			return common.Address{}, fmt.Errorf("account %s not found in keystore", p.account.Hex())
		}
		return p.account, nil
	}
	accs := p.ks.Accounts()
	if len(accs) == 0 {
		return common.Address{}, errors.New("keystore has no accounts")
	}
	return accs[0].Address, nil
}

func (p *KeystoreProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if !p.pending.CompareAndSwap(false, true) {
		return nil, &ProviderError{Code: chainerr.CodeRequestPending, Message: "account request already pending"}
	}
	defer p.pending.Store(false)

	if existing, _ := p.Accounts(ctx); len(existing) > 0 {
		return existing, nil
	}
	account, err := p.pick()
	if err != nil {
		return nil, err
	}
	if p.prompt == nil {
		return nil, &ProviderError{Code: chainerr.CodeUserRejected, Message: "no passphrase prompt available"}
	}
	pass, ok, err := p.prompt(ctx, account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ProviderError{Code: chainerr.CodeUserRejected, Message: "user rejected the request"}
	}
	if err := p.ks.Unlock(accounts.Account{Address: account}, pass); err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return nil, &ProviderError{Code: chainerr.CodeUserRejected, Message: "wrong passphrase"}
		}
		return nil, fmt.Errorf("unlock %s: %w", account.Hex(), err)
	}

	p.mu.Lock()
	p.authorized = []common.Address{account}
	p.mu.Unlock()
	return []common.Address{account}, nil
}

func (p *KeystoreProvider) Accounts(_ context.Context) ([]common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.authorized), nil
}

// Lock relocks account and notifies accounts listeners.
func (p *KeystoreProvider) Lock(account common.Address) error {
	if err := p.ks.Lock(account); err != nil {
		return err
	}
	p.revoke(account)
	return nil
}

func (p *KeystoreProvider) revoke(account common.Address) bool {
	p.mu.Lock()
	idx := slices.Index(p.authorized, account)
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	p.authorized = slices.Delete(p.authorized, idx, idx+1)
	remaining := slices.Clone(p.authorized)
	p.mu.Unlock()

	p.accountSubs.emit(remaining)
	return true
}

func (p *KeystoreProvider) ChainID(_ context.Context) (uint64, error) {
	return p.active.Load().params.ChainID, nil
}

func (p *KeystoreProvider) SwitchChain(ctx context.Context, chainID uint64) error {
	current := p.active.Load()
	if current.params.ChainID == chainID {
		return nil
	}
	p.mu.Lock()
	params, ok := p.networks[chainID]
	p.mu.Unlock()
	if !ok {
		return &ProviderError{Code: chainerr.CodeUnknownChain, Message: fmt.Sprintf("unrecognized chain id 0x%x", chainID)}
	}
	backend, err := p.backendFor(ctx, params)
	if err != nil {
		return err
	}
	p.active.Store(&activeChain{params: params, backend: backend})
	p.logger.Info("switched chain", zap.Uint64("chain_id", chainID), zap.String("name", params.Name))
	p.chainSubs.emit(chainID)
	return nil
}

// AddChain registers params and switches to it.
func (p *KeystoreProvider) AddChain(ctx context.Context, params ChainParams) error {
	if params.ChainID == 0 || params.RPCURL == "" {
		return errors.New("chain params need a chain id and an rpc url")
	}
	p.mu.Lock()
	p.networks[params.ChainID] = params
	p.mu.Unlock()
	return p.SwitchChain(ctx, params.ChainID)
}

func (p *KeystoreProvider) backendFor(ctx context.Context, params ChainParams) (Backend, error) {
	p.mu.Lock()
	b, ok := p.backends[params.ChainID]
	p.mu.Unlock()
	if ok {
		return b, nil
	}
	b, err := p.dial(ctx, params)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.backends[params.ChainID] = b
	p.mu.Unlock()
	return b, nil
}

func (p *KeystoreProvider) Backend(ctx context.Context) (Backend, error) {
	current := p.active.Load()
	if current.backend != nil {
		return current.backend, nil
	}
	b, err := p.backendFor(ctx, current.params)
	if err != nil {
		return nil, err
	}
	p.active.CompareAndSwap(current, &activeChain{params: current.params, backend: b})
	return b, nil
}

func (p *KeystoreProvider) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	b, err := p.Backend(ctx)
	if err != nil {
		return nil, err
	}
	return b.BalanceAt(ctx, account, nil)
}

func (p *KeystoreProvider) Signer(_ context.Context, account common.Address) (*bind.TransactOpts, error) {
	chainID := new(big.Int).SetUint64(p.active.Load().params.ChainID)
	return bind.NewKeyStoreTransactorWithChainID(p.ks, accounts.Account{Address: account}, chainID)
}

func (p *KeystoreProvider) SubscribeAccounts(fn func([]common.Address)) func() {
	return p.accountSubs.add(fn)
}

func (p *KeystoreProvider) SubscribeChain(fn func(uint64)) func() {
	return p.chainSubs.add(fn)
}

// Close stops the keystore watcher and closes dialed backends.
func (p *KeystoreProvider) Close() {
	p.walletSub.Unsubscribe()
	<-p.walletDone
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, b := range p.backends {
		if c, ok := b.(interface{ Close() }); ok {
			c.Close()
		}
		delete(p.backends, id)
	}
}

// DialEthclient connects to params.RPCURL with retries and checks that the
// endpoint serves the chain it claims.
func DialEthclient(ctx context.Context, params ChainParams) (Backend, error) {
	var client *ethclient.Client
	err := retry.Do(func() error {
		c, err := ethclient.DialContext(ctx, params.RPCURL)
		if err != nil {
			return err
		}
		id, err := c.ChainID(ctx)
		if err != nil {
			c.Close()
			return err
		}
		if id.Uint64() != params.ChainID {
			c.Close()
			return retry.Unrecoverable(chainerr.Newf(chainerr.NetworkMismatch,
				"endpoint %s serves chain %d, expected %d", params.RPCURL, id.Uint64(), params.ChainID))
		}
		client = c
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", params.RPCURL, err)
	}
	return client, nil
}

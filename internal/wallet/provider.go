// Package wallet owns the connection to the user's signing identity and the
// active chain.
package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Backend is the chain access a connected wallet hands to the contract layer.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// ChainParams mirrors the wallet_addEthereumChain parameters.
type ChainParams struct {
	ChainID        uint64
	Name           string
	RPCURL         string
	ExplorerURL    string
	CurrencyName   string
	CurrencySymbol string
	Decimals       uint8
}

// HexChainID renders the id the way wallets expect it (0x5202).
func (p ChainParams) HexChainID() string {
	return fmt.Sprintf("0x%x", p.ChainID)
}

// Provider is the signing provider a Session talks to, shaped after the
// capabilities of an injected EIP-1193 wallet.
type Provider interface {
	// RequestAccounts prompts the user for access.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// Accounts lists already-authorized accounts without prompting.
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	AddChain(ctx context.Context, params ChainParams) error
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	Signer(ctx context.Context, account common.Address) (*bind.TransactOpts, error)
	Backend(ctx context.Context) (Backend, error)

	SubscribeAccounts(fn func([]common.Address)) (unsubscribe func())
	SubscribeChain(fn func(uint64)) (unsubscribe func())
}

// ProviderError is a coded provider failure. It satisfies rpc.Error so the
// classifier treats it like any JSON-RPC error.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string  { return e.Message }
func (e *ProviderError) ErrorCode() int { return e.Code }

// listeners is a registry of notification callbacks.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

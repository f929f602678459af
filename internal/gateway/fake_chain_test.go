package gateway

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/matheus3301/ethchat/internal/wallet"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// handler answers a contract method. For state-changing methods it runs at
// gas estimation, so returning an error simulates a revert.
type handler func(from common.Address, args []any) ([]any, error)

// fakeChain is an in-memory wallet.Backend serving one contract.
type fakeChain struct {
	abi     abi.ABI
	address common.Address

	mu              sync.Mutex
	handlers        map[string]handler
	sent            []*types.Transaction
	receiptStatus   uint64
	head            uint64
	logs            []types.Log
	pushUnsupported bool
	pushSink        chan<- types.Log
	lastFrom        common.Address
}

func loadTestDescriptor(t *testing.T) *Descriptor {
	t.Helper()
	data, err := os.ReadFile("testdata/contractInfo.json")
	require.NoError(t, err)
	desc, err := ParseDescriptor(data)
	require.NoError(t, err)
	return desc
}

func newFakeChain(desc *Descriptor) *fakeChain {
	return &fakeChain{
		abi:           desc.ABI,
		address:       desc.Address,
		handlers:      make(map[string]handler),
		receiptStatus: types.ReceiptStatusSuccessful,
		head:          100,
	}
}

func (f *fakeChain) on(method string, h handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeChain) dispatch(from common.Address, data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("short calldata")
	}
	method, err := f.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	h, ok := f.handlers[method.Name]
	f.lastFrom = from
	f.mu.Unlock()
	if !ok {
		return method, nil, nil
	}
	out, err := h(from, args)
	return method, out, err
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, out, err := f.dispatch(call.From, call.Data)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeChain) PendingCodeAt(ctx context.Context, a common.Address) ([]byte, error) {
	return f.CodeAt(ctx, a, nil)
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	if _, _, err := f.dispatch(call.From, call.Data); err != nil {
		return 0, err
	}
	return 90_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      hash,
		GasUsed:     52_000,
		BlockNumber: new(big.Int).SetUint64(f.head),
	}, nil
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && q.Topics[0][0] != l.Topics[0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeChain) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushUnsupported {
		return nil, rpc.ErrNotificationsUnsupported
	}
	f.pushSink = ch
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	}), nil
}

func (f *fakeChain) push(l types.Log) {
	f.mu.Lock()
	sink := f.pushSink
	f.mu.Unlock()
	sink <- l
}

func (f *fakeChain) hasPushSink() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushSink != nil
}

// addLog appends a log at the next block and advances the head to it.
func (f *fakeChain) addLog(l types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	l.BlockNumber = f.head
	f.logs = append(f.logs, l)
}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *fakeChain) messageSentLog(sender, receiver common.Address, payload string, tsSeconds, index int64) types.Log {
	ev := f.abi.Events["MessageSent"]
	data, err := ev.Inputs.NonIndexed().Pack(payload, big.NewInt(tsSeconds), big.NewInt(index))
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address: f.address,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(sender.Bytes()), common.BytesToHash(receiver.Bytes())},
		Data:    data,
	}
}

func (f *fakeChain) registrationLog(user common.Address, key string) types.Log {
	ev := f.abi.Events["PublicKeyRegistered"]
	data, err := ev.Inputs.NonIndexed().Pack(key)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address: f.address,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(user.Bytes())},
		Data:    data,
	}
}

var _ wallet.Backend = (*fakeChain)(nil)

// revertError mimics a node's eth_estimateGas revert response.
type revertError struct{ reason string }

func (e *revertError) Error() string  { return fmt.Sprintf("execution reverted: %s", e.reason) }
func (e *revertError) ErrorCode() int { return 3 }

type testEnv struct {
	chain   *fakeChain
	gw      *Gateway
	account common.Address
	key     *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	desc := loadTestDescriptor(t)
	chain := newFakeChain(desc)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(desc.ChainID))
	require.NoError(t, err)

	conn := &wallet.Connection{Account: signer.From, ChainID: desc.ChainID, Signer: signer, Backend: chain}
	gw, err := New(desc, conn, zap.NewNop(), opts...)
	require.NoError(t, err)
	return &testEnv{chain: chain, gw: gw, account: signer.From, key: key}
}

package gateway

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"github.com/matheus3301/ethchat/internal/codec"
	"github.com/matheus3301/ethchat/internal/metrics"
	"go.uber.org/zap"
)

const alreadyRegisteredReason = "already registered"

// TxResult describes an included transaction.
type TxResult struct {
	Hash        common.Hash
	GasUsed     uint64
	BlockNumber uint64
	BlockTime   int64 // inclusion time in milliseconds, 0 when unknown
	URL         string
}

// transact submits method and blocks until the transaction is included.
// There is no timeout beyond ctx.
func (g *Gateway) transact(ctx context.Context, method string, args ...any) (*TxResult, error) {
	if g.signer == nil {
		return nil, g.fail(method, chainerr.New(chainerr.ProviderMissing, "no signer for "+g.account.Hex()))
	}
	opts := *g.signer
	opts.Context = ctx

	tx, err := g.contract.Transact(&opts, method, args...)
	metrics.ContractCalls.WithLabelValues(method, metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, g.fail(method, err)
	}
	g.logger.Info("transaction submitted", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, g.backend, tx)
	if err != nil {
		return nil, g.fail(method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, g.fail(method, chainerr.New(chainerr.Reverted, "transaction reverted on-chain"))
	}

	res := &TxResult{
		Hash:    receipt.TxHash,
		GasUsed: receipt.GasUsed,
		URL:     g.desc.TxURL(receipt.TxHash),
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
		if head, err := g.backend.HeaderByNumber(ctx, receipt.BlockNumber); err == nil {
			res.BlockTime = int64(head.Time) * 1000
		} else {
			g.logger.Debug("block header unavailable", zap.Uint64("block", res.BlockNumber), zap.Error(err))
		}
	}
	metrics.TxGasUsed.WithLabelValues(method).Observe(float64(res.GasUsed))
	g.logger.Info("transaction mined",
		zap.String("method", method),
		zap.String("tx", res.Hash.Hex()),
		zap.Uint64("gas_used", res.GasUsed),
		zap.Uint64("block", res.BlockNumber))
	return res, nil
}

// RegisterPublicKey registers key for the account. A key that is already
// registered yields an AlreadyRegistered error.
func (g *Gateway) RegisterPublicKey(ctx context.Context, key string) (*TxResult, error) {
	if strings.TrimSpace(key) == "" {
		return nil, chainerr.New(chainerr.Invalid, "public key is empty")
	}
	res, err := g.transact(ctx, "registerPublicKey", key)
	if err != nil && chainerr.RevertedWith(err, alreadyRegisteredReason) {
		return nil, chainerr.Wrap(chainerr.AlreadyRegistered, err)
	}
	return res, err
}

// SendMessage encodes text and submits it to receiver.
func (g *Gateway) SendMessage(ctx context.Context, receiver common.Address, text string) (*TxResult, error) {
	return g.transact(ctx, "sendMessage", receiver, codec.Encode(text))
}

// MarkMessageAsRead marks the message at the contract's global index as read.
func (g *Gateway) MarkMessageAsRead(ctx context.Context, index int64) (*TxResult, error) {
	if index < 0 {
		return nil, chainerr.New(chainerr.Invalid, "message index unknown")
	}
	return g.transact(ctx, "markMessageAsRead", big.NewInt(index))
}

// Package gateway is the single channel to the messaging contract. Reads
// fail soft into empty defaults; writes wait for inclusion and return
// classified errors.
package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/chainerr"
	"github.com/matheus3301/ethchat/internal/metrics"
	"github.com/matheus3301/ethchat/internal/wallet"
	"go.uber.org/zap"
)

// DefaultLogPollInterval paces event polling when the endpoint cannot push.
const DefaultLogPollInterval = 2 * time.Second

// Gateway executes calls against one deployed messaging contract on behalf
// of one account.
type Gateway struct {
	desc     *Descriptor
	contract *bind.BoundContract
	backend  wallet.Backend
	account  common.Address
	signer   *bind.TransactOpts
	logger   *zap.Logger

	logPollInterval time.Duration
}

// Option adjusts a Gateway at construction.
type Option func(*Gateway)

// WithLogPollInterval sets the event polling period used over HTTP endpoints.
func WithLogPollInterval(d time.Duration) Option {
	return func(g *Gateway) { g.logPollInterval = d }
}

// New binds desc to the connection's backend and signer.
func New(desc *Descriptor, conn *wallet.Connection, logger *zap.Logger, opts ...Option) (*Gateway, error) {
	if desc == nil {
		return nil, errors.New("gateway: nil contract descriptor")
	}
	if conn == nil || conn.Backend == nil {
		return nil, chainerr.New(chainerr.ProviderMissing, "gateway needs a connected wallet")
	}
	if desc.ChainID != 0 && conn.ChainID != desc.ChainID {
		logger.Warn("wallet chain differs from contract deployment",
			zap.Uint64("wallet_chain", conn.ChainID),
			zap.Uint64("contract_chain", desc.ChainID))
	}
	g := &Gateway{
		desc:            desc,
		contract:        bind.NewBoundContract(desc.Address, desc.ABI, conn.Backend, conn.Backend, conn.Backend),
		backend:         conn.Backend,
		account:         conn.Account,
		signer:          conn.Signer,
		logger:          logger.With(zap.String("contract", desc.Address.Hex())),
		logPollInterval: DefaultLogPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Account is the address calls are made from.
func (g *Gateway) Account() common.Address { return g.account }

// Descriptor returns the contract descriptor.
func (g *Gateway) Descriptor() *Descriptor { return g.desc }

// CheckNetwork reports NetworkMismatch when chainID is not the deployment chain.
func (g *Gateway) CheckNetwork(chainID uint64) error {
	if g.desc.ChainID == 0 || g.desc.ChainID == chainID {
		return nil
	}
	return chainerr.Newf(chainerr.NetworkMismatch,
		"contract is deployed on chain %d, wallet is on %d", g.desc.ChainID, chainID)
}

func (g *Gateway) fail(method string, err error) *chainerr.Error {
	c := chainerr.Classify(err)
	metrics.ContractFailures.WithLabelValues(method, string(c.Kind)).Inc()
	return c
}

// readFailed logs a swallowed read error.
func (g *Gateway) readFailed(method string, err error) {
	c := g.fail(method, err)
	g.logger.Warn("contract read failed",
		zap.String("method", method),
		zap.String("kind", string(c.Kind)),
		zap.Error(err))
}

func convertErr(method string, v any, want string) error {
	return fmt.Errorf("%s: unexpected output %T, want %s", method, v, want)
}

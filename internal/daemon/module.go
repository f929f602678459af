package daemon

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matheus3301/ethchat/internal/api"
	"github.com/matheus3301/ethchat/internal/bus"
	"github.com/matheus3301/ethchat/internal/config"
	"github.com/matheus3301/ethchat/internal/gateway"
	"github.com/matheus3301/ethchat/internal/lock"
	"github.com/matheus3301/ethchat/internal/logging"
	"github.com/matheus3301/ethchat/internal/messenger"
	"github.com/matheus3301/ethchat/internal/metrics"
	"github.com/matheus3301/ethchat/internal/notice"
	"github.com/matheus3301/ethchat/internal/profile"
	"github.com/matheus3301/ethchat/internal/status"
	"github.com/matheus3301/ethchat/internal/store"
	"github.com/matheus3301/ethchat/internal/wallet"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // nil = config.Defaults()
	Prompt     wallet.PassphraseFunc

	// Provider and Gateways replace the keystore wallet and the contract
	// binding when set.
	Provider wallet.Provider
	Gateways messenger.GatewayFactory
}

func (p Params) config() *config.Config {
	if p.Config == nil {
		return config.Defaults()
	}
	return p.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideNotices,
			provideWalletProvider,
			provideWalletSession,
			provideGatewayFactory,
			provideController,
			provideService,
			provideMetrics,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	return p.config()
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	b := bus.New()
	b.OnDrop(func(kind string) {
		metrics.BusDrops.WithLabelValues(kind).Inc()
	})
	return b
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.LockPath(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the cache is never opened by a second
// daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CachePath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Recovered {
		logger.Warn("replayed an interrupted migration", zap.Uint("version", result.Version))
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideNotices(b *bus.Bus, cfg *config.Config) *notice.Board {
	return notice.NewBoard(b, cfg.NoticeTTL)
}

func provideWalletProvider(p Params, cfg *config.Config, logger *zap.Logger) (wallet.Provider, error) {
	if p.Provider != nil {
		return p.Provider, nil
	}
	dir := cfg.KeystoreDir
	if dir == "" {
		dir = profile.DefaultKeystoreDir()
	}
	var account common.Address
	if cfg.Account != "" {
		if !common.IsHexAddress(cfg.Account) {
			return nil, fmt.Errorf("account %q is not an address", cfg.Account)
		}
		account = common.HexToAddress(cfg.Account)
	}
	logger.Info("opening keystore", zap.String("dir", dir))
	return wallet.NewKeystoreProvider(wallet.KeystoreOptions{
		Dir:      dir,
		Account:  account,
		Networks: cfg.ChainParams(),
		ChainID:  cfg.ExpectedChainID,
		Prompt:   p.Prompt,
		Logger:   logger.Named("keystore"),
	})
}

func provideWalletSession(provider wallet.Provider, cfg *config.Config, logger *zap.Logger) (*wallet.Session, error) {
	network, ok := cfg.Network(cfg.ExpectedChainID)
	if !ok {
		return nil, fmt.Errorf("expected chain %d is not configured", cfg.ExpectedChainID)
	}
	return wallet.NewSession(provider, network.ChainParams(), logger.Named("wallet")), nil
}

func provideGatewayFactory(p Params, cfg *config.Config, logger *zap.Logger) (messenger.GatewayFactory, error) {
	if p.Gateways != nil {
		return p.Gateways, nil
	}
	path := cfg.DescriptorPath
	if path == "" {
		path = profile.DefaultDescriptorPath()
	}
	desc, err := gateway.LoadDescriptor(path)
	if err != nil {
		return nil, fmt.Errorf("contract descriptor: %w", err)
	}
	logger.Info("contract descriptor loaded",
		zap.String("path", path),
		zap.String("address", desc.Address.Hex()),
		zap.Uint64("chain_id", desc.ChainID))
	return messenger.NewGatewayFactory(desc, logger.Named("gateway"), gateway.WithLogPollInterval(cfg.PollInterval)), nil
}

func provideController(
	ws *wallet.Session,
	gateways messenger.GatewayFactory,
	db *store.DB,
	b *bus.Bus,
	notices *notice.Board,
	machine *status.Machine,
	cfg *config.Config,
	logger *zap.Logger,
) (*messenger.Controller, error) {
	minWei, err := cfg.MinSendWei()
	if err != nil {
		return nil, err
	}
	return messenger.New(ws, gateways, db, b, notices, machine, logger.Named("messenger"), messenger.Options{
		PollInterval:      cfg.PollInterval,
		DedupWindow:       cfg.DedupWindow,
		WalletNoticeClear: cfg.WalletNoticeClear,
		MinSendBalance:    minWei,
	}), nil
}

func provideService(p Params, ctrl *messenger.Controller, b *bus.Bus, db *store.DB, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, ctrl, b, db, logger.Named("api"))
}

func provideMetrics(cfg *config.Config) *metrics.Server {
	return metrics.NewServer(cfg.MetricsAddr)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	ms *metrics.Server,
	ctrl *messenger.Controller,
	provider wallet.Provider,
	notices *notice.Board,
	db *store.DB,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			go func() {
				if err := ms.Serve(); err != nil {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()

			// Restores a prior wallet authorization without prompting.
			ctrl.Start(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			ctrl.Close()
			srv.Stop(ctx)
			notices.Close()
			if c, ok := provider.(interface{ Close() }); ok {
				c.Close()
			}
			err := multierr.Combine(
				ms.Shutdown(ctx),
				db.Close(),
				lk.Release(),
			)
			if err != nil {
				logger.Warn("shutdown errors", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return err
		},
	})
}

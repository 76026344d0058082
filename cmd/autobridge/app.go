package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"

	"github.com/althea-net/auto-bridge/internal/amm"
	"github.com/althea-net/auto-bridge/internal/bridge"
	"github.com/althea-net/auto-bridge/internal/chain"
	"github.com/althea-net/auto-bridge/internal/config"
	"github.com/althea-net/auto-bridge/internal/convert"
	"github.com/althea-net/auto-bridge/internal/health"
	"github.com/althea-net/auto-bridge/internal/journal"
	"github.com/althea-net/auto-bridge/internal/kms"
	"github.com/althea-net/auto-bridge/internal/signer"
)

// app holds every wired component for one CLI invocation.
type app struct {
	cfg *config.Config
	log *slog.Logger

	foreign *chain.Client
	home    *chain.Client
	account *chain.Account
	remote  *signer.Client // nil when signing locally

	oracle      *amm.Oracle
	executor    *amm.Executor
	bridge      *bridge.Transfer
	coordinator *convert.Coordinator
	monitor     *health.Monitor

	backgroundCtx  context.Context
	stopBackground context.CancelFunc
	background     sync.WaitGroup
	closers        []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.foreign, err = chain.Dial(ctx, chain.Foreign, cfg.Foreign.RPCURL, cfg.Foreign.ChainID,
		chain.WithPollInterval(cfg.Foreign.PollInterval()), chain.WithLogger(log)); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.foreign.Close)

	if a.home, err = chain.Dial(ctx, chain.Home, cfg.Home.RPCURL, cfg.Home.ChainID,
		chain.WithPollInterval(cfg.Home.PollInterval()), chain.WithLogger(log)); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.home.Close)

	if a.account, err = a.openAccount(ctx); err != nil {
		return nil, err
	}

	gasPrice, err := weiSetting("conversion.gas_price_wei", cfg.Conversion.GasPriceWei)
	if err != nil {
		return nil, err
	}
	foreignGas := chain.GasOverrides{Price: gasPrice, Limit: cfg.Conversion.GasLimit}
	homeGas := chain.GasOverrides{Limit: cfg.Conversion.GasLimit}

	pool := amm.Pool{
		Exchange: common.HexToAddress(cfg.Contracts.Exchange),
		Token:    common.HexToAddress(cfg.Contracts.Token),
	}
	a.oracle = amm.NewOracle(a.foreign, pool, a.account.Address)
	a.executor = amm.NewExecutor(a.oracle, a.account, amm.WithGas(foreignGas), amm.WithLogger(log))

	a.bridge, err = bridge.New(a.foreign, a.home, a.account, bridge.Config{
		Token:           pool.Token,
		ForeignBridge:   common.HexToAddress(cfg.Contracts.ForeignBridge),
		HomeBridge:      common.HexToAddress(cfg.Contracts.HomeBridge),
		NonceRange:      cfg.Conversion.NonceRange,
		Timeout:         cfg.Conversion.BridgeTimeout(),
		ConfirmDeposits: cfg.Conversion.ConfirmDeposits,
		ForeignGas:      foreignGas,
		HomeGas:         homeGas,
	}, bridge.WithLogger(log))
	if err != nil {
		return nil, err
	}

	a.monitor = health.NewMonitor(health.Config{
		StaleThreshold: time.Duration(cfg.Health.StaleThresholdSec) * time.Second,
		CoolOff:        time.Duration(cfg.Health.CoolOffSec) * time.Second,
		PollInterval:   time.Duration(cfg.Health.PollIntervalSec) * time.Second,
	}, log)
	a.monitor.Watch(a.foreign)
	a.monitor.Watch(a.home)
	a.goBackground(ctx, a.monitor.Run)

	minAmount, err := weiSetting("conversion.min_amount_wei", cfg.Conversion.MinAmountWei)
	if err != nil {
		return nil, err
	}
	if headroom := a.bridge.Headroom(); minAmount == nil || minAmount.Cmp(headroom) < 0 {
		minAmount = headroom
	}
	opts := []convert.Option{
		convert.WithValidator(convert.NewValidator(a.monitor, minAmount)),
		convert.WithSwapDeadline(cfg.Conversion.SwapDeadline()),
		convert.WithLogger(log),
	}
	if cfg.Redis.Addr != "" {
		j, err := a.startJournal(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, convert.WithJournal(j))
	}
	a.coordinator = convert.New(a.executor, a.bridge, a.account.Address, opts...)

	return a, nil
}

// openAccount builds the operator identity, signing either through the
// daemon or with a local in-memory session.
func (a *app) openAccount(ctx context.Context) (*chain.Account, error) {
	want := common.HexToAddress(a.cfg.Account.Address)

	if a.cfg.Signer.Remote {
		client, err := signer.Dial(a.cfg.Signer.SocketPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Close() })
		st, err := client.Status(ctx)
		if err != nil {
			return nil, err
		}
		if !st.Active {
			return nil, fmt.Errorf("signer daemon has no active session: %w", signer.ErrNoActiveSession)
		}
		if st.Address != want {
			return nil, fmt.Errorf("signer daemon holds %s, configured account is %s", st.Address.Hex(), want.Hex())
		}
		a.remote = client
		return &chain.Account{Address: want, Signer: client}, nil
	}

	key, err := kms.OperatorKey(ctx, a.cfg.Account.PrivateKey, a.cfg.Account.EncryptedKeyPath,
		a.cfg.KMS.AWSRegion, a.cfg.KMS.LocalStackEndpoint)
	if err != nil {
		return nil, err
	}
	maxValue, err := weiSetting("signer.max_value_wei", a.cfg.Signer.MaxValueWei)
	if err != nil {
		memguard.WipeBytes(key)
		return nil, err
	}
	session := signer.NewSessionManager(0)
	if err := session.Activate(key, maxValue); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, session.Destroy)
	if got := session.Address(); got != want {
		return nil, fmt.Errorf("operator key controls %s, configured account is %s", got.Hex(), want.Hex())
	}
	return &chain.Account{Address: want, Signer: session}, nil
}

func (a *app) startJournal(ctx context.Context) (*journal.RedisJournal, error) {
	rc, err := journal.Dial(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { rc.Close() })
	j := journal.NewRedisJournal(rc, time.Duration(a.cfg.Redis.TTLHours)*time.Hour, a.log)
	a.goBackground(ctx, j.Run)
	return j, nil
}

// goBackground runs fn until close. The context outlives ctx's cancellation
// so the journal can drain after an interrupt.
func (a *app) goBackground(ctx context.Context, fn func(context.Context)) {
	if a.stopBackground == nil {
		var bctx context.Context
		bctx, a.stopBackground = context.WithCancel(context.WithoutCancel(ctx))
		a.backgroundCtx = bctx
	}
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		fn(a.backgroundCtx)
	}()
}

// waitHealthy polls both chains until they pass the health gate or timeout
// elapses.
func (a *app) waitHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := a.monitor.WaitHealthy(ctx, chain.Foreign, chain.Home); err != nil {
		return fmt.Errorf("%w: %v", convert.ErrChainUnhealthy, err)
	}
	return nil
}

// close stops the background loops, letting the journal flush, then
// releases connections in reverse order.
func (a *app) close() {
	if a.stopBackground != nil {
		a.stopBackground()
		a.background.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// weiSetting parses a wei amount from the config, naming the key on error.
func weiSetting(key, raw string) (*big.Int, error) {
	v, err := config.ParseWei(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalidConfig, key, err)
	}
	return v, nil
}

// nonNil returns v or zero.
func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

package pawn

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/internal/httpclient"
	"github.com/teranos/pawnx/ledger"
	"github.com/teranos/pawnx/market"
	"github.com/teranos/pawnx/mint"
	"github.com/teranos/pawnx/pulse"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/pulse/retry"
	"github.com/teranos/pawnx/pulse/schedule"
	"github.com/teranos/pawnx/purchase"
	"github.com/teranos/pawnx/settlement"
	"github.com/teranos/pawnx/vault"
)

// Runtime is a fully wired process: queue, handlers, scheduler, progress
// bus and the service on top of them.
type Runtime struct {
	Config    *am.Config
	Queue     *async.Queue
	Registry  *async.Registry
	Rules     *schedule.Store
	Ticker    *schedule.Ticker
	Bus       *pulse.Bus
	Store     *vault.Store
	Ledger    ledger.Client
	Keys      ledger.KeyProvider
	Discovery *settlement.Discovery
	Service   *Service

	redis  *redis.Client
	logger *zap.SugaredLogger
	relay  sync.WaitGroup
	cancel context.CancelFunc
}

// Options override parts of the runtime (tests, alternative ledgers)
type Options struct {
	Ledger ledger.Client
	Keys   ledger.KeyProvider
	Redis  *redis.Client
}

// NewRuntime wires every queue handler over database. Nothing runs until
// Start.
func NewRuntime(ctx context.Context, cfg *am.Config, database *sql.DB, opts Options, log *zap.SugaredLogger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, logger: log}

	rt.Ledger = opts.Ledger
	if rt.Ledger == nil {
		client, err := ledger.New(cfg, log.Named("ledger"))
		if err != nil {
			return nil, err
		}
		rt.Ledger = client
	}
	rt.Keys = opts.Keys
	if rt.Keys == nil {
		rt.Keys = ledger.KeysFromConfig(cfg)
	}

	rt.Bus = pulse.NewBus(log.Named("progress"))
	rt.redis = opts.Redis
	if rt.redis == nil && cfg.Redis.Enabled {
		rdb, err := pulse.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		rt.redis = rdb
	}
	if rt.redis != nil {
		rt.Bus.AddForwarder(pulse.NewRedisPublisher(rt.redis, cfg.Redis.Channel))
	}

	rt.Store = vault.NewStore(database)
	rt.Queue = async.NewQueue(database, async.QueueConfigsFrom(cfg)...)
	rt.Registry = async.NewRegistry(rt.Queue, async.RegistryConfigFrom(cfg), log)
	rt.Rules = schedule.NewStore(database)
	rt.Ticker = schedule.NewTicker(rt.Rules, rt.Queue, schedule.TickerConfig{
		Interval: time.Duration(cfg.Pulse.TickerIntervalSeconds) * time.Second,
	}, log)

	policy := retry.FromConfig(cfg.Retry, ledger.IsTransient)

	limit := rate.Inf
	if cfg.Ledger.SubmissionsPerSecond > 0 {
		limit = rate.Limit(cfg.Ledger.SubmissionsPerSecond)
	}
	minter := mint.NewMinter(rt.Ledger, policy, rate.NewLimiter(limit, cfg.Mint.MaxConcurrentWorkers), cfg.Ledger.BatchCeiling, log.Named("mint"))

	pipeline := settlement.NewPipeline(rt.Store, rt.Ledger, rt.Keys, policy, settlement.ConfigFrom(cfg), log.Named("settlement"))
	rt.Discovery = settlement.NewDiscovery(rt.Store, rt.Queue, cfg.Location(), log.Named("discovery"))

	timeout := time.Duration(cfg.Market.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	fetcher := market.NewFetcher(httpclient.NewSaferClient(timeout), cfg.Market.PriceURL, log.Named("market"))

	rt.Registry.Register(am.QueueScheduler, rt.Discovery)
	rt.Registry.Register(am.QueueRepayment, settlement.NewHandler(pipeline, rt.Bus))
	rt.Registry.Register(am.QueueTokenMint, mint.NewHandler(rt.Store, rt.Ledger, rt.Keys, minter, rt.Bus, mint.HandlerConfig{
		BatchSize:            cfg.Mint.BatchSize,
		MaxConcurrentWorkers: cfg.Mint.MaxConcurrentWorkers,
	}, log.Named("mint")))
	rt.Registry.Register(am.QueueTokenPurchase, purchase.NewHandler(rt.Store, rt.Ledger, rt.Keys, rt.Bus, policy,
		cfg.Ledger.PaymentTokenID, cfg.Ledger.BatchCeiling, log.Named("purchase")))
	rt.Registry.Register(am.QueueGoldPrice, market.NewHandler(fetcher, rt.Store, cfg.Market.Asset, log.Named("market")))

	rt.Service = NewService(rt.Queue, rt.Rules, rt.Store, cfg, log)
	return rt, nil
}

// Start registers the daily rules and starts workers, the ticker, and the
// Redis relay when Redis is configured.
func (rt *Runtime) Start(ctx context.Context) error {
	if _, err := rt.Service.ScheduleDailyDiscovery(ctx); err != nil {
		return errors.Wrap(err, "failed to register daily discovery")
	}
	if _, err := rt.Service.ScheduleDailyExternalPriceFetch(ctx); err != nil {
		return errors.Wrap(err, "failed to register daily price fetch")
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	if err := rt.Registry.Start(runCtx); err != nil {
		cancel()
		return err
	}
	rt.Ticker.Start(runCtx)
	rt.StartRelay(runCtx)
	return nil
}

// StartRelay delivers progress published by other processes to the local
// bus. A no-op without Redis.
func (rt *Runtime) StartRelay(ctx context.Context) {
	if rt.redis == nil {
		return
	}
	if rt.cancel == nil {
		ctx, rt.cancel = context.WithCancel(ctx)
	}
	rt.relay.Add(1)
	go func() {
		defer rt.relay.Done()
		if err := pulse.RedisRelay(ctx, rt.redis, rt.Config.Redis.Channel, rt.Bus, rt.logger); err != nil {
			rt.logger.Errorw("Progress relay stopped", "error", err)
		}
	}()
}

// Shutdown stops the ticker, drains workers until ctx's deadline, and
// closes the Redis client.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.Ticker.Stop()
	err := rt.Registry.Shutdown(ctx)
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.relay.Wait()
	if rt.redis != nil {
		if cerr := rt.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

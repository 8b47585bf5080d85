package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/internal/api"
	"github.com/Yaklede/bitcoin-auto-bot/internal/events"
	"github.com/Yaklede/bitcoin-auto-bot/internal/market"
	"github.com/Yaklede/bitcoin-auto-bot/internal/order"
	"github.com/Yaklede/bitcoin-auto-bot/internal/risk"
	"github.com/Yaklede/bitcoin-auto-bot/internal/runner"
	"github.com/Yaklede/bitcoin-auto-bot/internal/safety"
	"github.com/Yaklede/bitcoin-auto-bot/internal/state"
	"github.com/Yaklede/bitcoin-auto-bot/internal/strategy"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/cache"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/config"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/db"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/exchange"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] config load failed: %v", err)
	}
	params, err := config.LoadParams(cfg.ParamsPath)
	if err != nil {
		log.Fatalf("[main] params load failed: %v", err)
	}
	mkt := params.Exchange.Market

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Printf("[main] starting bitcoin-auto-bot %s (mode=%s, market=%s)", buildVersion, cfg.Mode, mkt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store
	store, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[main] db init failed: %v", err)
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		log.Fatalf("[main] db migrations failed: %v", err)
	}

	// Cache tier. Startup survives a dead Redis: the synchronizer runs
	// degraded on the store alone.
	stateCache := openCache(ctx, cfg, params)
	if stateCache != nil {
		defer stateCache.Close()
	}

	// Core services
	bus := events.NewBus()

	// Exchange gateway selection
	var gw exchange.Gateway
	if cfg.Live() {
		if cfg.UpbitAccessKey == "" || cfg.UpbitSecretKey == "" {
			log.Fatalf("[main] live mode requires UPBIT_ACCESS_KEY and UPBIT_SECRET_KEY")
		}
		gw = exchange.NewUpbit(cfg.UpbitBaseURL, cfg.UpbitAccessKey, cfg.UpbitSecretKey, params.Exchange.RateLimitRPS)
		log.Printf("[main] live gateway: upbit (%s)", cfg.UpbitBaseURL)
	} else {
		paper := exchange.NewPaper(params.Exchange.FeeRate, map[string]float64{
			"KRW": cfg.PaperInitialKRW,
		})
		gw = paper
		feed := market.MockFeed{Gateway: paper, Bus: bus, Market: mkt}
		feed.Start(ctx)
		log.Printf("[main] paper gateway, starting balance %.0f KRW", cfg.PaperInitialKRW)
	}
	ledger := order.NewLedger(gw, 3, time.Second)
	engine := risk.NewEngine(risk.Params{
		RiskBps:         params.Risk.RiskBps,
		DailyStopR:      params.Risk.DailyStopR,
		WeeklyStopR:     params.Risk.WeeklyStopR,
		DailyHalt:       time.Duration(params.Risk.DailyHaltHours) * time.Hour,
		WeeklyHalt:      time.Duration(params.Risk.WeeklyHaltHours) * time.Hour,
		StopATRMult:     params.Risk.StopATRMult,
		TrailATRMult:    params.Risk.TrailATRMult,
		MinOrderSize:    params.Risk.MinOrderSize,
		MaxPositionPct:  params.Risk.MaxPositionPct,
		VolumePrecision: params.Risk.VolumePrecision,
		PricePrecision:  params.Risk.PricePrecision,
	})

	sy := state.NewSynchronizer(stateCache, store, ledger, engine, gw, bus, state.Options{
		Market:           mkt,
		Timeout:          params.CallTimeout(),
		SyncInterval:     params.SyncInterval(),
		SnapshotInterval: params.SnapshotInterval(),
	})
	ledger.SetNotifier(sy.OnOrderChange)
	engine.SetHooks(sy.OnPositionChange, sy.OnTrade)

	// Crash-safe bootstrap: cache first, store wins for position and orders.
	st, err := sy.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("[main] state bootstrap failed: %v", err)
	}
	log.Printf("[main] state restored (trading_active=%v, position=%v, open_orders=%d)",
		st.TradingActive, st.Position != nil, len(st.ActiveOrders))

	// Signal provider
	var provider strategy.Provider
	switch params.Strategy.Provider {
	case "trend":
		provider = strategy.NewTrend(params.Strategy.ShortMA, params.Strategy.LongMA,
			params.Strategy.ATRPeriod, params.Strategy.Confidence)
		log.Printf("[main] trend provider (ma %d/%d, atr %d)",
			params.Strategy.ShortMA, params.Strategy.LongMA, params.Strategy.ATRPeriod)
	case "hold", "":
		provider = strategy.Hold{}
	default:
		log.Printf("[main] unknown strategy provider %q, using hold", params.Strategy.Provider)
		provider = strategy.Hold{}
	}

	// Foreground control loop
	run := runner.New(sy, ledger, engine, gw, provider, mkt,
		params.CycleInterval(), params.Runner.MaxErrors)

	// Kill-switch, re-armed from the cache mirror after a restart.
	ctrl := safety.NewController(sy, stateCache, ledger, engine, gw, bus, mkt, run.Stop)
	ctrl.Restore(ctx)

	// Background reconciliation + snapshots
	syncDone := make(chan struct{})
	go func() {
		sy.Run(ctx)
		close(syncDone)
	}()

	// API
	server := api.NewServer(bus, store, sy, ctrl, engine, ledger, api.SystemMeta{
		Mode:    cfg.Mode,
		Market:  mkt,
		Version: buildVersion,
	}, cfg.APIToken)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("[main] api server error: %v", err)
		}
	}()

	// Trading loop runs until a signal, the kill-switch or too many
	// consecutive cycle errors.
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- run.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Printf("[main] shutdown signal received")
		run.Stop()
		<-runnerDone
	case err := <-runnerDone:
		if err != nil {
			log.Printf("[main] trading loop terminated: %v", err)
			ctrl.Activate(ctx, "runner failure: "+err.Error(), false)
		}
	}

	// The command loop closes only after the background sync has returned.
	cancel()
	<-syncDone
	sy.Close()
	log.Printf("[main] shutdown complete")
}

// openCache dials Redis with a few retries. A nil return means the bot
// runs without the cache tier.
func openCache(ctx context.Context, cfg *config.Config, params *config.Params) *cache.StateCache {
	c, err := cache.New(cfg.RedisURL, time.Duration(params.Sync.CacheTTLSec)*time.Second)
	if err != nil {
		log.Printf("[main] cache url invalid, running without cache tier: %v", err)
		return nil
	}
	for attempt := 1; attempt <= params.Sync.StartupRetries; attempt++ {
		pctx, pcancel := context.WithTimeout(ctx, 2*time.Second)
		err = c.Ping(pctx)
		pcancel()
		if err == nil {
			log.Printf("[main] cache tier connected")
			return c
		}
		log.Printf("[main] cache ping failed (attempt %d/%d): %v", attempt, params.Sync.StartupRetries, err)
		time.Sleep(time.Second)
	}
	c.Close()
	log.Printf("[main] cache tier unavailable, running degraded")
	return nil
}

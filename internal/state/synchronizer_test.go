package state

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/internal/events"
	"github.com/Yaklede/bitcoin-auto-bot/internal/order"
	"github.com/Yaklede/bitcoin-auto-bot/internal/risk"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/db"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/exchange"
)

const market = "KRW-BTC"

type fixture struct {
	store  *db.Database
	gw     *exchange.Paper
	ledger *order.Ledger
	engine *risk.Engine
	sync   *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	gw := exchange.NewPaper(0, map[string]float64{"KRW": 1000000, "BTC": 1})
	gw.SetTicker(market, 50000000)

	ledger := order.NewLedger(gw, 3, time.Millisecond)
	engine := risk.NewEngine(risk.Params{
		RiskBps: 50, DailyStopR: -2, WeeklyStopR: -5,
		DailyHalt: 24 * time.Hour, WeeklyHalt: 168 * time.Hour,
		StopATRMult: 2.5, TrailATRMult: 3.0,
		MinOrderSize: 0.00008, MaxPositionPct: 0.95, VolumePrecision: 8,
	})

	// nil cache: the synchronizer must run degraded but functional.
	s := NewSynchronizer(nil, store, ledger, engine, gw, events.NewBus(), Options{
		Market: market, Timeout: 2 * time.Second,
	})
	t.Cleanup(s.Close)

	ledger.SetNotifier(s.OnOrderChange)
	engine.SetHooks(s.OnPositionChange, s.OnTrade)

	return &fixture{store: store, gw: gw, ledger: ledger, engine: engine, sync: s}
}

func TestBootstrapFreshState(t *testing.T) {
	f := newFixture(t)

	st, err := f.sync.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !st.TradingActive {
		t.Error("fresh state should be trading active")
	}
	if st.Position != nil || len(st.ActiveOrders) != 0 {
		t.Errorf("fresh state should be flat and empty: %+v", st)
	}

	cacheDeg, storeDeg := f.sync.Degraded()
	if !cacheDeg {
		t.Error("nil cache should report the cache tier degraded")
	}
	if storeDeg {
		t.Error("store should be healthy")
	}
}

func TestOrderMutationWritesThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sync.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	o, err := f.ledger.Submit(ctx, order.Spec{
		Market: market, Side: exchange.SideBuy, Type: exchange.TypeMarket, Volume: 0.004,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	row, err := f.store.GetOrder(ctx, o.Key)
	if err != nil {
		t.Fatalf("order not in durable store: %v", err)
	}
	if row.State != "filled" {
		t.Errorf("stored state = %s", row.State)
	}
	if row.ExchangeID == "" {
		t.Error("stored order missing exchange id")
	}
}

func TestPositionLifecycleWritesThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sync.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if !f.engine.OpenPosition(risk.SideLong, 50000000, 0.004, 48750000) {
		t.Fatal("OpenPosition failed")
	}

	row, err := f.store.GetPosition(ctx, market)
	if err != nil {
		t.Fatalf("position not in durable store: %v", err)
	}
	if row.EntryPrice != 50000000 || row.Volume != 0.004 {
		t.Errorf("stored position: %+v", row)
	}
	if st := f.sync.State(); st.Position == nil {
		t.Error("snapshot position not set")
	}

	f.engine.ClosePosition(51000000, "signal")

	if _, err := f.store.GetPosition(ctx, market); err != db.ErrNotFound {
		t.Errorf("position should be cleared from store, got %v", err)
	}
	trades, err := f.store.ListRecentTrades(ctx, market, 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("expected 1 durable trade, got %d err=%v", len(trades), err)
	}
	if math.Abs(trades[0].Pnl-4000) > 1e-6 {
		t.Errorf("trade pnl = %v", trades[0].Pnl)
	}

	st := f.sync.State()
	if st.Position != nil {
		t.Error("snapshot should be flat")
	}
	if math.Abs(st.DailyPnl-4000) > 1e-6 {
		t.Errorf("snapshot daily pnl = %v", st.DailyPnl)
	}
}

func TestStoreWinsOnBootstrap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Seed the durable store as a previous process would have left it.
	if err := f.store.UpsertPosition(ctx, db.Position{
		Market: market, Side: risk.SideLong, EntryPrice: 50000000,
		Volume: 0.004, StopPrice: 48750000, TrailPrice: 49500000,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := f.store.UpsertOrder(ctx, db.Order{
		UUID: "recovered-1", ExchangeID: "ex-1", Market: market,
		Side: exchange.SideSell, OrdType: "limit", Price: 52000000,
		Volume: 0.004, State: "open",
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	st, err := f.sync.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if st.Position == nil {
		t.Fatal("recovered position missing from snapshot")
	}
	if st.Position.TrailPrice != 49500000 {
		t.Errorf("trail price = %v", st.Position.TrailPrice)
	}
	if p := f.engine.CurrentPosition(); p == nil || p.EntryPrice != 50000000 {
		t.Errorf("engine did not adopt recovered position: %+v", p)
	}
	if ok, reason := f.engine.CanOpenPosition(); ok || reason != "position already open" {
		t.Errorf("engine should see the recovered position: %v %q", ok, reason)
	}

	if len(st.ActiveOrders) != 1 || st.ActiveOrders[0].Key != "recovered-1" {
		t.Errorf("recovered orders: %+v", st.ActiveOrders)
	}
	if _, ok := f.ledger.Get("recovered-1"); !ok {
		t.Error("ledger missing recovered order")
	}
}

func TestPositionRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sync.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	f.engine.OpenPosition(risk.SideLong, 50000000, 0.004, 48750000)
	f.engine.Update(51000000, 500000)
	want := f.engine.CurrentPosition()

	if err := f.sync.SyncWithStore(ctx); err != nil {
		t.Fatalf("SyncWithStore: %v", err)
	}
	got := f.sync.State().Position
	if got == nil {
		t.Fatal("position lost in round trip")
	}
	if got.Side != want.Side || got.EntryPrice != want.EntryPrice ||
		got.Volume != want.Volume || got.StopPrice != want.StopPrice ||
		got.TrailPrice != want.TrailPrice {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSyncWithExchangeRefreshesPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sync.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	f.gw.SetTicker(market, 51234000)
	if err := f.sync.SyncWithExchange(ctx); err != nil {
		t.Fatalf("SyncWithExchange: %v", err)
	}
	if st := f.sync.State(); st.LastPrice != 51234000 {
		t.Errorf("last price = %v", st.LastPrice)
	}
}

func TestSnapshotPersistsAccountValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sync.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	f.sync.SetLastPrice(50000000)

	if err := f.sync.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap, err := f.store.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap.TotalKRW != 1000000 || snap.TotalBTC != 1 {
		t.Errorf("balances: %+v", snap)
	}
	if want := 1000000 + 1*50000000.0; snap.TotalValueKRW != want {
		t.Errorf("total value = %v, want %v", snap.TotalValueKRW, want)
	}
}

func TestRunReturnsBeforeClose(t *testing.T) {
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	gw := exchange.NewPaper(0, map[string]float64{"KRW": 1000000})
	gw.SetTicker(market, 50000000)
	ledger := order.NewLedger(gw, 3, time.Millisecond)
	engine := risk.NewEngine(risk.Params{RiskBps: 50, DailyStopR: -2, WeeklyStopR: -5,
		DailyHalt: 24 * time.Hour, WeeklyHalt: 168 * time.Hour})

	// Tight intervals so the loop is mid-sync when shutdown starts.
	s := NewSynchronizer(nil, store, ledger, engine, gw, events.NewBus(), Options{
		Market: market, Timeout: time.Second,
		SyncInterval: time.Millisecond, SnapshotInterval: 2 * time.Millisecond,
	})
	ledger.SetNotifier(s.OnOrderChange)
	engine.SetHooks(s.OnPositionChange, s.OnTrade)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Let a few sync ticks land on the command loop first.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	// Closing after Run has joined must not race a pending command.
	s.Close()
}

func TestEmergencyReset(t *testing.T) {
	f := newFixture(t)
	st := f.sync.EmergencyReset()
	if st.TradingActive || !st.EmergencyStop {
		t.Errorf("reset state: %+v", st)
	}
}

package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/internal/events"
	"github.com/Yaklede/bitcoin-auto-bot/internal/order"
	"github.com/Yaklede/bitcoin-auto-bot/internal/risk"
	"github.com/Yaklede/bitcoin-auto-bot/internal/state"
	"github.com/Yaklede/bitcoin-auto-bot/internal/strategy"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/db"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/exchange"
)

const market = "KRW-BTC"

func newStack(t *testing.T, provider strategy.Provider) (*Runner, *risk.Engine, *exchange.Paper, *state.Synchronizer) {
	t.Helper()
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
	engine := risk.NewEngine(risk.Params{
		RiskBps: 50, DailyStopR: -2, WeeklyStopR: -5,
		DailyHalt: 24 * time.Hour, WeeklyHalt: 168 * time.Hour,
		StopATRMult: 2.5, TrailATRMult: 3.0,
		MinOrderSize: 0.00008, MaxPositionPct: 0.95, VolumePrecision: 8,
	})
	sy := state.NewSynchronizer(nil, store, ledger, engine, gw, events.NewBus(), state.Options{
		Market: market, Timeout: 2 * time.Second,
	})
	t.Cleanup(sy.Close)
	ledger.SetNotifier(sy.OnOrderChange)
	engine.SetHooks(sy.OnPositionChange, sy.OnTrade)

	if _, err := sy.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	r := New(sy, ledger, engine, gw, provider, market, 10*time.Millisecond, 3)
	return r, engine, gw, sy
}

func TestBuySignalOpensPosition(t *testing.T) {
	provider := &strategy.Static{Signals: []strategy.Signal{
		{Action: strategy.ActionBuy, Confidence: 1.0, ATR: 500000},
	}}
	r, engine, _, sy := newStack(t, provider)

	if err := r.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	pos := engine.CurrentPosition()
	if pos == nil {
		t.Fatal("buy signal should open a position")
	}
	// equity 1,000,000, entry 50M, stop 48.75M, 50bps => 0.004
	if pos.Volume != 0.004 {
		t.Errorf("volume = %v, want 0.004", pos.Volume)
	}
	if pos.StopPrice != 48750000 {
		t.Errorf("stop = %v", pos.StopPrice)
	}
	if st := sy.State(); st.LastSignal != strategy.ActionBuy {
		t.Errorf("last signal = %q", st.LastSignal)
	}
}

func TestSellSignalClosesPosition(t *testing.T) {
	provider := &strategy.Static{Signals: []strategy.Signal{
		{Action: strategy.ActionBuy, Confidence: 1.0, ATR: 500000},
		{Action: strategy.ActionSell, Confidence: 1.0, ATR: 500000},
	}}
	r, engine, gw, _ := newStack(t, provider)
	ctx := context.Background()

	if err := r.cycle(ctx); err != nil {
		t.Fatalf("buy cycle: %v", err)
	}
	gw.SetTicker(market, 51000000)
	if err := r.cycle(ctx); err != nil {
		t.Fatalf("sell cycle: %v", err)
	}

	if engine.CurrentPosition() != nil {
		t.Error("sell signal should close the position")
	}
	trades := engine.Trades()
	if len(trades) != 1 || trades[0].Reason != "signal" {
		t.Errorf("trades: %+v", trades)
	}
}

func TestHoldSignalDoesNothing(t *testing.T) {
	r, engine, _, _ := newStack(t, strategy.Hold{})
	if err := r.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if engine.CurrentPosition() != nil {
		t.Error("hold should not trade")
	}
}

func TestTradingInactiveBlocksExecution(t *testing.T) {
	provider := &strategy.Static{Signals: []strategy.Signal{
		{Action: strategy.ActionBuy, Confidence: 1.0, ATR: 500000},
	}}
	r, engine, _, sy := newStack(t, provider)

	sy.SetTradingActive(false)
	if err := r.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if engine.CurrentPosition() != nil {
		t.Error("kill-switched bot must not open positions")
	}
}

type failingProvider struct{ calls int }

func (f *failingProvider) Next(ctx context.Context, price float64) (strategy.Signal, error) {
	f.calls++
	return strategy.Signal{}, errors.New("not enough candles")
}

func TestProviderErrorSkipsCycleWithoutMutation(t *testing.T) {
	provider := &failingProvider{}
	r, engine, _, _ := newStack(t, provider)

	if err := r.cycle(context.Background()); err != nil {
		t.Fatalf("data insufficiency must not fail the cycle: %v", err)
	}
	if engine.CurrentPosition() != nil {
		t.Error("no mutation expected on a skipped cycle")
	}
}

func TestCounterRolloverAtBoundaries(t *testing.T) {
	r, engine, _, _ := newStack(t, strategy.Hold{})
	engine.RestoreCounters(-1000, -3000, -0.5, -1.5, 7)

	// Tuesday evening to later the same day: nothing resets.
	day1 := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	r.rollCounters(day1)
	r.rollCounters(day1.Add(8 * time.Hour))
	st := engine.Status()
	if st.DailyR != -0.5 || st.WeeklyR != -1.5 {
		t.Fatalf("counters changed within the same day: %+v", st)
	}

	// Wednesday: daily counters reset, weekly survive.
	r.rollCounters(day1.Add(24 * time.Hour))
	st = engine.Status()
	if st.DailyR != 0 || st.DailyPnl != 0 {
		t.Errorf("daily counters not reset at day boundary: %+v", st)
	}
	if st.WeeklyR != -1.5 || st.WeeklyPnl != -3000 {
		t.Errorf("weekly counters must survive a day boundary: %+v", st)
	}

	// Following Monday: weekly counters reset too.
	r.rollCounters(day1.Add(6 * 24 * time.Hour))
	st = engine.Status()
	if st.WeeklyR != 0 || st.WeeklyPnl != 0 {
		t.Errorf("weekly counters not reset at week boundary: %+v", st)
	}
	if st.TotalTrades != 7 {
		t.Errorf("lifetime counters must never reset: %+v", st)
	}
}

func TestStopPreemptsRun(t *testing.T) {
	r, _, _, _ := newStack(t, strategy.Hold{})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(25 * time.Millisecond)
	r.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error on stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe stop signal")
	}
}

func TestConsecutiveErrorsTerminate(t *testing.T) {
	r, _, _, _ := newStack(t, strategy.Hold{})
	// Swap in a gateway that always fails ticker fetches.
	r.gw = tickerlessGateway{}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected termination error after repeated failures")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not terminate on repeated errors")
	}
}

type tickerlessGateway struct{}

func (tickerlessGateway) PlaceOrder(context.Context, exchange.OrderSpec) (exchange.Ack, error) {
	return exchange.Ack{}, errors.New("down")
}
func (tickerlessGateway) CancelOrder(context.Context, string) (bool, error) {
	return false, errors.New("down")
}
func (tickerlessGateway) GetOrderStatus(context.Context, string) (exchange.OrderStatus, error) {
	return exchange.OrderStatus{}, errors.New("down")
}
func (tickerlessGateway) GetOpenOrders(context.Context, string) ([]exchange.OrderStatus, error) {
	return nil, errors.New("down")
}
func (tickerlessGateway) GetBalances(context.Context) (map[string]exchange.Balance, error) {
	return nil, errors.New("down")
}
func (tickerlessGateway) GetTicker(context.Context, string) (exchange.Ticker, error) {
	return exchange.Ticker{}, errors.New("down")
}

// Package runner drives the foreground control loop: refresh orders,
// manage the position, act on the latest signal, persist the snapshot,
// sleep. The order of those steps matters; acting on a signal before the
// position is current risks trading against stale state.
package runner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/internal/order"
	"github.com/Yaklede/bitcoin-auto-bot/internal/risk"
	"github.com/Yaklede/bitcoin-auto-bot/internal/state"
	"github.com/Yaklede/bitcoin-auto-bot/internal/strategy"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/exchange"
)

// Runner owns the control loop.
type Runner struct {
	sync     *state.Synchronizer
	ledger   *order.Ledger
	engine   *risk.Engine
	gw       exchange.Gateway
	provider strategy.Provider
	market   string

	interval  time.Duration
	maxErrors int

	stop     chan struct{}
	stopOnce sync.Once

	lastCycle time.Time
}

// New builds a runner. maxErrors consecutive cycle failures terminate the
// loop; individual failures are absorbed and retried next cycle.
func New(sy *state.Synchronizer, ledger *order.Ledger, engine *risk.Engine,
	gw exchange.Gateway, provider strategy.Provider, market string,
	interval time.Duration, maxErrors int) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxErrors <= 0 {
		maxErrors = 10
	}
	return &Runner{
		sync:      sy,
		ledger:    ledger,
		engine:    engine,
		gw:        gw,
		provider:  provider,
		market:    market,
		interval:  interval,
		maxErrors: maxErrors,
		stop:      make(chan struct{}),
	}
}

// Stop preempts the loop; the kill-switch uses it so an emergency does not
// wait for the next scheduled cycle.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Run executes cycles until the context is canceled, Stop is called, or
// the consecutive error threshold is exceeded.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("[runner] control loop started (cycle %s)", r.interval)
	errCount := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("[runner] context canceled, stopping")
			return nil
		case <-r.stop:
			log.Printf("[runner] stop signal received")
			return nil
		default:
		}

		if err := r.cycle(ctx); err != nil {
			errCount++
			log.Printf("[runner] cycle failed (%d/%d): %v", errCount, r.maxErrors, err)
			if errCount >= r.maxErrors {
				return fmt.Errorf("runner: %d consecutive cycle failures, terminating: %w", errCount, err)
			}
		} else {
			errCount = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			log.Printf("[runner] stop signal received during sleep")
			return nil
		case <-time.After(r.interval):
		}
	}
}

// cycle runs one pass: order refresh, position management, signal
// execution, snapshot persistence.
func (r *Runner) cycle(ctx context.Context) error {
	r.rollCounters(time.Now())
	r.ledger.RefreshAll(ctx)

	tk, err := r.gw.GetTicker(ctx, r.market)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	r.sync.SetLastPrice(tk.Last)

	sig, err := r.provider.Next(ctx, tk.Last)
	if err != nil {
		// Data insufficiency: skip the cycle without mutating anything.
		log.Printf("[runner] no signal this cycle: %v", err)
		r.sync.Propagate()
		return nil
	}
	r.sync.SetLastSignal(sig.Action)

	r.engine.Update(tk.Last, sig.ATR)

	if r.sync.State().TradingActive {
		r.execute(ctx, tk.Last, sig)
	}

	r.sync.Propagate()
	return nil
}

// rollCounters zeroes the daily counters on a calendar day change and the
// weekly counters on an ISO week change. An armed halt keeps its deadline;
// only the accumulators reset.
func (r *Runner) rollCounters(now time.Time) {
	if r.lastCycle.IsZero() {
		r.lastCycle = now
		return
	}
	py, pm, pd := r.lastCycle.Date()
	cy, cm, cd := now.Date()
	if py != cy || pm != cm || pd != cd {
		r.engine.ResetDailyStats()
		log.Printf("[runner] new day, daily counters reset")
	}
	pwy, pw := r.lastCycle.ISOWeek()
	cwy, cw := now.ISOWeek()
	if pwy != cwy || pw != cw {
		r.engine.ResetWeeklyStats()
		log.Printf("[runner] new week, weekly counters reset")
	}
	r.lastCycle = now
}

// execute turns a buy or sell signal into orders.
func (r *Runner) execute(ctx context.Context, price float64, sig strategy.Signal) {
	switch sig.Action {
	case strategy.ActionBuy:
		r.enter(ctx, price, sig)
	case strategy.ActionSell:
		r.exit(ctx, price)
	}
}

func (r *Runner) enter(ctx context.Context, price float64, sig strategy.Signal) {
	ok, reason := r.engine.CanOpenPosition()
	if !ok {
		log.Printf("[runner] buy signal ignored: %s", reason)
		return
	}
	if sig.ATR <= 0 {
		log.Printf("[runner] buy signal without ATR, cannot place a stop")
		return
	}

	balances, err := r.gw.GetBalances(ctx)
	if err != nil {
		log.Printf("[runner] balance fetch failed, skipping entry: %v", err)
		return
	}
	equity := balances[quoteCurrency(r.market)].Free

	stop := r.engine.ComputeStop(price, sig.ATR, risk.SideLong)
	volume := r.engine.SizePosition(equity, price, stop, sig.Confidence)
	if volume <= 0 {
		log.Printf("[runner] sized to zero (equity %.0f, stop %.0f), not trading", equity, stop)
		return
	}

	o, err := r.ledger.Submit(ctx, order.Spec{
		Market: r.market,
		Side:   exchange.SideBuy,
		Type:   exchange.TypeMarket,
		Volume: volume,
	})
	if err != nil {
		log.Printf("[runner] entry order failed: %v", err)
		return
	}
	if o.Status == order.StatusFilled && o.FilledVolume > 0 {
		entry := o.AvgPrice
		if entry <= 0 {
			entry = price
		}
		r.engine.OpenPosition(risk.SideLong, entry, o.FilledVolume, stop)
	}
}

func (r *Runner) exit(ctx context.Context, price float64) {
	pos := r.engine.CurrentPosition()
	if pos == nil {
		return
	}

	o, err := r.ledger.Submit(ctx, order.Spec{
		Market: r.market,
		Side:   exchange.SideSell,
		Type:   exchange.TypeMarket,
		Volume: pos.Volume,
	})
	if err != nil {
		log.Printf("[runner] exit order failed, position kept for next cycle: %v", err)
		return
	}
	if o.Status == order.StatusFilled {
		exit := o.AvgPrice
		if exit <= 0 {
			exit = price
		}
		r.engine.ClosePosition(exit, "signal")
	}
}

func quoteCurrency(market string) string {
	parts := strings.SplitN(market, "-", 2)
	return parts[0]
}

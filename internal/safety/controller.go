// Package safety implements the kill-switch and emergency-stop protocol.
package safety

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/internal/events"
	"github.com/Yaklede/bitcoin-auto-bot/internal/order"
	"github.com/Yaklede/bitcoin-auto-bot/internal/risk"
	"github.com/Yaklede/bitcoin-auto-bot/internal/state"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/cache"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/exchange"
)

// Controller drives the {normal} -> {halted} state machine. Activation
// persists the halted flag before any liquidation step runs, so a crash
// mid-liquidation still leaves the bot halted on restart. Every
// liquidation step is independently fault-tolerant: the bot must end up
// halted even when liquidation is incomplete.
type Controller struct {
	mu     sync.Mutex
	active bool
	reason string
	at     time.Time

	sync   *state.Synchronizer
	cache  *cache.StateCache
	ledger *order.Ledger
	engine *risk.Engine
	gw     exchange.Gateway
	bus    *events.Bus
	market string

	haltDuration time.Duration
	stopRunner   func()
}

// NewController wires the kill-switch. stopRunner preempts the foreground
// loop; cache may be nil when the cache tier is disabled.
func NewController(sy *state.Synchronizer, c *cache.StateCache, ledger *order.Ledger,
	engine *risk.Engine, gw exchange.Gateway, bus *events.Bus, market string, stopRunner func()) *Controller {
	return &Controller{
		sync:         sy,
		cache:        c,
		ledger:       ledger,
		engine:       engine,
		gw:           gw,
		bus:          bus,
		market:       market,
		haltDuration: 24 * time.Hour,
		stopRunner:   stopRunner,
	}
}

// Active reports the kill-switch state.
func (c *Controller) Active() (bool, string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.reason, c.at
}

// Activate halts trading. With force it additionally liquidates the open
// position, cancels all open orders, preempts the runner and marks the
// emergency stop.
func (c *Controller) Activate(ctx context.Context, reason string, force bool) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		log.Printf("[safety] kill-switch already active (%s), ignoring", c.reason)
		return
	}
	c.active = true
	c.reason = reason
	c.at = time.Now()
	at := c.at
	c.mu.Unlock()

	log.Printf("[safety] KILL-SWITCH ACTIVATED (force=%v): %s", force, reason)

	// Persist the halted flag first. Everything after this point is
	// best-effort; the restart path reads this before trading resumes.
	c.sync.SetTradingActive(false)
	if c.cache != nil {
		if err := c.cache.SetKillswitch(ctx, reason, at); err != nil {
			log.Printf("[safety] killswitch cache mirror failed: %v", err)
		}
	}
	if c.bus != nil {
		c.bus.Publish(events.EventKillswitch, reason)
	}

	if force {
		c.liquidate(ctx, reason)
		if c.stopRunner != nil {
			c.stopRunner()
		}
		c.sync.SetEmergencyStop(true)
	}
}

// liquidate closes nonzero positions with opposing market orders and
// cancels every open order. Failures are logged per step and never abort
// the remaining steps.
func (c *Controller) liquidate(ctx context.Context, reason string) {
	// Step 1: flatten holdings. Each currency sells on its own market
	// against the quote currency.
	quote := quoteCurrency(c.market)
	balances, err := c.gw.GetBalances(ctx)
	if err != nil {
		log.Printf("[safety] EMERGENCY: balance fetch failed, skipping liquidation step: %v", err)
	} else {
		for currency, bal := range balances {
			if currency == quote || bal.Free <= 0 {
				continue
			}
			mkt := quote + "-" + currency
			o, err := c.ledger.Submit(ctx, order.Spec{
				Market:    mkt,
				Side:      exchange.SideSell,
				Type:      exchange.TypeMarket,
				Volume:    bal.Free,
				Emergency: true,
				Metadata:  map[string]string{"reason": reason},
			})
			if err != nil {
				log.Printf("[safety] EMERGENCY: liquidation order for %s failed: %v", currency, err)
				continue
			}
			if o.Status == order.StatusFilled {
				// Only the traded market backs the engine's position.
				if mkt == c.market {
					c.engine.ClosePosition(o.AvgPrice, "emergency: "+reason)
				}
				log.Printf("[safety] liquidated %.8f %s @ %.0f", o.FilledVolume, currency, o.AvgPrice)
			}
		}
	}

	// Step 2: cancel open orders one by one.
	for _, o := range c.ledger.ActiveOrders() {
		if o.Metadata["emergency"] == "true" {
			continue
		}
		if !c.ledger.Cancel(ctx, o.Key) {
			log.Printf("[safety] EMERGENCY: cancel failed for %s, left for reconciliation", o.Key)
		}
	}

	// Orders the ledger never saw (e.g. from a previous process) are
	// canceled straight through the gateway.
	known := make(map[string]bool)
	for _, o := range c.ledger.ActiveOrders() {
		known[o.ExchangeID] = true
	}
	open, err := c.gw.GetOpenOrders(ctx, c.market)
	if err != nil {
		log.Printf("[safety] EMERGENCY: open-order sweep failed: %v", err)
		return
	}
	for _, o := range open {
		if known[o.ExchangeID] {
			continue
		}
		if _, err := c.gw.CancelOrder(ctx, o.ExchangeID); err != nil {
			log.Printf("[safety] EMERGENCY: gateway cancel failed for %s: %v", o.ExchangeID, err)
		}
	}
}

// Deactivate returns the bot to normal operation.
func (c *Controller) Deactivate(ctx context.Context) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.reason = ""
	c.at = time.Time{}
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.ClearKillswitch(ctx); err != nil {
			log.Printf("[safety] killswitch cache clear failed: %v", err)
		}
	}
	c.sync.SetEmergencyStop(false)
	c.sync.SetTradingActive(true)
	c.engine.Resume()
	log.Printf("[safety] kill-switch deactivated, trading resumed")
}

// Restore re-arms the controller from the cache mirror after a restart.
func (c *Controller) Restore(ctx context.Context) {
	if c.cache == nil {
		return
	}
	active, reason, at, err := c.cache.Killswitch(ctx)
	if err != nil {
		log.Printf("[safety] killswitch restore failed: %v", err)
		return
	}
	if !active {
		return
	}
	c.mu.Lock()
	c.active = true
	c.reason = reason
	c.at = at
	c.mu.Unlock()
	c.sync.SetTradingActive(false)
	log.Printf("[safety] kill-switch restored from cache: %s (since %s)", reason, at.Format(time.RFC3339))
}

func quoteCurrency(market string) string {
	parts := strings.SplitN(market, "-", 2)
	return parts[0]
}

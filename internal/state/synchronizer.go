package state

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/internal/events"
	"github.com/Yaklede/bitcoin-auto-bot/internal/order"
	"github.com/Yaklede/bitcoin-auto-bot/internal/risk"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/cache"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/db"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/exchange"
)

// Synchronizer is the only writer of SystemState. Every mutation is
// written through to the cache tier immediately; position, order and trade
// events additionally trigger durable writes. A background loop reconciles
// against the store and the exchange on a fixed interval.
type Synchronizer struct {
	cache  *cache.StateCache
	store  *db.Database
	ledger *order.Ledger
	engine *risk.Engine
	gw     exchange.Gateway
	bus    *events.Bus
	market string

	timeout          time.Duration
	syncInterval     time.Duration
	snapshotInterval time.Duration

	// guarded by the synchronizer's serialized command loop below
	commands chan func()
	done     chan struct{}

	state         SystemState
	cacheDegraded bool
	storeDegraded bool
}

// Options bundle the synchronizer's construction parameters.
type Options struct {
	Market           string
	Timeout          time.Duration
	SyncInterval     time.Duration
	SnapshotInterval time.Duration
}

// NewSynchronizer wires the synchronizer. cache may be nil when the cache
// tier is disabled; the synchronizer then runs degraded from the start.
func NewSynchronizer(c *cache.StateCache, store *db.Database, ledger *order.Ledger,
	engine *risk.Engine, gw exchange.Gateway, bus *events.Bus, opts Options) *Synchronizer {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 10 * time.Minute
	}
	s := &Synchronizer{
		cache:            c,
		store:            store,
		ledger:           ledger,
		engine:           engine,
		gw:               gw,
		bus:              bus,
		market:           opts.Market,
		timeout:          opts.Timeout,
		syncInterval:     opts.SyncInterval,
		snapshotInterval: opts.SnapshotInterval,
		commands:         make(chan func(), 64),
		done:             make(chan struct{}),
		state:            DefaultState(),
	}
	go s.loop()
	return s
}

// loop serializes every read and write of the snapshot: the foreground
// runner, the background sync and the kill-switch all funnel through here,
// so no mutation can be lost between them.
func (s *Synchronizer) loop() {
	for fn := range s.commands {
		fn()
	}
	close(s.done)
}

// Close stops the command loop. Call only after Run has returned.
func (s *Synchronizer) Close() {
	close(s.commands)
	<-s.done
}

// run executes fn on the command loop and waits for it.
func (s *Synchronizer) run(fn func()) {
	doneCh := make(chan struct{})
	s.commands <- func() {
		fn()
		close(doneCh)
	}
	<-doneCh
}

// Bootstrap loads SystemState on process start: cache first, default on a
// miss, then reconciled against the durable store, which wins for position
// and order data.
func (s *Synchronizer) Bootstrap(ctx context.Context) (SystemState, error) {
	var loaded SystemState
	fromCache := false

	if s.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		blob, err := s.cache.LoadState(cctx)
		cancel()
		switch {
		case err == nil:
			if jsonErr := json.Unmarshal(blob, &loaded); jsonErr != nil {
				log.Printf("[sync] corrupt cached state, starting fresh: %v", jsonErr)
			} else {
				fromCache = true
			}
		case errors.Is(err, cache.ErrMiss):
			log.Printf("[sync] no cached state, starting fresh")
		default:
			log.Printf("[sync] cache unavailable during bootstrap: %v", err)
		}
	}

	s.run(func() {
		if fromCache {
			s.state = loaded
		} else {
			s.state = DefaultState()
		}
	})

	// The durable store reflects exchange-confirmed history; it overwrites
	// whatever the cache said about position and orders.
	if err := s.SyncWithStore(ctx); err != nil {
		log.Printf("[sync] store reconciliation failed during bootstrap: %v", err)
	}

	var out SystemState
	s.run(func() {
		s.restoreEngineLocked()
		s.state.UpdatedAt = time.Now()
		s.writeCacheLocked()
		out = s.state
	})
	log.Printf("[sync] bootstrap complete (from_cache=%v, position=%v, active_orders=%d)",
		fromCache, out.Position != nil, len(out.ActiveOrders))
	return out, nil
}

// restoreEngineLocked pushes recovered counters and position into the risk
// engine. Runs on the command loop.
func (s *Synchronizer) restoreEngineLocked() {
	s.engine.RestoreCounters(s.state.DailyPnl, s.state.WeeklyPnl, s.state.DailyR, s.state.WeeklyR, s.state.TotalTrades)
	s.engine.RestorePosition(s.state.Position)
}

// SyncWithStore pulls the latest position and open orders from the durable
// store and overwrites the corresponding snapshot fields.
func (s *Synchronizer) SyncWithStore(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pos, err := s.store.GetPosition(sctx, s.market)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.setStoreDegraded(true)
		return err
	}
	rows, err := s.store.ListOpenOrders(sctx, s.market)
	if err != nil {
		s.setStoreDegraded(true)
		return err
	}
	s.setStoreDegraded(false)

	restored := make([]order.Order, 0, len(rows))
	for _, row := range rows {
		restored = append(restored, orderFromRow(row))
	}
	s.ledger.Restore(restored)

	var rp *risk.Position
	if pos != nil {
		rp = positionFromRow(*pos)
	}

	s.run(func() {
		s.state.Position = rp
		s.state.ActiveOrders = s.ledger.ActiveOrders()
		s.engine.RestorePosition(rp)
		s.state.UpdatedAt = time.Now()
	})
	return nil
}

// SyncWithExchange refreshes every active order through the ledger and the
// last observed price. It never touches store-derived position data.
func (s *Synchronizer) SyncWithExchange(ctx context.Context) error {
	s.ledger.RefreshAll(ctx)

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	tk, err := s.gw.GetTicker(gctx, s.market)
	cancel()

	s.run(func() {
		if err == nil {
			s.state.LastPrice = tk.Last
		}
		s.state.ActiveOrders = s.ledger.ActiveOrders()
		s.state.UpdatedAt = time.Now()
		s.writeCacheLocked()
	})
	if err != nil {
		return err
	}
	return nil
}

// Run drives the background reconciliation loop until ctx is canceled.
// Every synchronous mutation also propagates immediately, so this loop is
// a safety net, not the sole path to consistency.
func (s *Synchronizer) Run(ctx context.Context) {
	sync := time.NewTicker(s.syncInterval)
	snapshot := time.NewTicker(s.snapshotInterval)
	defer sync.Stop()
	defer snapshot.Stop()

	log.Printf("[sync] background loop started (interval %s, snapshots every %s)", s.syncInterval, s.snapshotInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[sync] background loop stopped")
			return
		case <-sync.C:
			if err := s.SyncWithStore(ctx); err != nil {
				log.Printf("[sync] store sync failed: %v", err)
			}
			if err := s.SyncWithExchange(ctx); err != nil {
				log.Printf("[sync] exchange sync failed: %v", err)
			}
		case <-snapshot.C:
			if err := s.Snapshot(ctx); err != nil {
				log.Printf("[sync] account snapshot failed: %v", err)
			}
		}
	}
}

// OnOrderChange mirrors a ledger mutation to the snapshot, the durable
// store and the cache tier. Registered as the ledger's notifier.
func (s *Synchronizer) OnOrderChange(o order.Order) {
	sctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	err := s.store.UpsertOrder(sctx, orderToRow(o))
	cancel()
	if err != nil {
		s.setStoreDegraded(true)
		log.Printf("[sync] durable order write failed for %s: %v", o.Key, err)
	} else {
		s.setStoreDegraded(false)
	}

	s.run(func() {
		s.state.ActiveOrders = s.ledger.ActiveOrders()
		s.state.UpdatedAt = time.Now()
		s.writeCacheLocked()
	})
	if s.bus != nil {
		s.bus.Publish(events.EventOrderUpdate, o)
	}
}

// OnPositionChange mirrors an engine position mutation. nil means flat.
// Registered as the engine's position hook.
func (s *Synchronizer) OnPositionChange(p *risk.Position) {
	sctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	var err error
	if p == nil {
		err = s.store.ClearPosition(sctx, s.market)
	} else {
		err = s.store.UpsertPosition(sctx, positionToRow(s.market, *p))
	}
	cancel()
	if err != nil {
		s.setStoreDegraded(true)
		log.Printf("[sync] durable position write failed: %v", err)
	} else {
		s.setStoreDegraded(false)
	}

	st := s.engine.Status()
	s.run(func() {
		s.state.Position = p
		s.state.DailyPnl = st.DailyPnl
		s.state.WeeklyPnl = st.WeeklyPnl
		s.state.DailyR = st.DailyR
		s.state.WeeklyR = st.WeeklyR
		s.state.TotalTrades = st.TotalTrades
		s.state.UpdatedAt = time.Now()
		s.writeCacheLocked()
	})
	if s.bus != nil {
		s.bus.Publish(events.EventPositionChange, p)
	}
}

// OnTrade appends a closed trade to the durable history. Registered as the
// engine's trade hook.
func (s *Synchronizer) OnTrade(t risk.Trade) {
	sctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	err := s.store.InsertTrade(sctx, db.Trade{
		Market:     s.market,
		Side:       t.Side,
		EntryPrice: t.EntryPrice,
		ExitPrice:  t.ExitPrice,
		Volume:     t.Volume,
		Pnl:        t.Pnl,
		RMultiple:  t.RMultiple,
		MFE:        t.MFE,
		MAE:        t.MAE,
		Reason:     t.Reason,
	})
	cancel()
	if err != nil {
		s.setStoreDegraded(true)
		log.Printf("[sync] durable trade write failed: %v", err)
	} else {
		s.setStoreDegraded(false)
	}
	if s.bus != nil {
		s.bus.Publish(events.EventTradeClosed, t)
	}
}

// Snapshot persists a mark-to-market account snapshot.
func (s *Synchronizer) Snapshot(ctx context.Context) error {
	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	balances, err := s.gw.GetBalances(gctx)
	cancel()
	if err != nil {
		return err
	}

	var last float64
	s.run(func() { last = s.state.LastPrice })
	if last <= 0 {
		gctx, cancel := context.WithTimeout(ctx, s.timeout)
		tk, terr := s.gw.GetTicker(gctx, s.market)
		cancel()
		if terr == nil {
			last = tk.Last
		}
	}

	krw := balances["KRW"].Free + balances["KRW"].Locked
	btc := balances["BTC"].Free + balances["BTC"].Locked
	st := s.engine.Status()

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.InsertSnapshot(sctx, db.AccountSnapshot{
		TotalKRW:      krw,
		TotalBTC:      btc,
		TotalValueKRW: krw + btc*last,
		DailyPnl:      st.DailyPnl,
		WeeklyPnl:     st.WeeklyPnl,
		TotalPnl:      st.TotalPnl,
		CurrentR:      st.DailyR,
	})
}

// State returns a copy of the current snapshot.
func (s *Synchronizer) State() SystemState {
	var out SystemState
	s.run(func() { out = s.state })
	return out
}

// SetTradingActive flips the trading flag and propagates immediately.
func (s *Synchronizer) SetTradingActive(active bool) {
	s.run(func() {
		s.state.TradingActive = active
		s.state.UpdatedAt = time.Now()
		s.writeCacheLocked()
	})
	if s.bus != nil {
		s.bus.Publish(events.EventStateSync, active)
	}
}

// SetEmergencyStop marks the snapshot as emergency stopped.
func (s *Synchronizer) SetEmergencyStop(on bool) {
	s.run(func() {
		s.state.EmergencyStop = on
		s.state.UpdatedAt = time.Now()
		s.writeCacheLocked()
	})
}

// SetLastSignal records the most recent strategy signal.
func (s *Synchronizer) SetLastSignal(signal string) {
	s.run(func() {
		s.state.LastSignal = signal
		s.state.UpdatedAt = time.Now()
		s.writeCacheLocked()
	})
}

// SetLastPrice records the most recent observed price.
func (s *Synchronizer) SetLastPrice(price float64) {
	s.run(func() {
		s.state.LastPrice = price
		s.state.UpdatedAt = time.Now()
		s.writeCacheLocked()
	})
}

// Propagate bumps the snapshot timestamp and rewrites the cache blob.
// The runner calls it at the end of every cycle after all mutations.
func (s *Synchronizer) Propagate() {
	s.run(func() {
		s.state.ActiveOrders = s.ledger.ActiveOrders()
		s.state.UpdatedAt = time.Now()
		s.writeCacheLocked()
	})
}

// EmergencyReset rebuilds a halted default state and overwrites the cache,
// used when the snapshot itself is suspected corrupt.
func (s *Synchronizer) EmergencyReset() SystemState {
	var out SystemState
	s.run(func() {
		s.state = DefaultState()
		s.state.TradingActive = false
		s.state.EmergencyStop = true
		s.writeCacheLocked()
		out = s.state
	})
	log.Printf("[sync] emergency state reset: trading disabled")
	return out
}

// Degraded reports whether either persistence tier is currently failing.
func (s *Synchronizer) Degraded() (cacheDegraded, storeDegraded bool) {
	s.run(func() { cacheDegraded = s.cacheDegraded })
	return cacheDegraded, s.storeDegradedFlag()
}

// writeCacheLocked serializes the snapshot to the cache tier. Cache
// failures degrade gracefully: the in-memory state and the durable store
// remain authoritative. Runs on the command loop.
func (s *Synchronizer) writeCacheLocked() {
	if s.cache == nil {
		s.cacheDegraded = true
		return
	}
	blob, err := json.Marshal(s.state)
	if err != nil {
		log.Printf("[sync] marshal state: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.cache.SaveState(ctx, blob); err != nil {
		if !s.cacheDegraded {
			log.Printf("[sync] cache tier degraded, operating from memory and store: %v", err)
		}
		s.cacheDegraded = true
		return
	}
	s.cacheDegraded = false
}

// storeDegraded flag lives outside the command loop because durable writes
// happen on caller goroutines.
func (s *Synchronizer) setStoreDegraded(v bool) {
	s.run(func() {
		if v && !s.storeDegraded {
			log.Printf("[sync] durable store degraded: crash recovery is not guaranteed until it recovers")
		}
		s.storeDegraded = v
	})
}

func (s *Synchronizer) storeDegradedFlag() bool {
	var v bool
	s.run(func() { v = s.storeDegraded })
	return v
}

// ----------------------------------------
// row mapping
// ----------------------------------------

func orderToRow(o order.Order) db.Order {
	return db.Order{
		UUID:           o.Key,
		ExchangeID:     o.ExchangeID,
		Market:         o.Market,
		Side:           o.Side,
		OrdType:        o.Type,
		Price:          o.Price,
		Volume:         o.Volume,
		ExecutedVolume: o.FilledVolume,
		AvgPrice:       o.AvgPrice,
		PaidFee:        o.Fee,
		State:          string(o.Status),
	}
}

func orderFromRow(row db.Order) order.Order {
	return order.Order{
		Key:          row.UUID,
		ExchangeID:   row.ExchangeID,
		Market:       row.Market,
		Side:         row.Side,
		Type:         row.OrdType,
		Price:        row.Price,
		Volume:       row.Volume,
		FilledVolume: row.ExecutedVolume,
		AvgPrice:     row.AvgPrice,
		Fee:          row.PaidFee,
		Status:       order.Status(row.State),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

func positionToRow(market string, p risk.Position) db.Position {
	return db.Position{
		Market:        market,
		Side:          p.Side,
		EntryPrice:    p.EntryPrice,
		Volume:        p.Volume,
		StopPrice:     p.StopPrice,
		TrailPrice:    p.TrailPrice,
		UnrealizedPnl: p.UnrealizedPnl,
		CreatedAt:     p.EnteredAt,
	}
}

func positionFromRow(row db.Position) *risk.Position {
	return &risk.Position{
		Side:          row.Side,
		EntryPrice:    row.EntryPrice,
		Volume:        row.Volume,
		StopPrice:     row.StopPrice,
		TrailPrice:    row.TrailPrice,
		UnrealizedPnl: row.UnrealizedPnl,
		EnteredAt:     row.CreatedAt,
	}
}

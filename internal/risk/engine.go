package risk

import (
	"log"
	"math"
	"sync"
	"time"
)

// Engine enforces the risk rules around the single open position. All
// methods are safe for concurrent use; mutation hooks fire outside the
// lock so the synchronizer can persist without re-entering the engine.
type Engine struct {
	mu     sync.Mutex
	params Params

	pos    *Position
	trades []Trade

	dailyPnl, weeklyPnl, totalPnl float64
	dailyR, weeklyR               float64
	dailyTrades, weeklyTrades     int
	totalTrades                   int

	halted     bool
	haltReason string
	haltUntil  time.Time

	now func() time.Time

	onPosition func(*Position)
	onTrade    func(Trade)
}

// NewEngine builds an engine with the given parameters.
func NewEngine(params Params) *Engine {
	return &Engine{params: params, now: time.Now}
}

// SetClock overrides the time source; tests use it to advance past halts.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetHooks registers the callbacks fired after position mutations and
// closed trades. A nil position means the account went flat.
func (e *Engine) SetHooks(onPosition func(*Position), onTrade func(Trade)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPosition = onPosition
	e.onTrade = onTrade
}

// CanOpenPosition reports whether a new position may be opened and, when
// not, why. Breaching a daily or weekly R floor triggers a time-boxed halt
// as a side effect; an expired halt auto-clears here.
func (e *Engine) CanOpenPosition() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canOpenLocked()
}

func (e *Engine) canOpenLocked() (bool, string) {
	e.clearExpiredHaltLocked()
	if e.halted {
		return false, e.haltReason
	}
	if e.pos != nil {
		return false, "position already open"
	}
	if reason := e.checkFloorsLocked(); reason != "" {
		return false, reason
	}
	return true, ""
}

func (e *Engine) clearExpiredHaltLocked() {
	if e.halted && !e.now().Before(e.haltUntil) {
		log.Printf("[risk] halt expired (%s), resuming", e.haltReason)
		e.halted = false
		e.haltReason = ""
		e.haltUntil = time.Time{}
	}
}

// checkFloorsLocked arms a halt when a loss floor is breached and returns
// the halt reason, or "" when trading may continue.
func (e *Engine) checkFloorsLocked() string {
	if e.halted {
		return e.haltReason
	}
	if e.dailyR <= e.params.DailyStopR {
		e.armHaltLocked("daily loss limit reached", e.params.DailyHalt)
		return e.haltReason
	}
	if e.weeklyR <= e.params.WeeklyStopR {
		e.armHaltLocked("weekly loss limit reached", e.params.WeeklyHalt)
		return e.haltReason
	}
	return ""
}

func (e *Engine) armHaltLocked(reason string, d time.Duration) {
	e.halted = true
	e.haltReason = reason
	e.haltUntil = e.now().Add(d)
	log.Printf("[risk] trading halted until %s: %s", e.haltUntil.Format(time.RFC3339), reason)
}

// SizePosition converts a risk budget into an order volume. It returns
// zero, not an error, when the inputs say "do not trade": a non-positive
// stop distance or a volume below the minimum tradable unit.
func (e *Engine) SizePosition(equity, entryPrice, stopPrice, confidence float64) float64 {
	e.mu.Lock()
	p := e.params
	e.mu.Unlock()

	if equity <= 0 || entryPrice <= 0 {
		return 0
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	dist := math.Abs(entryPrice - stopPrice)
	if dist <= 0 {
		return 0
	}

	budget := equity * p.RiskBps / 10000 * confidence
	volume := budget / dist

	if maxVolume := p.MaxPositionPct * equity / entryPrice; volume > maxVolume {
		volume = maxVolume
	}
	volume = roundTo(volume, p.VolumePrecision)
	if volume < p.MinOrderSize {
		return 0
	}
	return volume
}

// ComputeStop places the fixed stop an ATR multiple away from entry.
func (e *Engine) ComputeStop(entryPrice, atr float64, side string) float64 {
	e.mu.Lock()
	p := e.params
	e.mu.Unlock()

	if side == SideShort {
		return roundTo(entryPrice+atr*p.StopATRMult, p.PricePrecision)
	}
	return roundTo(entryPrice-atr*p.StopATRMult, p.PricePrecision)
}

// OpenPosition creates the position if the risk rules allow it. The
// trailing stop starts at the fixed stop and only tightens from there.
func (e *Engine) OpenPosition(side string, entryPrice, volume, stopPrice float64) bool {
	e.mu.Lock()
	if ok, reason := e.canOpenLocked(); !ok {
		e.mu.Unlock()
		log.Printf("[risk] open rejected: %s", reason)
		return false
	}
	if volume <= 0 || entryPrice <= 0 {
		e.mu.Unlock()
		return false
	}

	e.pos = &Position{
		Side:        side,
		EntryPrice:  entryPrice,
		Volume:      volume,
		StopPrice:   stopPrice,
		TrailPrice:  stopPrice,
		InitialRisk: math.Abs(entryPrice-stopPrice) * volume,
		HighestHigh: entryPrice,
		LowestLow:   entryPrice,
		EnteredAt:   e.now(),
	}
	e.dailyTrades++
	e.weeklyTrades++
	e.totalTrades++

	cp := *e.pos
	hook := e.onPosition
	e.mu.Unlock()

	log.Printf("[risk] opened %s %.8f @ %.0f, stop %.0f", side, volume, entryPrice, stopPrice)
	if hook != nil {
		hook(&cp)
	}
	return true
}

// Update folds the latest price and ATR into the open position: P&L,
// MFE/MAE, and the Chandelier trailing stop. A stop cross closes the
// position at the given price.
func (e *Engine) Update(price, atr float64) {
	e.mu.Lock()
	if e.pos == nil || price <= 0 {
		e.mu.Unlock()
		return
	}
	p := e.pos

	if p.Side == SideLong {
		p.UnrealizedPnl = (price - p.EntryPrice) * p.Volume
	} else {
		p.UnrealizedPnl = (p.EntryPrice - price) * p.Volume
	}
	if p.UnrealizedPnl > p.MFE {
		p.MFE = p.UnrealizedPnl
	}
	if p.UnrealizedPnl < p.MAE {
		p.MAE = p.UnrealizedPnl
	}

	stopHit := false
	reason := ""
	if p.Side == SideLong {
		if price > p.HighestHigh {
			p.HighestHigh = price
		}
		if atr > 0 {
			trail := roundTo(p.HighestHigh-atr*e.params.TrailATRMult, e.params.PricePrecision)
			if trail < p.StopPrice {
				trail = p.StopPrice
			}
			if trail > p.TrailPrice {
				p.TrailPrice = trail
			}
		}
		if price <= p.TrailPrice {
			stopHit = true
			reason = "trailing_stop"
			if p.TrailPrice <= p.StopPrice {
				reason = "stop_loss"
			}
		}
	} else {
		if price < p.LowestLow {
			p.LowestLow = price
		}
		if atr > 0 {
			trail := roundTo(p.LowestLow+atr*e.params.TrailATRMult, e.params.PricePrecision)
			if trail > p.StopPrice {
				trail = p.StopPrice
			}
			if trail < p.TrailPrice {
				p.TrailPrice = trail
			}
		}
		if price >= p.TrailPrice {
			stopHit = true
			reason = "trailing_stop"
			if p.TrailPrice >= p.StopPrice {
				reason = "stop_loss"
			}
		}
	}

	if stopHit {
		trade := e.closeLocked(price, reason)
		posHook, tradeHook := e.onPosition, e.onTrade
		e.mu.Unlock()
		if posHook != nil {
			posHook(nil)
		}
		if tradeHook != nil && trade != nil {
			tradeHook(*trade)
		}
		return
	}

	cp := *p
	hook := e.onPosition
	e.mu.Unlock()
	if hook != nil {
		hook(&cp)
	}
}

// ClosePosition realizes the open position at exitPrice. It is a no-op
// (nil) when the account is already flat.
func (e *Engine) ClosePosition(exitPrice float64, reason string) *Trade {
	e.mu.Lock()
	trade := e.closeLocked(exitPrice, reason)
	posHook, tradeHook := e.onPosition, e.onTrade
	e.mu.Unlock()

	if trade == nil {
		return nil
	}
	if posHook != nil {
		posHook(nil)
	}
	if tradeHook != nil {
		tradeHook(*trade)
	}
	return trade
}

func (e *Engine) closeLocked(exitPrice float64, reason string) *Trade {
	p := e.pos
	if p == nil {
		return nil
	}

	var pnl float64
	if p.Side == SideLong {
		pnl = (exitPrice - p.EntryPrice) * p.Volume
	} else {
		pnl = (p.EntryPrice - exitPrice) * p.Volume
	}
	r := 0.0
	if p.InitialRisk > 0 {
		r = pnl / p.InitialRisk
	}

	trade := Trade{
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		Volume:     p.Volume,
		Pnl:        pnl,
		RMultiple:  r,
		MFE:        p.MFE,
		MAE:        p.MAE,
		Reason:     reason,
		EnteredAt:  p.EnteredAt,
		ExitedAt:   e.now(),
	}
	e.trades = append(e.trades, trade)

	e.dailyPnl += pnl
	e.weeklyPnl += pnl
	e.totalPnl += pnl
	e.dailyR += r
	e.weeklyR += r
	e.pos = nil

	log.Printf("[risk] closed %s @ %.0f (%s): pnl %.0f, %.2fR", trade.Side, exitPrice, reason, pnl, r)
	e.checkFloorsLocked()
	return &trade
}

// Halt stops trading for the given duration and force-closes any open
// position at markPrice, the actual last traded price. It falls back to
// the entry price only when no mark is available.
func (e *Engine) Halt(reason string, d time.Duration, markPrice float64) *Trade {
	e.mu.Lock()
	e.armHaltLocked(reason, d)

	var trade *Trade
	if e.pos != nil {
		mark := markPrice
		if mark <= 0 {
			mark = e.pos.EntryPrice
		}
		trade = e.closeLocked(mark, "halt: "+reason)
	}
	posHook, tradeHook := e.onPosition, e.onTrade
	e.mu.Unlock()

	if trade != nil {
		if posHook != nil {
			posHook(nil)
		}
		if tradeHook != nil {
			tradeHook(*trade)
		}
	}
	return trade
}

// Resume clears an active halt ahead of its deadline.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.halted {
		return
	}
	log.Printf("[risk] halt cleared by operator (%s)", e.haltReason)
	e.halted = false
	e.haltReason = ""
	e.haltUntil = time.Time{}
}

// CurrentPosition returns a copy of the open position, or nil when flat.
func (e *Engine) CurrentPosition() *Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil {
		return nil
	}
	cp := *e.pos
	return &cp
}

// RestorePosition installs a position recovered from the durable store.
// It overwrites any in-memory position: the store reflects the
// exchange-confirmed history.
func (e *Engine) RestorePosition(p *Position) {
	e.mu.Lock()
	if p == nil {
		e.pos = nil
	} else {
		cp := *p
		if cp.HighestHigh == 0 {
			cp.HighestHigh = cp.EntryPrice
		}
		if cp.LowestLow == 0 {
			cp.LowestLow = cp.EntryPrice
		}
		if cp.InitialRisk == 0 {
			cp.InitialRisk = math.Abs(cp.EntryPrice-cp.StopPrice) * cp.Volume
		}
		e.pos = &cp
	}
	e.mu.Unlock()
}

// Status returns the derived risk snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearExpiredHaltLocked()
	return Status{
		TradingHalted: e.halted,
		HaltReason:    e.haltReason,
		HaltUntil:     e.haltUntil,
		DailyR:        e.dailyR,
		WeeklyR:       e.weeklyR,
		DailyPnl:      e.dailyPnl,
		WeeklyPnl:     e.weeklyPnl,
		TotalPnl:      e.totalPnl,
		DailyTrades:   e.dailyTrades,
		WeeklyTrades:  e.weeklyTrades,
		TotalTrades:   e.totalTrades,
	}
}

// Trades returns a copy of the closed-trade history.
func (e *Engine) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// Stats summarizes the closed-trade history.
func (e *Engine) Stats() PerformanceStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s PerformanceStats
	var grossWin, grossLoss, sumR float64
	for _, t := range e.trades {
		s.Trades++
		s.TotalPnl += t.Pnl
		sumR += t.RMultiple
		if t.Pnl > 0 {
			s.Wins++
			grossWin += t.Pnl
		} else if t.Pnl < 0 {
			s.Losses++
			grossLoss += -t.Pnl
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
		s.AverageR = sumR / float64(s.Trades)
		s.Expectancy = s.TotalPnl / float64(s.Trades)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}
	return s
}

// ResetDailyStats zeroes the daily counters at the day boundary.
func (e *Engine) ResetDailyStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyPnl = 0
	e.dailyR = 0
	e.dailyTrades = 0
}

// ResetWeeklyStats zeroes the weekly counters at the week boundary.
func (e *Engine) ResetWeeklyStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weeklyPnl = 0
	e.weeklyR = 0
	e.weeklyTrades = 0
}

// RestoreCounters reinstates persisted P&L counters during bootstrap.
func (e *Engine) RestoreCounters(dailyPnl, weeklyPnl, dailyR, weeklyR float64, totalTrades int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyPnl = dailyPnl
	e.weeklyPnl = weeklyPnl
	e.dailyR = dailyR
	e.weeklyR = weeklyR
	e.totalTrades = totalTrades
}

func roundTo(v float64, places int) float64 {
	if places <= 0 {
		return math.Round(v)
	}
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}

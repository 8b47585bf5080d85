// Package risk owns the single open position: sizing, stops, trailing-stop
// ratchets, R-multiple accounting and time-boxed loss halts.
package risk

import "time"

// Position sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Position is the one open position, if any. InitialRisk is fixed at entry;
// the trailing stop only ever tightens toward profit.
type Position struct {
	Side        string  `json:"side"`
	EntryPrice  float64 `json:"entry_price"`
	Volume      float64 `json:"volume"`
	StopPrice   float64 `json:"stop_price"`
	TrailPrice  float64 `json:"trail_price"`
	InitialRisk float64 `json:"initial_risk"`

	HighestHigh float64 `json:"highest_high"`
	LowestLow   float64 `json:"lowest_low"`

	UnrealizedPnl float64 `json:"unrealized_pnl"`
	MFE           float64 `json:"mfe"`
	MAE           float64 `json:"mae"`

	EnteredAt time.Time `json:"entered_at"`
}

// RMultiple is the current unrealized R. Zero initial risk yields zero.
func (p *Position) RMultiple() float64 {
	if p.InitialRisk <= 0 {
		return 0
	}
	return p.UnrealizedPnl / p.InitialRisk
}

// Trade is the immutable record of a closed round trip.
type Trade struct {
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Volume     float64   `json:"volume"`
	Pnl        float64   `json:"pnl"`
	RMultiple  float64   `json:"r_multiple"`
	MFE        float64   `json:"mfe"`
	MAE        float64   `json:"mae"`
	Reason     string    `json:"reason"`
	EnteredAt  time.Time `json:"entered_at"`
	ExitedAt   time.Time `json:"exited_at"`
}

// Status is the engine's derived risk snapshot; it is never persisted on
// its own.
type Status struct {
	TradingHalted bool      `json:"trading_halted"`
	HaltReason    string    `json:"halt_reason,omitempty"`
	HaltUntil     time.Time `json:"halt_until,omitempty"`
	DailyR        float64   `json:"daily_r"`
	WeeklyR       float64   `json:"weekly_r"`
	DailyPnl      float64   `json:"daily_pnl"`
	WeeklyPnl     float64   `json:"weekly_pnl"`
	TotalPnl      float64   `json:"total_pnl"`
	DailyTrades   int       `json:"daily_trades"`
	WeeklyTrades  int       `json:"weekly_trades"`
	TotalTrades   int       `json:"total_trades"`
}

// PerformanceStats summarizes the closed-trade history.
type PerformanceStats struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	AverageR     float64 `json:"average_r"`
	Expectancy   float64 `json:"expectancy"` // mean pnl per trade
	TotalPnl     float64 `json:"total_pnl"`
}

// Params are the engine's tunables.
type Params struct {
	RiskBps         float64
	DailyStopR      float64 // negative floor, e.g. -2.0
	WeeklyStopR     float64 // negative floor, e.g. -5.0
	DailyHalt       time.Duration
	WeeklyHalt      time.Duration
	StopATRMult     float64
	TrailATRMult    float64
	MinOrderSize    float64
	MaxPositionPct  float64
	VolumePrecision int
	PricePrecision  int
}

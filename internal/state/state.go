// Package state owns the reconciled SystemState snapshot and keeps it
// consistent across the in-memory view, the Redis cache tier and the
// durable SQLite store.
package state

import (
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/internal/order"
	"github.com/Yaklede/bitcoin-auto-bot/internal/risk"
)

// SystemState is the unit of atomicity for persistence: the full snapshot
// is serialized to the cache tier on every mutation.
type SystemState struct {
	UpdatedAt     time.Time      `json:"updated_at"`
	TradingActive bool           `json:"trading_active"`
	Position      *risk.Position `json:"position,omitempty"`
	ActiveOrders  []order.Order  `json:"active_orders"`
	DailyPnl      float64        `json:"daily_pnl"`
	WeeklyPnl     float64        `json:"weekly_pnl"`
	DailyR        float64        `json:"daily_r"`
	WeeklyR       float64        `json:"weekly_r"`
	TotalTrades   int            `json:"total_trades"`
	LastPrice     float64        `json:"last_price"`
	LastSignal    string         `json:"last_signal,omitempty"`
	EmergencyStop bool           `json:"emergency_stop"`
}

// DefaultState is the fresh snapshot used when neither cache nor store has
// one: trading active, flat, zeroed counters.
func DefaultState() SystemState {
	return SystemState{
		UpdatedAt:     time.Now(),
		TradingActive: true,
	}
}

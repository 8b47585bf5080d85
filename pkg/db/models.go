package db

import "time"

// Order mirrors a ledger order in the durable store, keyed by the
// client-generated idempotency key.
type Order struct {
	UUID           string
	ExchangeID     string
	Market         string
	Side           string
	OrdType        string
	Price          float64
	Volume         float64
	ExecutedVolume float64
	AvgPrice       float64
	PaidFee        float64
	State          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Position is the single open position for a market, upserted on change.
type Position struct {
	Market        string
	Side          string
	EntryPrice    float64
	Volume        float64
	StopPrice     float64
	TrailPrice    float64
	UnrealizedPnl float64
	RealizedPnl   float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Trade is an immutable record of a closed round trip.
type Trade struct {
	ID         int64
	OrderUUID  string
	Market     string
	Side       string
	EntryPrice float64
	ExitPrice  float64
	Volume     float64
	Fee        float64
	Pnl        float64
	RMultiple  float64
	MFE        float64
	MAE        float64
	Reason     string
	CreatedAt  time.Time
}

// AccountSnapshot is a periodic mark-to-market record of the account.
type AccountSnapshot struct {
	ID            int64
	TotalKRW      float64
	TotalBTC      float64
	TotalValueKRW float64
	DailyPnl      float64
	WeeklyPnl     float64
	TotalPnl      float64
	CurrentR      float64
	CreatedAt     time.Time
}

// Package order owns the in-process registry of orders: the ledger is the
// only component that creates or mutates them, keyed by a client-generated
// idempotency key.
package order

import "time"

// Status is the lifecycle state of a ledger order.
type Status string

const (
	StatusPending  Status = "pending"
	StatusOpen     Status = "open"
	StatusFilled   Status = "filled"
	StatusCanceled Status = "canceled"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether a status never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Order is one entry in the ledger. Key is assigned at creation and never
// changes; ExchangeID arrives once the exchange acknowledges the order.
type Order struct {
	Key        string  `json:"key"`
	ExchangeID string  `json:"exchange_id,omitempty"`
	Market     string  `json:"market"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price,omitempty"`

	FilledVolume float64 `json:"filled_volume"`
	AvgPrice     float64 `json:"avg_price"`
	Fee          float64 `json:"fee"`
	FeeCurrency  string  `json:"fee_currency,omitempty"`
	Status       Status  `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	FilledAt  time.Time `json:"filled_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Spec describes an order to submit. The ledger fills in the key.
type Spec struct {
	Market    string
	Side      string // exchange.SideBuy / SideSell
	Type      string // exchange.TypeMarket / TypeLimit
	Volume    float64
	Price     float64
	Emergency bool
	Metadata  map[string]string
}

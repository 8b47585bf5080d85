// Package strategy defines the signal contract between the external
// signal generator and the trading core.
package strategy

import "context"

// Actions a signal can request.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Signal is one decision from the signal generator. ATR rides along so the
// risk engine can place stops without recomputing indicators.
type Signal struct {
	Action     string            `json:"action"`
	Confidence float64           `json:"confidence"` // [0, 1]
	ATR        float64           `json:"atr"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Provider produces the next signal for the current price. Implementations
// may consult indicators, an external process, or nothing at all.
type Provider interface {
	Next(ctx context.Context, price float64) (Signal, error)
}

// Hold always abstains. It is the default provider when signal generation
// runs as a separate process that drives the bot through the API instead.
type Hold struct{}

func (Hold) Next(ctx context.Context, price float64) (Signal, error) {
	return Signal{Action: ActionHold}, nil
}

// Static replays a fixed sequence of signals and then holds. Tests and dry
// runs use it to script scenarios.
type Static struct {
	Signals []Signal
	next    int
}

func (s *Static) Next(ctx context.Context, price float64) (Signal, error) {
	if s.next >= len(s.Signals) {
		return Signal{Action: ActionHold}, nil
	}
	sig := s.Signals[s.next]
	s.next++
	return sig, nil
}

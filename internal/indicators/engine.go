// Package indicators maintains a rolling price window for the traded
// market and derives the values the signal provider needs.
package indicators

import "sync"

// Engine tracks the recent price series for one market.
type Engine struct {
	mu      sync.Mutex
	prices  []float64
	window  int
	shortMA int
	longMA  int
	atr     int
}

// Values is one indicator snapshot. ATR is zero until the window warms up.
type Values struct {
	SMAShort float64
	SMALong  float64
	ATR      float64
}

// NewEngine builds an indicator engine with the given windows.
func NewEngine(shortMA, longMA, atrPeriod, window int) *Engine {
	if window < longMA {
		window = longMA
	}
	if window < atrPeriod+1 {
		window = atrPeriod + 1
	}
	return &Engine{
		window:  window,
		shortMA: shortMA,
		longMA:  longMA,
		atr:     atrPeriod,
	}
}

// Update ingests a new price and returns the latest computed values.
func (e *Engine) Update(price float64) Values {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prices = append(e.prices, price)
	if len(e.prices) > e.window {
		e.prices = e.prices[len(e.prices)-e.window:]
	}

	return Values{
		SMAShort: SMA(e.prices, e.shortMA),
		SMALong:  SMA(e.prices, e.longMA),
		ATR:      ATR(e.prices, e.atr),
	}
}

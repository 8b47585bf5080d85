package strategy

import (
	"context"

	"github.com/Yaklede/bitcoin-auto-bot/internal/indicators"
)

// Trend is a moving-average crossover provider. It buys when the short
// average crosses above the long one and sells on the opposite cross,
// holding until the indicator window has warmed up.
type Trend struct {
	ind        *indicators.Engine
	confidence float64

	prevShort float64
	prevLong  float64
	primed    bool
}

// NewTrend builds a crossover provider over fresh indicator windows.
func NewTrend(shortMA, longMA, atrPeriod int, confidence float64) *Trend {
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}
	return &Trend{
		ind:        indicators.NewEngine(shortMA, longMA, atrPeriod, 4*longMA),
		confidence: confidence,
	}
}

func (t *Trend) Next(ctx context.Context, price float64) (Signal, error) {
	v := t.ind.Update(price)
	if v.SMAShort == 0 || v.SMALong == 0 || v.ATR == 0 {
		return Signal{Action: ActionHold, ATR: v.ATR}, nil
	}

	defer func() {
		t.prevShort = v.SMAShort
		t.prevLong = v.SMALong
		t.primed = true
	}()

	if !t.primed {
		return Signal{Action: ActionHold, ATR: v.ATR}, nil
	}

	crossedUp := t.prevShort <= t.prevLong && v.SMAShort > v.SMALong
	crossedDown := t.prevShort >= t.prevLong && v.SMAShort < v.SMALong

	switch {
	case crossedUp:
		return Signal{Action: ActionBuy, Confidence: t.confidence, ATR: v.ATR}, nil
	case crossedDown:
		return Signal{Action: ActionSell, Confidence: t.confidence, ATR: v.ATR}, nil
	default:
		return Signal{Action: ActionHold, ATR: v.ATR}, nil
	}
}

// Package market supplies prices in paper mode. Live mode reads prices
// straight from the exchange instead.
package market

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/internal/events"
	"github.com/Yaklede/bitcoin-auto-bot/pkg/exchange"
)

// Tick is one published price point.
type Tick struct {
	Market string  `json:"market"`
	Price  float64 `json:"price"`
}

// MockFeed drives the paper gateway with a random walk so paper runs see
// moving prices.
type MockFeed struct {
	Gateway    *exchange.Paper
	Bus        *events.Bus
	Market     string
	StartPrice float64
	Step       float64 // max move per tick, absolute
	Interval   time.Duration
}

func (m *MockFeed) Start(ctx context.Context) {
	if m.Gateway == nil {
		log.Println("[market] mock feed: gateway not set")
		return
	}
	price := m.StartPrice
	if price <= 0 {
		price = 50000000
	}
	if m.Step <= 0 {
		m.Step = price * 0.002
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	m.Gateway.SetTicker(m.Market, price)

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				// simple random walk
				price += (rand.Float64()*2 - 1) * m.Step
				if price < 1 {
					price = 1
				}
				m.Gateway.SetTicker(m.Market, price)
				if m.Bus != nil {
					m.Bus.Publish(events.EventPriceTick, Tick{Market: m.Market, Price: price})
				}
			}
		}
	}()
}

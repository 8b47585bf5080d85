package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Paper simulates the exchange in memory. Market orders fill instantly at
// the last ticker price; limit orders rest open until canceled. Used for
// dry runs and tests.
type Paper struct {
	mu       sync.Mutex
	feeRate  float64
	last     map[string]float64 // market -> last price
	balances map[string]float64 // currency -> free amount
	orders   map[string]*OrderStatus
}

// NewPaper creates a paper gateway seeded with the given free balances
// (e.g. {"KRW": 1000000}).
func NewPaper(feeRate float64, balances map[string]float64) *Paper {
	b := make(map[string]float64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &Paper{
		feeRate:  feeRate,
		last:     make(map[string]float64),
		balances: b,
		orders:   make(map[string]*OrderStatus),
	}
}

// SetTicker sets the simulated last price for a market.
func (p *Paper) SetTicker(market string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[market] = price
}

func (p *Paper) PlaceOrder(ctx context.Context, spec OrderSpec) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if spec.Volume <= 0 {
		return Ack{}, fmt.Errorf("paper: non-positive volume %v", spec.Volume)
	}

	id := uuid.NewString()
	now := time.Now()

	if spec.Type == TypeLimit {
		p.orders[id] = &OrderStatus{
			ExchangeID: id,
			Market:     spec.Market,
			Side:       spec.Side,
			Status:     StatusOpen,
			Volume:     spec.Volume,
		}
		return Ack{ExchangeID: id, Status: StatusOpen, CreatedAt: now}, nil
	}

	price, ok := p.last[spec.Market]
	if !ok || price <= 0 {
		return Ack{}, fmt.Errorf("paper: no ticker for %s", spec.Market)
	}

	notional := price * spec.Volume
	fee := notional * p.feeRate
	quote, base := splitMarket(spec.Market)

	switch spec.Side {
	case SideBuy:
		if p.balances[quote] < notional+fee {
			return Ack{}, fmt.Errorf("paper: insufficient %s balance", quote)
		}
		p.balances[quote] -= notional + fee
		p.balances[base] += spec.Volume
	case SideSell:
		if p.balances[base] < spec.Volume {
			return Ack{}, fmt.Errorf("paper: insufficient %s balance", base)
		}
		p.balances[base] -= spec.Volume
		p.balances[quote] += notional - fee
	default:
		return Ack{}, fmt.Errorf("paper: unknown side %q", spec.Side)
	}

	p.orders[id] = &OrderStatus{
		ExchangeID:     id,
		Market:         spec.Market,
		Side:           spec.Side,
		Status:         StatusFilled,
		Volume:         spec.Volume,
		ExecutedVolume: spec.Volume,
		AvgPrice:       price,
		Fee:            fee,
	}
	return Ack{
		ExchangeID:     id,
		Status:         StatusFilled,
		ExecutedVolume: spec.Volume,
		AvgPrice:       price,
		Fee:            fee,
		CreatedAt:      now,
	}, nil
}

func (p *Paper) CancelOrder(ctx context.Context, exchangeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[exchangeID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.Status != StatusOpen {
		return false, nil
	}
	o.Status = StatusCanceled
	return true, nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, exchangeID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[exchangeID]
	if !ok {
		return OrderStatus{}, ErrOrderNotFound
	}
	return *o, nil
}

func (p *Paper) GetOpenOrders(ctx context.Context, market string) ([]OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var res []OrderStatus
	for _, o := range p.orders {
		if o.Status == StatusOpen && (market == "" || o.Market == market) {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (p *Paper) GetBalances(ctx context.Context) (map[string]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	res := make(map[string]Balance, len(p.balances))
	for cur, free := range p.balances {
		res[cur] = Balance{Free: free}
	}
	return res, nil
}

func (p *Paper) GetTicker(ctx context.Context, market string) (Ticker, error) {
	if err := ctx.Err(); err != nil {
		return Ticker{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.last[market]
	if !ok {
		return Ticker{}, fmt.Errorf("paper: no ticker for %s", market)
	}
	return Ticker{Market: market, Last: price, Bid: price, Ask: price, At: time.Now()}, nil
}

// splitMarket breaks "KRW-BTC" into quote "KRW" and base "BTC".
func splitMarket(market string) (quote, base string) {
	parts := strings.SplitN(market, "-", 2)
	if len(parts) != 2 {
		return market, market
	}
	return parts[0], parts[1]
}

package order

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Yaklede/bitcoin-auto-bot/pkg/exchange"
)

// Ledger is the registry of all orders this process has created. Every
// state change is pushed to the notifier so the synchronizer can mirror it
// to cache and durable store.
type Ledger struct {
	mu       sync.Mutex
	gw       exchange.Gateway
	orders   map[string]*Order
	onChange func(Order)

	maxRetries int
	retryDelay time.Duration
}

// NewLedger creates a ledger over the given gateway. Submission is retried
// maxRetries times with doubling backoff starting at retryDelay.
func NewLedger(gw exchange.Gateway, maxRetries int, retryDelay time.Duration) *Ledger {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &Ledger{
		gw:         gw,
		orders:     make(map[string]*Order),
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// SetNotifier registers the callback invoked after every state change.
// Must be set before the ledger is used concurrently.
func (l *Ledger) SetNotifier(fn func(Order)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Submit creates an order with a fresh idempotency key and dispatches it.
// The order is registered before the gateway is called, so a crash between
// the two leaves an auditable pending entry. A gateway rejection is
// recorded as a terminal rejected order and returned with the error.
func (l *Ledger) Submit(ctx context.Context, spec Spec) (Order, error) {
	now := time.Now()
	o := &Order{
		Key:       uuid.NewString(),
		Market:    spec.Market,
		Side:      spec.Side,
		Type:      spec.Type,
		Volume:    spec.Volume,
		Price:     spec.Price,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  spec.Metadata,
	}
	if spec.Emergency {
		if o.Metadata == nil {
			o.Metadata = map[string]string{}
		}
		o.Metadata["emergency"] = "true"
	}

	l.mu.Lock()
	l.orders[o.Key] = o
	l.mu.Unlock()
	l.notify(*o)

	ack, err := l.placeWithRetry(ctx, exchange.OrderSpec{
		Market:         spec.Market,
		Side:           spec.Side,
		Type:           spec.Type,
		Volume:         spec.Volume,
		Price:          spec.Price,
		IdempotencyKey: o.Key,
		Emergency:      spec.Emergency,
	})

	l.mu.Lock()
	if err != nil {
		o.Status = StatusRejected
		o.UpdatedAt = time.Now()
		cp := *o
		l.mu.Unlock()
		l.notify(cp)
		return cp, fmt.Errorf("submit order %s: %w", o.Key, err)
	}

	o.ExchangeID = ack.ExchangeID
	o.Status = Status(ack.Status)
	o.FilledVolume = minf(ack.ExecutedVolume, o.Volume)
	o.AvgPrice = ack.AvgPrice
	o.Fee = ack.Fee
	o.UpdatedAt = time.Now()
	if o.Status == StatusFilled {
		o.FilledAt = o.UpdatedAt
	}
	cp := *o
	l.mu.Unlock()
	l.notify(cp)
	return cp, nil
}

func (l *Ledger) placeWithRetry(ctx context.Context, spec exchange.OrderSpec) (exchange.Ack, error) {
	delay := l.retryDelay
	var lastErr error
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		ack, err := l.gw.PlaceOrder(ctx, spec)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		log.Printf("[ledger] place attempt %d/%d failed for %s: %v", attempt, l.maxRetries, spec.IdempotencyKey, err)
		if attempt == l.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return exchange.Ack{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return exchange.Ack{}, lastErr
}

// Refresh polls the gateway for the order's current status and merges it
// into the ledger entry. On gateway failure the previous local state is
// retained and the error is returned for reporting only; callers must not
// treat it as fatal.
func (l *Ledger) Refresh(ctx context.Context, key string) (Order, error) {
	l.mu.Lock()
	o, ok := l.orders[key]
	if !ok {
		l.mu.Unlock()
		return Order{}, fmt.Errorf("refresh: unknown order %s", key)
	}
	if o.Status.Terminal() || o.ExchangeID == "" {
		cp := *o
		l.mu.Unlock()
		return cp, nil
	}
	exchangeID := o.ExchangeID
	l.mu.Unlock()

	st, err := l.gw.GetOrderStatus(ctx, exchangeID)
	if err != nil {
		l.mu.Lock()
		cp := *o
		l.mu.Unlock()
		log.Printf("[ledger] refresh %s failed, keeping local state: %v", key, err)
		return cp, err
	}

	l.mu.Lock()
	changed := l.merge(o, st)
	cp := *o
	l.mu.Unlock()
	if changed {
		l.notify(cp)
	}
	return cp, nil
}

// merge applies an exchange status onto a ledger entry. Terminal entries
// are immutable and filled volume never exceeds the requested volume.
func (l *Ledger) merge(o *Order, st exchange.OrderStatus) bool {
	if o.Status.Terminal() {
		return false
	}
	next := Status(st.Status)
	changed := false
	if next != o.Status {
		o.Status = next
		changed = true
	}
	if filled := minf(st.ExecutedVolume, o.Volume); filled != o.FilledVolume {
		o.FilledVolume = filled
		changed = true
	}
	if st.AvgPrice > 0 && st.AvgPrice != o.AvgPrice {
		o.AvgPrice = st.AvgPrice
		changed = true
	}
	if st.Fee > 0 && st.Fee != o.Fee {
		o.Fee = st.Fee
		changed = true
	}
	if changed {
		o.UpdatedAt = time.Now()
		if o.Status == StatusFilled && o.FilledAt.IsZero() {
			o.FilledAt = o.UpdatedAt
		}
	}
	return changed
}

// Cancel requests cancellation. The entry only becomes terminal on
// confirmed cancellation; an ambiguous failure leaves it open so the next
// refresh can resolve it instead of losing track of a possible fill.
func (l *Ledger) Cancel(ctx context.Context, key string) bool {
	l.mu.Lock()
	o, ok := l.orders[key]
	if !ok || o.Status.Terminal() || o.ExchangeID == "" {
		l.mu.Unlock()
		return false
	}
	exchangeID := o.ExchangeID
	l.mu.Unlock()

	canceled, err := l.gw.CancelOrder(ctx, exchangeID)
	if err != nil {
		log.Printf("[ledger] cancel %s failed, leaving open for next refresh: %v", key, err)
		return false
	}
	if !canceled {
		return false
	}

	l.mu.Lock()
	o.Status = StatusCanceled
	o.UpdatedAt = time.Now()
	cp := *o
	l.mu.Unlock()
	l.notify(cp)
	return true
}

// ActiveOrders returns copies of all non-terminal entries, oldest first.
func (l *Ledger) ActiveOrders() []Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res []Order
	for _, o := range l.orders {
		if !o.Status.Terminal() {
			res = append(res, *o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}

// Get returns a copy of the order, if known.
func (l *Ledger) Get(key string) (Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[key]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// RefreshAll polls every active order once. Individual failures are
// reported by Refresh and do not stop the sweep.
func (l *Ledger) RefreshAll(ctx context.Context) {
	for _, o := range l.ActiveOrders() {
		if ctx.Err() != nil {
			return
		}
		_, _ = l.Refresh(ctx, o.Key)
	}
}

// Restore seeds the ledger from durable-store rows during bootstrap.
// Existing entries win so a restore never regresses live state.
func (l *Ledger) Restore(orders []Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range orders {
		o := orders[i]
		if _, exists := l.orders[o.Key]; exists {
			continue
		}
		l.orders[o.Key] = &o
	}
}

func (l *Ledger) notify(o Order) {
	l.mu.Lock()
	fn := l.onChange
	l.mu.Unlock()
	if fn != nil {
		fn(o)
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

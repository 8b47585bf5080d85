package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Yaklede/bitcoin-auto-bot/pkg/exchange"
)

// fakeGateway scripts gateway behavior per call.
type fakeGateway struct {
	mu         sync.Mutex
	placeErrs  int // number of placements to fail before succeeding
	placeCalls int
	status     exchange.OrderStatus
	statusErr  error
	cancelOK   bool
	cancelErr  error
	ackStatus  string
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (exchange.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.placeErrs > 0 {
		f.placeErrs--
		return exchange.Ack{}, errors.New("gateway timeout")
	}
	st := f.ackStatus
	if st == "" {
		st = exchange.StatusOpen
	}
	return exchange.Ack{ExchangeID: "ex-" + spec.IdempotencyKey[:8], Status: st}, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelOK, f.cancelErr
}

func (f *fakeGateway) GetOrderStatus(ctx context.Context, id string) (exchange.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return exchange.OrderStatus{}, f.statusErr
	}
	return f.status, nil
}

func (f *fakeGateway) GetOpenOrders(ctx context.Context, market string) ([]exchange.OrderStatus, error) {
	return nil, nil
}

func (f *fakeGateway) GetBalances(ctx context.Context) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{}, nil
}

func (f *fakeGateway) GetTicker(ctx context.Context, market string) (exchange.Ticker, error) {
	return exchange.Ticker{Market: market, Last: 50000000}, nil
}

func newTestLedger(gw exchange.Gateway) *Ledger {
	return NewLedger(gw, 3, time.Millisecond)
}

func TestSubmitRetriesThenSucceeds(t *testing.T) {
	gw := &fakeGateway{placeErrs: 2}
	l := newTestLedger(gw)

	var notifications []Order
	l.SetNotifier(func(o Order) { notifications = append(notifications, o) })

	o, err := l.Submit(context.Background(), Spec{
		Market: "KRW-BTC", Side: exchange.SideBuy, Type: exchange.TypeMarket, Volume: 0.004,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gw.placeCalls != 3 {
		t.Errorf("expected 3 placement attempts, got %d", gw.placeCalls)
	}
	if o.Status != StatusOpen || o.ExchangeID == "" {
		t.Errorf("unexpected order after submit: %+v", o)
	}
	// pending registration plus acknowledgment
	if len(notifications) != 2 {
		t.Errorf("expected 2 notifications, got %d", len(notifications))
	}
	if notifications[0].Status != StatusPending {
		t.Errorf("first notification should be pending, got %s", notifications[0].Status)
	}
}

func TestSubmitRecordsRejectionAfterExhaustedRetries(t *testing.T) {
	gw := &fakeGateway{placeErrs: 10}
	l := newTestLedger(gw)

	o, err := l.Submit(context.Background(), Spec{
		Market: "KRW-BTC", Side: exchange.SideBuy, Type: exchange.TypeMarket, Volume: 0.004,
	})
	if err == nil {
		t.Fatal("expected submit error")
	}
	if o.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", o.Status)
	}
	// Rejected orders stay in the ledger for audit but are not active.
	if got, ok := l.Get(o.Key); !ok || got.Status != StatusRejected {
		t.Errorf("rejected order missing from ledger: %+v ok=%v", got, ok)
	}
	if len(l.ActiveOrders()) != 0 {
		t.Errorf("rejected order should not be active")
	}
}

func TestRefreshMergesAndKeepsTerminalImmutable(t *testing.T) {
	gw := &fakeGateway{}
	l := newTestLedger(gw)
	ctx := context.Background()

	o, err := l.Submit(ctx, Spec{Market: "KRW-BTC", Side: exchange.SideBuy, Type: exchange.TypeMarket, Volume: 0.004})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	gw.status = exchange.OrderStatus{
		ExchangeID:     o.ExchangeID,
		Status:         exchange.StatusFilled,
		Volume:         0.004,
		ExecutedVolume: 0.009, // exchange reports more than requested
		AvgPrice:       50000000,
	}
	got, err := l.Refresh(ctx, o.Key)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.Status != StatusFilled {
		t.Errorf("status = %s", got.Status)
	}
	if got.FilledVolume != 0.004 {
		t.Errorf("filled volume not clamped to requested: %v", got.FilledVolume)
	}
	if got.FilledAt.IsZero() {
		t.Errorf("FilledAt not set")
	}

	// A later contradictory poll must not reopen a terminal order.
	gw.status.Status = exchange.StatusOpen
	got, err = l.Refresh(ctx, o.Key)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.Status != StatusFilled {
		t.Errorf("terminal status regressed to %s", got.Status)
	}
}

func TestRefreshKeepsLocalStateOnGatewayError(t *testing.T) {
	gw := &fakeGateway{}
	l := newTestLedger(gw)
	ctx := context.Background()

	o, _ := l.Submit(ctx, Spec{Market: "KRW-BTC", Side: exchange.SideBuy, Type: exchange.TypeLimit, Volume: 0.004, Price: 49000000})

	gw.statusErr = errors.New("connection reset")
	got, err := l.Refresh(ctx, o.Key)
	if err == nil {
		t.Fatal("expected refresh error to be reported")
	}
	if got.Status != StatusOpen {
		t.Errorf("local state regressed on gateway error: %s", got.Status)
	}
}

func TestCancelLeavesOrderOpenOnAmbiguousFailure(t *testing.T) {
	gw := &fakeGateway{}
	l := newTestLedger(gw)
	ctx := context.Background()

	o, _ := l.Submit(ctx, Spec{Market: "KRW-BTC", Side: exchange.SideSell, Type: exchange.TypeLimit, Volume: 0.004, Price: 51000000})

	t.Run("gateway error", func(t *testing.T) {
		gw.cancelErr = errors.New("timeout")
		if l.Cancel(ctx, o.Key) {
			t.Error("cancel should report failure")
		}
		got, _ := l.Get(o.Key)
		if got.Status != StatusOpen {
			t.Errorf("order must stay open on ambiguous cancel, got %s", got.Status)
		}
	})

	t.Run("confirmed cancel", func(t *testing.T) {
		gw.cancelErr = nil
		gw.cancelOK = true
		if !l.Cancel(ctx, o.Key) {
			t.Fatal("cancel should succeed")
		}
		got, _ := l.Get(o.Key)
		if got.Status != StatusCanceled {
			t.Errorf("status = %s", got.Status)
		}
		// terminal now: repeat cancel is a no-op
		if l.Cancel(ctx, o.Key) {
			t.Error("cancel on terminal order should return false")
		}
	})
}

func TestActiveOrdersOrdering(t *testing.T) {
	gw := &fakeGateway{}
	l := newTestLedger(gw)
	ctx := context.Background()

	first, _ := l.Submit(ctx, Spec{Market: "KRW-BTC", Side: exchange.SideBuy, Type: exchange.TypeLimit, Volume: 0.001, Price: 1})
	second, _ := l.Submit(ctx, Spec{Market: "KRW-BTC", Side: exchange.SideBuy, Type: exchange.TypeLimit, Volume: 0.002, Price: 2})

	active := l.ActiveOrders()
	if len(active) != 2 {
		t.Fatalf("expected 2 active orders, got %d", len(active))
	}
	if active[0].Key != first.Key || active[1].Key != second.Key {
		t.Errorf("orders not sorted oldest first")
	}
}

func TestRestoreDoesNotOverwriteLiveEntries(t *testing.T) {
	gw := &fakeGateway{}
	l := newTestLedger(gw)
	ctx := context.Background()

	live, _ := l.Submit(ctx, Spec{Market: "KRW-BTC", Side: exchange.SideBuy, Type: exchange.TypeLimit, Volume: 0.004, Price: 49000000})

	l.Restore([]Order{
		{Key: live.Key, Market: "KRW-BTC", Status: StatusPending}, // stale row
		{Key: "restored-1", Market: "KRW-BTC", Side: exchange.SideSell, Status: StatusOpen, Volume: 0.002, ExchangeID: "ex-old"},
	})

	got, _ := l.Get(live.Key)
	if got.Status != StatusOpen {
		t.Errorf("restore overwrote live entry: %s", got.Status)
	}
	if _, ok := l.Get("restored-1"); !ok {
		t.Errorf("restored order missing")
	}
}

package db

import (
	"context"
	"errors"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestOrderUpsert(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	o := Order{
		UUID:    "idem-1",
		Market:  "KRW-BTC",
		Side:    "bid",
		OrdType: "market",
		Volume:  0.004,
		State:   "pending",
	}
	if err := database.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder insert: %v", err)
	}

	t.Run("merge on conflict keeps identity fields", func(t *testing.T) {
		o.ExchangeID = "upbit-9"
		o.State = "filled"
		o.ExecutedVolume = 0.004
		o.AvgPrice = 50000000
		o.PaidFee = 100
		if err := database.UpsertOrder(ctx, o); err != nil {
			t.Fatalf("UpsertOrder update: %v", err)
		}

		got, err := database.GetOrder(ctx, "idem-1")
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if got.State != "filled" || got.ExchangeID != "upbit-9" {
			t.Errorf("unexpected merge result: state=%s exchange_id=%s", got.State, got.ExchangeID)
		}
		if got.Market != "KRW-BTC" || got.Volume != 0.004 {
			t.Errorf("identity fields changed: market=%s volume=%v", got.Market, got.Volume)
		}
	})

	t.Run("open listing excludes terminal orders", func(t *testing.T) {
		open := Order{UUID: "idem-2", Market: "KRW-BTC", Side: "ask", OrdType: "limit", Price: 51000000, Volume: 0.002, State: "open"}
		if err := database.UpsertOrder(ctx, open); err != nil {
			t.Fatalf("UpsertOrder: %v", err)
		}

		orders, err := database.ListOpenOrders(ctx, "KRW-BTC")
		if err != nil {
			t.Fatalf("ListOpenOrders: %v", err)
		}
		if len(orders) != 1 || orders[0].UUID != "idem-2" {
			t.Errorf("expected only idem-2 open, got %+v", orders)
		}
	})

	t.Run("missing order returns ErrNotFound", func(t *testing.T) {
		if _, err := database.GetOrder(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPositionLifecycle(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	p := Position{
		Market:     "KRW-BTC",
		Side:       "long",
		EntryPrice: 50000000,
		Volume:     0.004,
		StopPrice:  48750000,
		TrailPrice: 48750000,
	}
	if err := database.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	// Trailing stop ratchets upward on the next write.
	p.TrailPrice = 49500000
	p.UnrealizedPnl = 8000
	if err := database.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("UpsertPosition update: %v", err)
	}

	got, err := database.GetPosition(ctx, "KRW-BTC")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.TrailPrice != 49500000 || got.UnrealizedPnl != 8000 {
		t.Errorf("unexpected position after update: %+v", got)
	}

	if err := database.ClearPosition(ctx, "KRW-BTC"); err != nil {
		t.Fatalf("ClearPosition: %v", err)
	}
	if _, err := database.GetPosition(ctx, "KRW-BTC"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestTradesAppendOnly(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	trades := []Trade{
		{OrderUUID: "idem-1", Market: "KRW-BTC", Side: "long", EntryPrice: 50000000, ExitPrice: 51000000, Volume: 0.004, Pnl: 4000, RMultiple: 0.8, Reason: "trailing_stop"},
		{OrderUUID: "idem-2", Market: "KRW-BTC", Side: "long", EntryPrice: 51000000, ExitPrice: 49800000, Volume: 0.003, Pnl: -3600, RMultiple: -1.0, Reason: "stop_loss"},
	}
	for _, tr := range trades {
		if err := database.InsertTrade(ctx, tr); err != nil {
			t.Fatalf("InsertTrade: %v", err)
		}
	}

	got, err := database.ListRecentTrades(ctx, "KRW-BTC", 10)
	if err != nil {
		t.Fatalf("ListRecentTrades: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(got))
	}
	if got[0].Reason != "stop_loss" {
		t.Errorf("expected newest trade first, got %s", got[0].Reason)
	}
}

func TestAccountSnapshots(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	if _, err := database.LatestSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty table, got %v", err)
	}

	for i, v := range []float64{1000000, 1004000} {
		s := AccountSnapshot{TotalKRW: v, TotalBTC: 0, TotalValueKRW: v, DailyPnl: float64(i) * 4000}
		if err := database.InsertSnapshot(ctx, s); err != nil {
			t.Fatalf("InsertSnapshot: %v", err)
		}
	}

	got, err := database.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got.TotalKRW != 1004000 || got.DailyPnl != 4000 {
		t.Errorf("expected latest snapshot, got %+v", got)
	}
}

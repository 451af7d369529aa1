package order

import (
	"context"
	"errors"
	"testing"

	"github.com/kanalpay/kanalpay/internal/testutil"
)

func pgSeed(t *testing.T, s *PostgresStore, amount int64) *Order {
	t.Helper()
	o := New(amount, "9001", "-1001234")
	if err := s.Create(context.Background(), o); err != nil {
		t.Fatalf("create: %v", err)
	}
	return o
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresStore(db)

	o := pgSeed(t, s, 1100000)

	got, err := s.Get(context.Background(), o.OrderID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount != 1100000 || got.State != StateNew || got.Recipient != "9001" {
		t.Errorf("round trip: %+v", got)
	}

	if err := s.Create(context.Background(), o); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create: %v, want ErrExists", err)
	}
}

func TestPostgresStore_CASAndIndex(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresStore(db)

	o := pgSeed(t, s, 1100000)

	o.TransactionID = "TX1"
	o.Provider = ProviderPayme
	o.State = StatePrepared
	o.CreateTime = 1700000001000
	if err := s.Update(context.Background(), o, StateNew); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// Stale expected state loses the race.
	o.State = StatePerformed
	if err := s.Update(context.Background(), o, StateNew); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale cas: %v, want ErrConflict", err)
	}

	got, err := s.GetByTransaction(context.Background(), "TX1")
	if err != nil {
		t.Fatalf("indexed lookup: %v", err)
	}
	if got.OrderID != o.OrderID || got.State != StatePrepared {
		t.Errorf("indexed lookup: %+v", got)
	}

	if _, err := s.GetByTransaction(context.Background(), "TX9"); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("missing tx: %v, want ErrTxNotFound", err)
	}
}

func TestPostgresStore_SetAmountLock(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresStore(db)

	o := pgSeed(t, s, 0)

	if err := s.SetAmount(context.Background(), o.OrderID, 1100000); err != nil {
		t.Fatalf("set amount: %v", err)
	}

	o.Amount = 1100000
	o.TransactionID = "TX1"
	o.State = StatePrepared
	if err := s.Update(context.Background(), o, StateNew); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := s.SetAmount(context.Background(), o.OrderID, 1); !errors.Is(err, ErrAmountLocked) {
		t.Errorf("set amount after bind: %v, want ErrAmountLocked", err)
	}
}

func TestPostgresStore_DeliveryClaim(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresStore(db)

	o := pgSeed(t, s, 1100000)

	claimed, err := s.ClaimDelivery(context.Background(), o.OrderID)
	if err != nil || !claimed {
		t.Fatalf("first claim: %v %v", claimed, err)
	}
	claimed, err = s.ClaimDelivery(context.Background(), o.OrderID)
	if err != nil || claimed {
		t.Fatalf("second claim: %v %v", claimed, err)
	}
	if err := s.ReleaseDelivery(context.Background(), o.OrderID); err != nil {
		t.Fatalf("release: %v", err)
	}
	claimed, err = s.ClaimDelivery(context.Background(), o.OrderID)
	if err != nil || !claimed {
		t.Fatalf("claim after release: %v %v", claimed, err)
	}
}

func TestPostgresStore_Statement(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	s := NewPostgresStore(db)

	bound := pgSeed(t, s, 1100000)
	bound.TransactionID = "TX1"
	bound.State = StatePrepared
	bound.CreateTime = 1500
	if err := s.Update(context.Background(), bound, StateNew); err != nil {
		t.Fatalf("bind: %v", err)
	}
	pgSeed(t, s, 500000) // never bound

	got, err := s.ListByCreateTime(context.Background(), 1000, 2000)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].TransactionID != "TX1" {
		t.Errorf("listed %+v", got)
	}
}

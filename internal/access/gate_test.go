package access

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kanalpay/kanalpay/internal/order"
)

type fakeIssuer struct {
	calls int32
	err   error
}

func (f *fakeIssuer) Issue(ctx context.Context, o *order.Order) (*Credential, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &Credential{InviteLink: "https://t.me/+abc123", ExpiresAt: 1700003600}, nil
}

type fakeNotifier struct {
	calls int32
	err   error
	last  *Credential
}

func (f *fakeNotifier) Notify(ctx context.Context, o *order.Order, cred *Credential) error {
	atomic.AddInt32(&f.calls, 1)
	f.last = cred
	if f.err != nil {
		return f.err
	}
	return nil
}

func performedOrder(t *testing.T, store order.Store) *order.Order {
	t.Helper()
	o := order.New(1100000, "12345", "channel:-1001")
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestDeliver_Once(t *testing.T) {
	store := order.NewMemoryStore()
	issuer := &fakeIssuer{}
	notifier := &fakeNotifier{}
	gate := NewGate(store, issuer, notifier)

	o := performedOrder(t, store)

	if err := gate.Deliver(context.Background(), o); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	if err := gate.Deliver(context.Background(), o); err != nil {
		t.Fatalf("second deliver: %v", err)
	}

	if issuer.calls != 1 {
		t.Errorf("issuer called %d times, want 1", issuer.calls)
	}
	if notifier.calls != 1 {
		t.Errorf("notifier called %d times, want 1", notifier.calls)
	}
	if notifier.last == nil || notifier.last.InviteLink == "" {
		t.Error("notifier did not receive a credential")
	}
}

func TestDeliver_RearmOnNotifyFailure(t *testing.T) {
	store := order.NewMemoryStore()
	issuer := &fakeIssuer{}
	notifier := &fakeNotifier{err: errors.New("telegram unreachable")}
	gate := NewGate(store, issuer, notifier)

	o := performedOrder(t, store)

	if err := gate.Deliver(context.Background(), o); err == nil {
		t.Fatal("expected delivery error")
	}

	// The claim must be released so a provider retry can succeed.
	notifier.err = nil
	if err := gate.Deliver(context.Background(), o); err != nil {
		t.Fatalf("retry deliver: %v", err)
	}
	if notifier.calls != 2 {
		t.Errorf("notifier called %d times, want 2", notifier.calls)
	}

	got, err := store.Get(context.Background(), o.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !got.Delivered {
		t.Error("order not marked delivered after successful retry")
	}
}

func TestDeliver_RearmOnIssueFailure(t *testing.T) {
	store := order.NewMemoryStore()
	issuer := &fakeIssuer{err: errors.New("invite link quota")}
	notifier := &fakeNotifier{}
	gate := NewGate(store, issuer, notifier)

	o := performedOrder(t, store)

	if err := gate.Deliver(context.Background(), o); err == nil {
		t.Fatal("expected delivery error")
	}
	if notifier.calls != 0 {
		t.Errorf("notifier called %d times before credential existed", notifier.calls)
	}

	issuer.err = nil
	if err := gate.Deliver(context.Background(), o); err != nil {
		t.Fatalf("retry deliver: %v", err)
	}
	if issuer.calls != 2 || notifier.calls != 1 {
		t.Errorf("issuer=%d notifier=%d, want 2/1", issuer.calls, notifier.calls)
	}
}

func TestDeliver_Concurrent(t *testing.T) {
	store := order.NewMemoryStore()
	issuer := &fakeIssuer{}
	notifier := &fakeNotifier{}
	gate := NewGate(store, issuer, notifier)

	o := performedOrder(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gate.Deliver(context.Background(), o)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&issuer.calls); got != 1 {
		t.Errorf("issuer called %d times under contention, want 1", got)
	}
	if got := atomic.LoadInt32(&notifier.calls); got != 1 {
		t.Errorf("notifier called %d times under contention, want 1", got)
	}
}

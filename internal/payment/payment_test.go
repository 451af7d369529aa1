package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kanalpay/kanalpay/internal/order"
)

// countingGate mirrors the real delivery gate's claim discipline: the claim
// flag dedups notifications and a failure releases it for the next retry.
type countingGate struct {
	store order.Store
	calls int32 // notifications actually sent or attempted past the claim
	fail  int32
}

func (g *countingGate) Deliver(ctx context.Context, o *order.Order) error {
	claimed, err := g.store.ClaimDelivery(ctx, o.OrderID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	atomic.AddInt32(&g.calls, 1)
	if atomic.LoadInt32(&g.fail) == 1 {
		_ = g.store.ReleaseDelivery(ctx, o.OrderID)
		return errors.New("notifier unreachable")
	}
	return nil
}

func newService(t *testing.T) (*Service, order.Store, *countingGate) {
	t.Helper()
	store := order.NewMemoryStore()
	gate := &countingGate{store: store}
	var clock int64 = 1700000000000
	svc := NewService(store, gate, WithClock(func() int64 { return clock }))
	return svc, store, gate
}

func mustCreate(t *testing.T, store order.Store, id string, amount int64) {
	t.Helper()
	o := order.New(amount, "9001", "")
	o.OrderID = id
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("create order %s: %v", id, err)
	}
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return AsError(err).Kind
}

func TestCheckAllowed_ExactMatch(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 1100000)

	if err := svc.CheckAllowed(context.Background(), "0000001", 1100000); err != nil {
		t.Fatalf("exact amount rejected: %v", err)
	}
	if got := kindOf(t, svc.CheckAllowed(context.Background(), "0000001", 500000)); got != KindAmountMismatch {
		t.Errorf("wrong amount: kind %s, want amount_mismatch", got)
	}
	if got := kindOf(t, svc.CheckAllowed(context.Background(), "missing", 1100000)); got != KindOrderNotFound {
		t.Errorf("missing order: kind %s, want order_not_found", got)
	}
}

func TestCheckAllowed_ZeroIsALegitimateAmount(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "zero", 0)

	if err := svc.CheckAllowed(context.Background(), "zero", 0); err != nil {
		t.Fatalf("zero amount rejected: %v", err)
	}
	if got := kindOf(t, svc.CheckAllowed(context.Background(), "zero", 1)); got != KindAmountMismatch {
		t.Errorf("nonzero claim on zero order: kind %s, want amount_mismatch", got)
	}
}

func TestPrepare_IdempotentReplay(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 1100000)

	first, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if first.State != order.StatePrepared || first.CreateTime != 1700000001000 {
		t.Fatalf("prepare result: %+v", first)
	}

	// Replay with the same tx id at a later time: original result, original
	// create_time.
	second, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000009000)
	if err != nil {
		t.Fatalf("prepare replay: %v", err)
	}
	if *second != *first {
		t.Errorf("replay result %+v differs from original %+v", second, first)
	}
}

func TestPrepare_SecondTransactionLocked(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 1100000)

	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare TX1: %v", err)
	}
	_, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX2", 1700000002000)
	if got := kindOf(t, err); got != KindAccountLocked {
		t.Errorf("second tx: kind %s, want account_locked", got)
	}
}

func TestPrepare_AmountMismatch(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 1100000)

	_, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 999, "TX1", 1700000001000)
	if got := kindOf(t, err); got != KindAmountMismatch {
		t.Errorf("kind %s, want amount_mismatch", got)
	}
}

func TestPerform_DeliversExactlyOnce(t *testing.T) {
	svc, store, gate := newService(t)
	mustCreate(t, store, "0000001", 1100000)

	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	first, err := svc.Perform(context.Background(), "TX1", 1700000002000)
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	if first.State != order.StatePerformed || first.PerformTime != 1700000002000 {
		t.Fatalf("perform result: %+v", first)
	}
	if gate.calls != 1 {
		t.Fatalf("gate called %d times, want 1", gate.calls)
	}

	// Replay: original perform_time, no new delivery.
	second, err := svc.Perform(context.Background(), "TX1", 1700000009000)
	if err != nil {
		t.Fatalf("perform replay: %v", err)
	}
	if second.PerformTime != 1700000002000 {
		t.Errorf("replay perform_time %d, want original", second.PerformTime)
	}
	if gate.calls != 1 {
		t.Errorf("gate called %d times after replay, want 1", gate.calls)
	}
}

func TestPerform_RetryAfterDeliveryFailure(t *testing.T) {
	svc, store, gate := newService(t)
	mustCreate(t, store, "0000001", 1100000)
	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	// Delivery fails but the payment acknowledgment must still succeed.
	atomic.StoreInt32(&gate.fail, 1)
	if _, err := svc.Perform(context.Background(), "TX1", 1700000002000); err != nil {
		t.Fatalf("perform with failing gate: %v", err)
	}

	// The gate is invoked again on the provider's retry.
	atomic.StoreInt32(&gate.fail, 0)
	if _, err := svc.Perform(context.Background(), "TX1", 1700000003000); err != nil {
		t.Fatalf("perform retry: %v", err)
	}
	if gate.calls != 2 {
		t.Errorf("gate called %d times, want 2", gate.calls)
	}
}

func TestPerform_UnknownTransaction(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Perform(context.Background(), "NOPE", 1700000002000)
	if got := kindOf(t, err); got != KindTransactionNotFound {
		t.Errorf("kind %s, want transaction_not_found", got)
	}
}

func TestPerform_CanceledStaysCanceled(t *testing.T) {
	svc, store, gate := newService(t)
	mustCreate(t, store, "0000001", 1100000)
	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.Cancel(context.Background(), "TX1", nil, 1700000002000); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := svc.Perform(context.Background(), "TX1", 1700000003000)
	if got := kindOf(t, err); got != KindAccountLocked {
		t.Errorf("perform after cancel: kind %s, want account_locked", got)
	}
	if gate.calls != 0 {
		t.Errorf("gate called %d times, want 0", gate.calls)
	}
}

func TestCancel_BeforePerform(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 1100000)
	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	reason := int64(3)
	res, err := svc.Cancel(context.Background(), "TX1", &reason, 1700000002000)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.State != order.StateCanceled {
		t.Fatalf("state %d, want -1", res.State)
	}

	chk, err := svc.Check(context.Background(), "TX1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if chk.PerformTime != 0 || chk.Reason == nil || *chk.Reason != 3 {
		t.Errorf("check after pre-perform cancel: %+v", chk)
	}
}

func TestCancel_AfterPerform(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 1100000)
	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.Perform(context.Background(), "TX1", 1700000002000); err != nil {
		t.Fatalf("perform: %v", err)
	}

	reason := int64(5)
	res, err := svc.Cancel(context.Background(), "TX1", &reason, 1700000003000)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.State != order.StateCanceledAfterPerform || res.CancelTime != 1700000003000 {
		t.Fatalf("cancel result: %+v", res)
	}

	// Replay: identical terminal result.
	replay, err := svc.Cancel(context.Background(), "TX1", &reason, 1700000009000)
	if err != nil {
		t.Fatalf("cancel replay: %v", err)
	}
	if *replay != *res {
		t.Errorf("replay %+v differs from original %+v", replay, res)
	}

	// The -2 state reports a null reason.
	chk, err := svc.Check(context.Background(), "TX1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if chk.State != order.StateCanceledAfterPerform || chk.Reason != nil {
		t.Errorf("check after post-perform cancel: %+v", chk)
	}
	if chk.PerformTime != 1700000002000 {
		t.Errorf("perform_time lost: %+v", chk)
	}
}

func TestCancel_Reason5ForcesPostPerformState(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 1100000)
	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	// Reason 5 means a refund of a performed payment; even when the local
	// state never saw the perform, the terminal state is -2.
	reason := int64(5)
	res, err := svc.Cancel(context.Background(), "TX1", &reason, 1700000002000)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.State != order.StateCanceledAfterPerform {
		t.Errorf("state %d, want -2", res.State)
	}
}

func TestCheck_WhilePerformedHidesCancelFields(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 1100000)
	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.Perform(context.Background(), "TX1", 1700000002000); err != nil {
		t.Fatalf("perform: %v", err)
	}

	chk, err := svc.Check(context.Background(), "TX1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if chk.State != order.StatePerformed || chk.CancelTime != 0 || chk.Reason != nil {
		t.Errorf("check while performed: %+v", chk)
	}
}

func TestStatement_WindowAndExclusions(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "in-window", 1100000)
	mustCreate(t, store, "out-of-window", 1100000)
	mustCreate(t, store, "never-bound", 1100000)

	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "in-window", 1100000, "TX1", 1700000005000); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "out-of-window", 1100000, "TX2", 1800000000000); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	entries, err := svc.Statement(context.Background(), 1700000000000, 1700000100000)
	if err != nil {
		t.Fatalf("statement: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("statement entries: %d, want 1 (%+v)", len(entries), entries)
	}
	if entries[0].TransactionID != "TX1" || entries[0].OrderID != "in-window" {
		t.Errorf("entry: %+v", entries[0])
	}
}

func TestReprice(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 0)

	if err := svc.Reprice(context.Background(), "0000001", 1100000); err != nil {
		t.Fatalf("reprice: %v", err)
	}
	if err := svc.CheckAllowed(context.Background(), "0000001", 1100000); err != nil {
		t.Fatalf("amount not applied: %v", err)
	}

	// Once a transaction is bound the amount is immutable.
	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := kindOf(t, svc.Reprice(context.Background(), "0000001", 500000)); got != KindAccountLocked {
		t.Errorf("reprice after bind: kind %s, want account_locked", got)
	}
}

func TestPrepare_ConcurrentDistinctTransactions(t *testing.T) {
	svc, store, _ := newService(t)
	mustCreate(t, store, "0000001", 1100000)

	txs := []string{"TX1", "TX2", "TX3", "TX4", "TX5", "TX6", "TX7", "TX8"}
	var wins int32
	var wg sync.WaitGroup
	for _, tx := range txs {
		wg.Add(1)
		go func(tx string) {
			defer wg.Done()
			if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, tx, 1700000001000); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(tx)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d transactions bound concurrently, want exactly 1", wins)
	}
}

func TestPerform_ConcurrentRepliesDeliverOnce(t *testing.T) {
	svc, store, gate := newService(t)
	mustCreate(t, store, "0000001", 1100000)
	if _, err := svc.Prepare(context.Background(), order.ProviderPayme, "0000001", 1100000, "TX1", 1700000001000); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Perform(context.Background(), "TX1", 1700000002000)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&gate.calls); got != 1 {
		t.Errorf("gate called %d times under contention, want 1", got)
	}
}

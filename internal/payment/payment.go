// Package payment implements the provider-agnostic transaction state machine.
//
// Lifecycle along the numeric states both gateways assert on:
//
//	New (0) -> Prepared (1) -> Performed (2) -> CanceledAfterPerform (-2)
//	                        \-> Canceled (-1)
//
// Every state-changing event runs under a per-order lock and commits through
// the store's compare-and-swap, so two concurrent requests for the same
// transaction cannot both observe "not yet performed".
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/kanalpay/kanalpay/internal/logging"
	"github.com/kanalpay/kanalpay/internal/metrics"
	"github.com/kanalpay/kanalpay/internal/order"
	"github.com/kanalpay/kanalpay/internal/syncutil"
	"github.com/kanalpay/kanalpay/internal/traces"
)

// reasonRefundAfterPerform is the Payme cancel-reason code for refunding an
// already performed payment; it forces the -2 state even on a retried event.
const reasonRefundAfterPerform = 5

// DefaultStoreTimeout bounds every store round-trip; an expired deadline is
// reported as an internal error, never as a hang.
const DefaultStoreTimeout = 5 * time.Second

// DeliveryGate grants the purchased access at most once per order.
type DeliveryGate interface {
	Deliver(ctx context.Context, o *order.Order) error
}

// Service applies gateway events to order state.
type Service struct {
	store        order.Store
	gate         DeliveryGate
	locks        *syncutil.ContextShardedMutex
	storeTimeout time.Duration
	now          func() int64 // unix ms, injectable for tests
}

// Option configures the service.
type Option func(*Service)

// WithStoreTimeout overrides the bounded store-call timeout.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

// WithClock overrides the wall clock (unix ms) for tests.
func WithClock(now func() int64) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the state machine. gate may be nil when delivery is
// handled elsewhere (tests).
func NewService(store order.Store, gate DeliveryGate, opts ...Option) *Service {
	s := &Service{
		store:        store,
		gate:         gate,
		locks:        syncutil.NewContextShardedMutex(),
		storeTimeout: DefaultStoreTimeout,
		now:          func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder registers a new purchase intent ahead of any gateway event.
func (s *Service) CreateOrder(ctx context.Context, amount int64, recipient, deliveryPayload string) (*order.Order, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	o := order.New(amount, recipient, deliveryPayload)
	if err := s.store.Create(ctx, o); err != nil {
		return nil, Err(KindInternal)
	}
	metrics.OrdersCreatedTotal.Inc()
	return o, nil
}

// Reprice updates the amount of an order that has not yet bound a
// transaction. Amount is immutable afterwards.
func (s *Service) Reprice(ctx context.Context, orderID string, amount int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return Err(KindInternal)
	}
	defer unlock()

	switch err := s.store.SetAmount(ctx, orderID, amount); {
	case err == nil:
		return nil
	case errors.Is(err, order.ErrNotFound):
		return Err(KindOrderNotFound)
	case errors.Is(err, order.ErrAmountLocked):
		return Err(KindAccountLocked)
	default:
		return Err(KindInternal)
	}
}

// GetOrder is a read-only lookup used by the checkout helpers.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, Err(KindOrderNotFound)
		}
		return nil, Err(KindInternal)
	}
	return o, nil
}

// CheckAllowed validates that the order exists and the claimed amount matches
// exactly. Read-only; never mutates state. A zero stored amount is a
// legitimate value that still requires an exact match.
func (s *Service) CheckAllowed(ctx context.Context, orderID string, amount int64) error {
	ctx, span := traces.StartSpan(ctx, "payment.CheckAllowed", traces.OrderID(orderID))
	defer span.End()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return Err(KindOrderNotFound)
		}
		return Err(KindInternal)
	}
	if o.Amount != amount {
		return Err(KindAmountMismatch)
	}
	return nil
}

// PrepareResult is the canonical outcome of a Prepare event.
type PrepareResult struct {
	TransactionID string
	State         order.State
	CreateTime    int64
}

// Prepare binds a provider transaction to an order and moves it to Prepared.
// Re-sending the same transaction id is an idempotent success returning the
// original result; a different transaction id is rejected with AccountLocked.
func (s *Service) Prepare(ctx context.Context, provider order.Provider, orderID string, amount int64, txID string, at int64) (*PrepareResult, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Prepare",
		traces.OrderID(orderID), traces.TransactionID(txID))
	defer span.End()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, Err(KindInternal)
	}
	defer unlock()

	var res *PrepareResult
	for attempt := 0; attempt < 2; attempt++ {
		res, err = s.prepare(ctx, provider, orderID, amount, txID, at)
		if !errors.Is(err, order.ErrConflict) {
			break
		}
		// A cross-process writer won; the replay either hits the idempotent
		// path or the lock error.
	}
	if errors.Is(err, order.ErrConflict) {
		err = Err(KindInternal)
	}
	metrics.ObserveTransition("prepare", err)
	return res, err
}

func (s *Service) prepare(ctx context.Context, provider order.Provider, orderID string, amount int64, txID string, at int64) (*PrepareResult, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, Err(KindOrderNotFound)
		}
		return nil, Err(KindInternal)
	}
	if o.Amount != amount {
		return nil, Err(KindAmountMismatch)
	}

	if o.TransactionID != "" {
		if o.TransactionID == txID {
			// Idempotent replay: the original result, nothing mutated.
			return &PrepareResult{
				TransactionID: o.TransactionID,
				State:         order.StatePrepared,
				CreateTime:    o.CreateTime,
			}, nil
		}
		return nil, Err(KindAccountLocked)
	}
	if o.State != order.StateNew {
		return nil, Err(KindAccountLocked)
	}

	o.TransactionID = txID
	o.Provider = provider
	o.State = order.StatePrepared
	o.CreateTime = at

	if err := s.store.Update(ctx, o, order.StateNew); err != nil {
		if errors.Is(err, order.ErrConflict) {
			return nil, err
		}
		return nil, Err(KindInternal)
	}
	return &PrepareResult{TransactionID: txID, State: order.StatePrepared, CreateTime: at}, nil
}

// PerformResult is the canonical outcome of a Perform event.
type PerformResult struct {
	TransactionID string
	State         order.State
	PerformTime   int64
}

// Perform marks the bound transaction as paid and triggers access delivery.
// Replays return the stored perform time without re-triggering delivery.
func (s *Service) Perform(ctx context.Context, txID string, at int64) (*PerformResult, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Perform", traces.TransactionID(txID))
	defer span.End()

	res, deliver, err := s.performTx(ctx, txID, at)
	metrics.ObserveTransition("perform", err)
	if err != nil {
		return nil, err
	}

	// Delivery runs outside the per-order lock; the gate's own
	// compare-and-set keeps it at-most-once. Failures are logged, never
	// surfaced: the payment itself already succeeded.
	if deliver != nil && s.gate != nil {
		if derr := s.gate.Deliver(ctx, deliver); derr != nil {
			logging.L(ctx).Error("access delivery failed",
				"order_id", deliver.OrderID,
				"transaction_id", txID,
				"error", derr,
			)
		}
	}
	return res, nil
}

// performTx runs the state transition. The returned order is non-nil only
// when this call performed the transition and delivery should be attempted.
func (s *Service) performTx(ctx context.Context, txID string, at int64) (*PerformResult, *order.Order, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	ref, err := s.store.GetByTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, order.ErrTxNotFound) {
			return nil, nil, Err(KindTransactionNotFound)
		}
		return nil, nil, Err(KindInternal)
	}

	unlock, err := s.locks.LockContext(ctx, ref.OrderID)
	if err != nil {
		return nil, nil, Err(KindInternal)
	}
	defer unlock()

	for attempt := 0; attempt < 2; attempt++ {
		o, err := s.store.GetByTransaction(ctx, txID)
		if err != nil {
			if errors.Is(err, order.ErrTxNotFound) {
				return nil, nil, Err(KindTransactionNotFound)
			}
			return nil, nil, Err(KindInternal)
		}

		switch o.State {
		case order.StatePerformed:
			// Idempotent replay. A still-undelivered order gets another
			// delivery attempt; the gate's claim keeps it at-most-once.
			res := &PerformResult{TransactionID: txID, State: order.StatePerformed, PerformTime: o.PerformTime}
			if !o.Delivered {
				return res, o, nil
			}
			return res, nil, nil
		case order.StatePrepared:
		default:
			// Canceled transactions cannot come back to life.
			return nil, nil, Err(KindAccountLocked)
		}

		prev := o.State
		o.State = order.StatePerformed
		o.PerformTime = at

		err = s.store.Update(ctx, o, prev)
		if err == nil {
			return &PerformResult{TransactionID: txID, State: order.StatePerformed, PerformTime: at}, o, nil
		}
		if !errors.Is(err, order.ErrConflict) {
			return nil, nil, Err(KindInternal)
		}
	}
	return nil, nil, Err(KindInternal)
}

// CancelResult is the canonical outcome of a Cancel event.
type CancelResult struct {
	TransactionID string
	State         order.State
	CancelTime    int64
}

// Cancel voids the bound transaction. A performed order cancels to -2, a
// merely prepared one to -1; reason 5 forces -2 regardless. Replays return
// the previously stored terminal result unchanged.
func (s *Service) Cancel(ctx context.Context, txID string, reason *int64, at int64) (*CancelResult, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Cancel", traces.TransactionID(txID))
	defer span.End()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	ref, err := s.store.GetByTransaction(ctx, txID)
	if err != nil {
		metrics.ObserveTransition("cancel", err)
		if errors.Is(err, order.ErrTxNotFound) {
			return nil, Err(KindTransactionNotFound)
		}
		return nil, Err(KindInternal)
	}

	unlock, err := s.locks.LockContext(ctx, ref.OrderID)
	if err != nil {
		metrics.ObserveTransition("cancel", err)
		return nil, Err(KindInternal)
	}
	defer unlock()

	var res *CancelResult
	for attempt := 0; attempt < 2; attempt++ {
		res, err = s.cancel(ctx, txID, reason, at)
		if !errors.Is(err, order.ErrConflict) {
			break
		}
	}
	if errors.Is(err, order.ErrConflict) {
		err = Err(KindInternal)
	}
	metrics.ObserveTransition("cancel", err)
	return res, err
}

func (s *Service) cancel(ctx context.Context, txID string, reason *int64, at int64) (*CancelResult, error) {
	o, err := s.store.GetByTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, order.ErrTxNotFound) {
			return nil, Err(KindTransactionNotFound)
		}
		return nil, Err(KindInternal)
	}

	if o.State.Canceled() {
		// Idempotent replay of the stored terminal result.
		return &CancelResult{TransactionID: txID, State: o.State, CancelTime: o.CancelTime}, nil
	}

	prev := o.State
	target := order.StateCanceled
	if prev == order.StatePerformed || (reason != nil && *reason == reasonRefundAfterPerform) {
		target = order.StateCanceledAfterPerform
	}

	o.State = target
	o.CancelTime = at
	if target == order.StateCanceledAfterPerform {
		o.CancelReason = nil // reported as null in the -2 state
	} else {
		o.CancelReason = reason
	}

	if err := s.store.Update(ctx, o, prev); err != nil {
		if errors.Is(err, order.ErrConflict) {
			return nil, err
		}
		return nil, Err(KindInternal)
	}
	return &CancelResult{TransactionID: txID, State: target, CancelTime: at}, nil
}

// CheckResult is the canonical read-only view of a bound transaction.
type CheckResult struct {
	TransactionID string
	State         order.State
	CreateTime    int64
	PerformTime   int64
	CancelTime    int64
	Reason        *int64
}

// Check reports the transaction's current state and timestamps. While the
// order is Performed no cancellation exists, so cancel time and reason are
// reported absent; the -2 state always reports a null reason.
func (s *Service) Check(ctx context.Context, txID string) (*CheckResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	o, err := s.store.GetByTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, order.ErrTxNotFound) {
			return nil, Err(KindTransactionNotFound)
		}
		return nil, Err(KindInternal)
	}
	return checkView(o), nil
}

func checkView(o *order.Order) *CheckResult {
	res := &CheckResult{
		TransactionID: o.TransactionID,
		State:         o.State,
		CreateTime:    o.CreateTime,
		PerformTime:   o.PerformTime,
		CancelTime:    o.CancelTime,
		Reason:        o.CancelReason,
	}
	if o.State == order.StatePerformed {
		res.CancelTime = 0
		res.Reason = nil
	}
	if o.State == order.StateCanceledAfterPerform {
		res.Reason = nil
	}
	return res
}

// StatementEntry is one row of a provider statement.
type StatementEntry struct {
	TransactionID string
	OrderID       string
	Amount        int64
	State         order.State
	CreateTime    int64
	PerformTime   int64
	CancelTime    int64
	Reason        *int64
}

// Statement returns every order whose bound transaction was created in
// [from, to]. Orders that never reached a provider transaction are excluded.
func (s *Service) Statement(ctx context.Context, from, to int64) ([]StatementEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	orders, err := s.store.ListByCreateTime(ctx, from, to)
	if err != nil {
		return nil, Err(KindInternal)
	}

	entries := make([]StatementEntry, 0, len(orders))
	for _, o := range orders {
		v := checkView(o)
		entries = append(entries, StatementEntry{
			TransactionID: o.TransactionID,
			OrderID:       o.OrderID,
			Amount:        o.Amount,
			State:         v.State,
			CreateTime:    v.CreateTime,
			PerformTime:   v.PerformTime,
			CancelTime:    v.CancelTime,
			Reason:        v.Reason,
		})
	}
	return entries, nil
}

// Now returns the machine's wall clock in unix ms.
func (s *Service) Now() int64 {
	return s.now()
}

// bound caps store round-trips so a stuck backend surfaces as an internal
// error instead of a hung gateway callback.
func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

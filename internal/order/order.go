// Package order defines the payment order record and its persistence contract.
//
// An order is created before any gateway transaction exists, carries the
// price in tiyin, and is mutated only by the payment state machine. At most
// one provider transaction may ever bind to an order.
package order

import (
	"context"
	"errors"
	"time"

	gonanoid "github.com/jaevor/go-nanoid"
)

var (
	ErrNotFound     = errors.New("order not found")
	ErrTxNotFound   = errors.New("transaction not found")
	ErrExists       = errors.New("order already exists")
	ErrConflict     = errors.New("order state changed concurrently")
	ErrAmountLocked = errors.New("amount is fixed once a transaction is bound")
	ErrTxBound      = errors.New("order already bound to a transaction")
)

// State is the provider-visible numeric order state.
// The wire values are asserted on by both gateways and must not change.
type State int

const (
	StateNew                  State = 0
	StatePrepared             State = 1
	StatePerformed            State = 2
	StateCanceled             State = -1
	StateCanceledAfterPerform State = -2
)

// Terminal reports whether no further transition is possible except the
// Performed -> CanceledAfterPerform path.
func (s State) Terminal() bool {
	return s == StatePerformed || s.Canceled()
}

// Canceled reports whether the state is one of the two canceled states.
func (s State) Canceled() bool {
	return s == StateCanceled || s == StateCanceledAfterPerform
}

// Provider identifies which gateway created the bound transaction.
type Provider string

const (
	ProviderPayme Provider = "payme"
	ProviderClick Provider = "click"
)

// Order is one purchase intent. Times are Unix milliseconds, 0 = unset,
// matching what both gateways expect on the wire.
type Order struct {
	OrderID         string   `json:"orderId"`
	Amount          int64    `json:"amount"` // tiyin
	Recipient       string   `json:"recipient"`
	DeliveryPayload string   `json:"deliveryPayload,omitempty"`
	State           State    `json:"state"`
	Provider        Provider `json:"provider,omitempty"`
	TransactionID   string   `json:"transactionId,omitempty"`
	CreateTime      int64    `json:"createTime"`
	PerformTime     int64    `json:"performTime"`
	CancelTime      int64    `json:"cancelTime"`
	CancelReason    *int64   `json:"cancelReason,omitempty"`
	Delivered       bool     `json:"delivered"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists orders. All mutations on a single order are linearizable:
// Update is a compare-and-swap on the order's state, so two concurrent
// transitions cannot both succeed when only one is valid.
type Store interface {
	// Create inserts a new order. ErrExists if the id is taken.
	Create(ctx context.Context, o *Order) error
	// Get returns the order or ErrNotFound.
	Get(ctx context.Context, orderID string) (*Order, error)
	// GetByTransaction resolves a bound provider transaction id to its order
	// through a secondary index. ErrTxNotFound when no order is bound.
	GetByTransaction(ctx context.Context, txID string) (*Order, error)
	// Update persists o only if the stored state still equals expected.
	// ErrConflict when another transition won the race.
	Update(ctx context.Context, o *Order, expected State) error
	// SetAmount reprices an order that has not yet bound a transaction.
	// ErrAmountLocked once a transaction id is bound.
	SetAmount(ctx context.Context, orderID string, amount int64) error
	// ClaimDelivery flips delivered false->true atomically. The boolean is
	// true only for the caller that performed the flip.
	ClaimDelivery(ctx context.Context, orderID string) (bool, error)
	// ReleaseDelivery re-arms delivery after a failed notification.
	ReleaseDelivery(ctx context.Context, orderID string) error
	// ListByCreateTime returns orders whose bound transaction's create time
	// falls in [from, to] ms. Orders still in StateNew are excluded.
	ListByCreateTime(ctx context.Context, from, to int64) ([]*Order, error)
}

// newOrderID generates numeric order ids so they survive the gateways'
// transaction_param round-trip unchanged.
var newOrderID = func() func() string {
	gen, err := gonanoid.CustomASCII("0123456789", 14)
	if err != nil {
		panic("nanoid init failed: " + err.Error())
	}
	return gen
}()

// New returns an unsaved order in StateNew.
func New(amount int64, recipient, deliveryPayload string) *Order {
	now := time.Now()
	return &Order{
		OrderID:         newOrderID(),
		Amount:          amount,
		Recipient:       recipient,
		DeliveryPayload: deliveryPayload,
		State:           StateNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

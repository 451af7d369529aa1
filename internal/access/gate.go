// Package access grants the purchased channel access exactly once per order.
//
// Delivery is guarded by a claim flag on the order: the first caller to flip
// it wins, every later caller sees a no-op. If issuing or notifying fails the
// claim is released, so the next provider retry of the Perform event gets
// another attempt. No background retry loop exists; retries piggyback on the
// provider's own callback retries.
package access

import (
	"context"
	"fmt"

	"github.com/kanalpay/kanalpay/internal/logging"
	"github.com/kanalpay/kanalpay/internal/metrics"
	"github.com/kanalpay/kanalpay/internal/order"
	"github.com/kanalpay/kanalpay/internal/traces"
)

// Credential is a one-time grant handed to the paying user.
type Credential struct {
	// InviteLink is a single-use URL joining the private channel.
	InviteLink string
	// ExpiresAt is the link's expiry, unix seconds.
	ExpiresAt int64
}

// CredentialIssuer mints a fresh one-time credential for an order.
type CredentialIssuer interface {
	Issue(ctx context.Context, o *order.Order) (*Credential, error)
}

// Notifier hands the credential to the order's recipient.
type Notifier interface {
	Notify(ctx context.Context, o *order.Order, cred *Credential) error
}

// Gate is the delivery gate. The zero value is not usable; use NewGate.
type Gate struct {
	store    order.Store
	issuer   CredentialIssuer
	notifier Notifier
}

func NewGate(store order.Store, issuer CredentialIssuer, notifier Notifier) *Gate {
	return &Gate{store: store, issuer: issuer, notifier: notifier}
}

// Deliver grants access for a performed order. Safe to call any number of
// times; only the caller that wins the claim actually issues and notifies.
func (g *Gate) Deliver(ctx context.Context, o *order.Order) (err error) {
	ctx, span := traces.StartSpan(ctx, "access.Deliver", traces.OrderID(o.OrderID))
	defer span.End()
	defer func() { metrics.ObserveDelivery(err) }()

	claimed, err := g.store.ClaimDelivery(ctx, o.OrderID)
	if err != nil {
		return fmt.Errorf("claim delivery for order %s: %w", o.OrderID, err)
	}
	if !claimed {
		// Already delivered (or in flight); nothing to do.
		return nil
	}

	// From here on a failure must release the claim or the order's access
	// is lost forever.
	defer func() {
		if err != nil {
			if rerr := g.store.ReleaseDelivery(ctx, o.OrderID); rerr != nil {
				logging.L(ctx).Error("release delivery claim failed",
					"order_id", o.OrderID, "error", rerr)
			}
		}
	}()

	cred, err := g.issuer.Issue(ctx, o)
	if err != nil {
		return fmt.Errorf("issue credential for order %s: %w", o.OrderID, err)
	}

	if err := g.notifier.Notify(ctx, o, cred); err != nil {
		return fmt.Errorf("notify recipient for order %s: %w", o.OrderID, err)
	}

	logging.L(ctx).Info("access delivered",
		"order_id", o.OrderID, "recipient", o.Recipient)
	return nil
}

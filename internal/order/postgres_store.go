package order

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
//
// The state compare-and-swap is a conditional UPDATE; a zero row count with
// the row still present means another transition won, which is ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, amount, recipient, delivery_payload, state,
			provider, transaction_id, create_time, perform_time, cancel_time,
			cancel_reason, delivered, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11, $12, NOW(), NOW())
	`, o.OrderID, o.Amount, o.Recipient, o.DeliveryPayload, int(o.State),
		string(o.Provider), o.TransactionID, o.CreateTime, o.PerformTime,
		o.CancelTime, o.CancelReason, o.Delivered)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const orderColumns = `order_id, amount, recipient, delivery_payload, state,
	COALESCE(provider, ''), COALESCE(transaction_id, ''), create_time,
	perform_time, cancel_time, cancel_reason, delivered, created_at, updated_at`

func (p *PostgresStore) scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	o := &Order{}
	var state int
	var provider string
	if err := row.Scan(&o.OrderID, &o.Amount, &o.Recipient, &o.DeliveryPayload,
		&state, &provider, &o.TransactionID, &o.CreateTime, &o.PerformTime,
		&o.CancelTime, &o.CancelReason, &o.Delivered, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.State = State(state)
	o.Provider = Provider(provider)
	return o, nil
}

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	o, err := p.scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, txID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE transaction_id = $1`, txID)
	o, err := p.scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order by transaction: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) Update(ctx context.Context, o *Order, expected State) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			state          = $3,
			provider       = NULLIF($4, ''),
			transaction_id = NULLIF($5, ''),
			create_time    = $6,
			perform_time   = $7,
			cancel_time    = $8,
			cancel_reason  = $9,
			updated_at     = NOW()
		WHERE order_id = $1 AND state = $2
	`, o.OrderID, int(expected), int(o.State), string(o.Provider),
		o.TransactionID, o.CreateTime, o.PerformTime, o.CancelTime, o.CancelReason)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Distinguish a lost race from a missing row.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE order_id = $1)`, o.OrderID).Scan(&exists); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) SetAmount(ctx context.Context, orderID string, amount int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET amount = $2, updated_at = NOW()
		WHERE order_id = $1 AND transaction_id IS NULL
	`, orderID, amount)
	if err != nil {
		return fmt.Errorf("set amount: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
			return fmt.Errorf("set amount: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAmountLocked
	}
	return nil
}

func (p *PostgresStore) ClaimDelivery(ctx context.Context, orderID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET delivered = TRUE, updated_at = NOW()
		WHERE order_id = $1 AND delivered = FALSE
	`, orderID)
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (p *PostgresStore) ReleaseDelivery(ctx context.Context, orderID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE orders SET delivered = FALSE, updated_at = NOW()
		WHERE order_id = $1
	`, orderID)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByCreateTime(ctx context.Context, from, to int64) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE transaction_id IS NOT NULL
		  AND state <> 0
		  AND create_time BETWEEN $1 AND $2
		ORDER BY create_time
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var result []*Order
	for rows.Next() {
		o, err := p.scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

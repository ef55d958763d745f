package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func insertOrder(ctx context.Context, tx pgx.Tx, in NewOrder) (Order, error) {
	var o Order
	err := tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, symbol_id, side, price, amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		in.UserID, in.SymbolID, in.Side, in.Price.String(), in.Amount.String(), OrderStatusOpen,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("insert order: %w", mapError(err))
	}
	o.UserID = in.UserID
	o.SymbolID = in.SymbolID
	o.Side = in.Side
	o.Price = in.Price
	o.Amount = in.Amount
	o.Status = OrderStatusOpen
	return o, nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, orderID int64) (Order, error) {
	var (
		o                   Order
		priceStr, amountStr string
	)
	err := tx.QueryRow(ctx,
		`SELECT id, user_id, symbol_id, side, price::text, amount::text, status, created_at, updated_at
		 FROM orders
		 WHERE id = $1
		 FOR UPDATE`,
		orderID,
	).Scan(&o.ID, &o.UserID, &o.SymbolID, &o.Side, &priceStr, &amountStr, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("lock order %d: %w", orderID, mapError(err))
	}
	if o.Price, err = decimal.NewFromString(priceStr); err != nil {
		return Order{}, fmt.Errorf("parse price: %w", err)
	}
	if o.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Order{}, fmt.Errorf("parse amount: %w", err)
	}
	return o, nil
}

func markFilled(ctx context.Context, tx pgx.Tx, orderID int64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
		orderID, OrderStatusFilled, OrderStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("mark order %d filled: %w", orderID, mapError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("mark order %d filled: %w", orderID, ErrInvalidState)
	}
	return nil
}

// CancelOrder cancels an open order and returns its reservation to the
// owner. Cancelling an order that is already filled or cancelled returns
// ErrInvalidState without touching any balance.
func (s *Store) CancelOrder(ctx context.Context, orderID int64) (Order, error) {
	var cancelled Order
	err := pgx.BeginTxFunc(ctx, s.pool, txOptions, func(tx pgx.Tx) error {
		o, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status != OrderStatusOpen {
			return fmt.Errorf("cancel order %d: %w", orderID, ErrInvalidState)
		}

		switch o.Side {
		case SideBuy:
			u, err := lockUser(ctx, tx, o.UserID)
			if err != nil {
				return err
			}
			if err := releaseCash(ctx, tx, u, mul18(o.Price, o.Amount)); err != nil {
				return err
			}
		case SideSell:
			a, err := lockAsset(ctx, tx, o.UserID, o.SymbolID)
			if err != nil {
				return err
			}
			if err := releaseAsset(ctx, tx, a, o.Amount); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
			orderID, OrderStatusCancelled,
		); err != nil {
			return fmt.Errorf("cancel order %d: %w", orderID, mapError(err))
		}
		o.Status = OrderStatusCancelled
		cancelled = o
		return nil
	})
	if err != nil {
		return Order{}, mapError(err)
	}
	return cancelled, nil
}

// ListOrdersForSymbol returns the user's orders in one symbol, highest
// price first, oldest first within a price level. Filled sell orders carry
// the executed price and commission from their trade.
func (s *Store) ListOrdersForSymbol(ctx context.Context, userID, symbolID int64) ([]OrderView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT o.id, o.side, o.price::text, o.amount::text, o.status, o.created_at,
		        t.price::text, t.commission::text
		 FROM orders o
		 LEFT JOIN trades t ON t.sell_order_id = o.id
		 WHERE o.user_id = $1 AND o.symbol_id = $2
		 ORDER BY o.price DESC, o.created_at ASC`,
		userID, symbolID,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", mapError(err))
	}
	defer rows.Close()

	var views []OrderView
	for rows.Next() {
		var (
			v                   OrderView
			priceStr, amountStr string
			execStr, commStr    *string
		)
		if err := rows.Scan(&v.ID, &v.Side, &priceStr, &amountStr, &v.Status, &v.CreatedAt, &execStr, &commStr); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if v.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if v.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if execStr != nil && v.Status == OrderStatusFilled {
			exec, err := decimal.NewFromString(*execStr)
			if err != nil {
				return nil, fmt.Errorf("parse executed price: %w", err)
			}
			v.ExecutedPrice = &exec
		}
		if commStr != nil && v.Status == OrderStatusFilled {
			comm, err := decimal.NewFromString(*commStr)
			if err != nil {
				return nil, fmt.Errorf("parse commission: %w", err)
			}
			v.Commission = &comm
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

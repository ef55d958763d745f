package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PlaceOrder reserves the order's funds and records it as open, in one
// serializable transaction. A buy order reserves price*amount cash at the
// buyer's limit price; a sell order reserves the asset amount. When the
// reservation fails nothing is written.
func (s *Store) PlaceOrder(ctx context.Context, in NewOrder) (Order, error) {
	var placed Order
	err := pgx.BeginTxFunc(ctx, s.pool, txOptions, func(tx pgx.Tx) error {
		switch in.Side {
		case SideBuy:
			u, err := lockUser(ctx, tx, in.UserID)
			if err != nil {
				return err
			}
			if err := reserveCash(ctx, tx, u, mul18(in.Price, in.Amount)); err != nil {
				return err
			}
		case SideSell:
			a, err := lockAsset(ctx, tx, in.UserID, in.SymbolID)
			if err != nil {
				return err
			}
			if err := reserveAsset(ctx, tx, a, in.Amount); err != nil {
				return err
			}
		default:
			return fmt.Errorf("place order: side %d: %w", in.Side, ErrInvalidState)
		}

		o, err := insertOrder(ctx, tx, in)
		if err != nil {
			return err
		}
		placed = o
		return nil
	})
	if err != nil {
		return Order{}, mapError(err)
	}
	return placed, nil
}

// findCounterOrder picks the best matchable counterparty for the taker:
// opposite side, same symbol, still open, exactly the same amount, a
// different user, and a price that crosses the taker's limit. Best price
// wins; within a price level the oldest order wins, with the id as the
// final tie-break. The row is locked so no concurrent match can take it.
func findCounterOrder(ctx context.Context, tx pgx.Tx, taker Order) (Order, bool, error) {
	priceCond := `price <= $4`
	priceOrder := `price ASC`
	if taker.Side == SideSell {
		priceCond = `price >= $4`
		priceOrder = `price DESC`
	}

	query := fmt.Sprintf(
		`SELECT id, user_id, symbol_id, side, price::text, amount::text, status, created_at, updated_at
		 FROM orders
		 WHERE symbol_id = $1
		   AND side = $2
		   AND status = %d
		   AND amount = $3::numeric
		   AND user_id <> $5
		   AND %s
		 ORDER BY %s, created_at ASC, id ASC
		 LIMIT 1
		 FOR UPDATE`,
		OrderStatusOpen, priceCond, priceOrder,
	)

	var (
		o                   Order
		priceStr, amountStr string
	)
	err := tx.QueryRow(ctx, query,
		taker.SymbolID, taker.Side.Opposite(), taker.Amount.String(), taker.Price.String(), taker.UserID,
	).Scan(&o.ID, &o.UserID, &o.SymbolID, &o.Side, &priceStr, &amountStr, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, false, nil
		}
		return Order{}, false, fmt.Errorf("find counter order: %w", mapError(err))
	}
	if o.Price, err = decimal.NewFromString(priceStr); err != nil {
		return Order{}, false, fmt.Errorf("parse counter price: %w", err)
	}
	if o.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return Order{}, false, fmt.Errorf("parse counter amount: %w", err)
	}
	return o, true, nil
}

// settlementPlan is the pure arithmetic of one trade. All values are at
// scale 18.
type settlementPlan struct {
	ExecPrice      decimal.Decimal
	TradeValue     decimal.Decimal
	Commission     decimal.Decimal
	SellerProceeds decimal.Decimal
	BuyerLocked    decimal.Decimal
	BuyerRefund    decimal.Decimal
}

// buildSettlementPlan prices the trade at the maker's limit. The seller
// pays the commission out of the trade value; the buyer pays exactly the
// trade value and gets back any surplus of their own limit-price
// reservation over it.
func buildSettlementPlan(buy, sell Order, maker Order, commissionRate decimal.Decimal) settlementPlan {
	p := settlementPlan{ExecPrice: maker.Price}
	p.TradeValue = mul18(p.ExecPrice, buy.Amount)
	p.Commission = mul18(p.TradeValue, commissionRate)
	p.SellerProceeds = p.TradeValue.Sub(p.Commission)
	p.BuyerLocked = mul18(buy.Price, buy.Amount)
	if p.BuyerLocked.GreaterThan(p.TradeValue) {
		p.BuyerRefund = p.BuyerLocked.Sub(p.TradeValue)
	} else {
		p.BuyerRefund = decimal.Zero
	}
	return p
}

// MatchOpenOrder attempts to settle the order against the best open
// counterparty. It returns nil with no error when the order is no longer
// open (already matched, or cancelled) or when no counterparty crosses it;
// both are normal outcomes, not failures.
func (s *Store) MatchOpenOrder(ctx context.Context, orderID int64) (*MatchResult, error) {
	var result *MatchResult
	err := pgx.BeginTxFunc(ctx, s.pool, txOptions, func(tx pgx.Tx) error {
		taker, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if taker.Status != OrderStatusOpen {
			return nil
		}

		counter, found, err := findCounterOrder(ctx, tx, taker)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		r, err := s.executeTrade(ctx, tx, taker, counter)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

// executeTrade settles one taker/maker pair inside the caller's
// transaction. Both order rows are already locked; user rows are locked
// here in ascending id order.
func (s *Store) executeTrade(ctx context.Context, tx pgx.Tx, taker, maker Order) (*MatchResult, error) {
	buy, sell := taker, maker
	if taker.Side == SideSell {
		buy, sell = maker, taker
	}

	plan := buildSettlementPlan(buy, sell, maker, s.commissionRate)

	users, err := lockUsers(ctx, tx, sortedPair(buy.UserID, sell.UserID))
	if err != nil {
		return nil, err
	}
	buyer, seller := users[buy.UserID], users[sell.UserID]

	sellerAsset, err := lockAsset(ctx, tx, sell.UserID, sell.SymbolID)
	if err != nil {
		return nil, err
	}

	if err := settleCash(ctx, tx, buyer, seller, plan.BuyerLocked, plan.TradeValue, plan.SellerProceeds); err != nil {
		return nil, err
	}
	if err := settleAsset(ctx, tx, sellerAsset, buy.UserID, buy.SymbolID, buy.Amount); err != nil {
		return nil, err
	}

	trade := Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		SymbolID:    buy.SymbolID,
		Price:       plan.ExecPrice,
		Amount:      buy.Amount,
		Commission:  plan.Commission,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id, symbol_id, price, amount, commission)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		trade.BuyOrderID, trade.SellOrderID, trade.BuyerID, trade.SellerID, trade.SymbolID,
		trade.Price.String(), trade.Amount.String(), trade.Commission.String(),
	).Scan(&trade.ID, &trade.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert trade: %w", mapError(err))
	}

	if err := markFilled(ctx, tx, buy.ID); err != nil {
		return nil, err
	}
	if err := markFilled(ctx, tx, sell.ID); err != nil {
		return nil, err
	}
	buy.Status = OrderStatusFilled
	sell.Status = OrderStatusFilled

	return &MatchResult{Trade: trade, BuyOrder: buy, SellOrder: sell}, nil
}

func sortedPair(a, b int64) []int64 {
	if a < b {
		return []int64{a, b}
	}
	return []int64{b, a}
}

package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// The ledger helpers in this file operate inside a caller-owned transaction
// on rows the caller has already locked. Locks are always acquired in
// ascending id order so concurrent settlements touching the same users
// cannot deadlock.

type lockedUser struct {
	ID            int64
	Balance       decimal.Decimal
	LockedBalance decimal.Decimal
}

type lockedAsset struct {
	ID           int64
	UserID       int64
	Amount       decimal.Decimal
	LockedAmount decimal.Decimal
}

// lockUsers locks the given user rows FOR UPDATE in ascending id order and
// returns them keyed by id.
func lockUsers(ctx context.Context, tx pgx.Tx, userIDs []int64) (map[int64]*lockedUser, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, balance::text, locked_balance::text
		 FROM users
		 WHERE id = ANY($1)
		 ORDER BY id
		 FOR UPDATE`,
		userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("lock users: %w", mapError(err))
	}
	defer rows.Close()

	users := make(map[int64]*lockedUser, len(userIDs))
	for rows.Next() {
		var (
			u                     lockedUser
			balanceStr, lockedStr string
		)
		if err := rows.Scan(&u.ID, &balanceStr, &lockedStr); err != nil {
			return nil, fmt.Errorf("scan locked user: %w", err)
		}
		if u.Balance, err = decimal.NewFromString(balanceStr); err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		if u.LockedBalance, err = decimal.NewFromString(lockedStr); err != nil {
			return nil, fmt.Errorf("parse locked balance: %w", err)
		}
		users[u.ID] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock users: %w", mapError(err))
	}
	for _, id := range userIDs {
		if _, ok := users[id]; !ok {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
	}
	return users, nil
}

func lockUser(ctx context.Context, tx pgx.Tx, userID int64) (*lockedUser, error) {
	users, err := lockUsers(ctx, tx, []int64{userID})
	if err != nil {
		return nil, err
	}
	return users[userID], nil
}

// lockAsset locks the user's position in a symbol FOR UPDATE, creating a
// zero row first if the user has never held the symbol.
func lockAsset(ctx context.Context, tx pgx.Tx, userID, symbolID int64) (*lockedAsset, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO assets (user_id, symbol_id, amount, locked_amount)
		 VALUES ($1, $2, 0, 0)
		 ON CONFLICT (user_id, symbol_id) DO NOTHING`,
		userID, symbolID,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure asset row: %w", mapError(err))
	}

	var (
		a                  lockedAsset
		amountStr, lockStr string
	)
	err = tx.QueryRow(ctx,
		`SELECT id, user_id, amount::text, locked_amount::text
		 FROM assets
		 WHERE user_id = $1 AND symbol_id = $2
		 FOR UPDATE`,
		userID, symbolID,
	).Scan(&a.ID, &a.UserID, &amountStr, &lockStr)
	if err != nil {
		return nil, fmt.Errorf("lock asset: %w", mapError(err))
	}
	if a.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse asset amount: %w", err)
	}
	if a.LockedAmount, err = decimal.NewFromString(lockStr); err != nil {
		return nil, fmt.Errorf("parse asset locked amount: %w", err)
	}
	return &a, nil
}

func writeUser(ctx context.Context, tx pgx.Tx, u *lockedUser) error {
	_, err := tx.Exec(ctx,
		`UPDATE users SET balance = $2, locked_balance = $3, updated_at = now() WHERE id = $1`,
		u.ID, u.Balance.String(), u.LockedBalance.String(),
	)
	if err != nil {
		return fmt.Errorf("update user %d balances: %w", u.ID, mapError(err))
	}
	return nil
}

func writeAsset(ctx context.Context, tx pgx.Tx, a *lockedAsset) error {
	_, err := tx.Exec(ctx,
		`UPDATE assets SET amount = $2, locked_amount = $3, updated_at = now() WHERE id = $1`,
		a.ID, a.Amount.String(), a.LockedAmount.String(),
	)
	if err != nil {
		return fmt.Errorf("update asset %d: %w", a.ID, mapError(err))
	}
	return nil
}

// reserveCash moves amount from the user's available balance into the
// locked balance. Fails with ErrInsufficientFunds when the available
// balance does not cover it.
func reserveCash(ctx context.Context, tx pgx.Tx, u *lockedUser, amount decimal.Decimal) error {
	if u.Balance.LessThan(amount) {
		return fmt.Errorf("reserve %s for user %d: %w", amount, u.ID, ErrInsufficientFunds)
	}
	u.Balance = u.Balance.Sub(amount)
	u.LockedBalance = u.LockedBalance.Add(amount)
	return writeUser(ctx, tx, u)
}

func reserveAsset(ctx context.Context, tx pgx.Tx, a *lockedAsset, amount decimal.Decimal) error {
	if a.Amount.LessThan(amount) {
		return fmt.Errorf("reserve %s of asset for user %d: %w", amount, a.UserID, ErrInsufficientFunds)
	}
	a.Amount = a.Amount.Sub(amount)
	a.LockedAmount = a.LockedAmount.Add(amount)
	return writeAsset(ctx, tx, a)
}

// releaseCash moves amount from locked back to available. A release that
// would drive the locked balance negative means the ledger is corrupt, not
// that the caller made a recoverable mistake.
func releaseCash(ctx context.Context, tx pgx.Tx, u *lockedUser, amount decimal.Decimal) error {
	if u.LockedBalance.LessThan(amount) {
		return fmt.Errorf("release %s for user %d exceeds locked balance %s", amount, u.ID, u.LockedBalance)
	}
	u.LockedBalance = u.LockedBalance.Sub(amount)
	u.Balance = u.Balance.Add(amount)
	return writeUser(ctx, tx, u)
}

func releaseAsset(ctx context.Context, tx pgx.Tx, a *lockedAsset, amount decimal.Decimal) error {
	if a.LockedAmount.LessThan(amount) {
		return fmt.Errorf("release %s of asset for user %d exceeds locked amount %s", amount, a.UserID, a.LockedAmount)
	}
	a.LockedAmount = a.LockedAmount.Sub(amount)
	a.Amount = a.Amount.Add(amount)
	return writeAsset(ctx, tx, a)
}

// settleCash consumes the buyer's cash reservation and pays the seller.
// lockedAmount is what the buyer reserved at their own limit price;
// tradeValue is what the trade actually costs at the execution price. The
// difference, if any, goes back to the buyer's available balance.
// sellerProceeds is the trade value net of commission.
func settleCash(ctx context.Context, tx pgx.Tx, buyer, seller *lockedUser, lockedAmount, tradeValue, sellerProceeds decimal.Decimal) error {
	if buyer.LockedBalance.LessThan(lockedAmount) {
		return fmt.Errorf("settle: buyer %d locked balance %s below reservation %s", buyer.ID, buyer.LockedBalance, lockedAmount)
	}
	buyer.LockedBalance = buyer.LockedBalance.Sub(lockedAmount)
	if refund := lockedAmount.Sub(tradeValue); refund.IsPositive() {
		buyer.Balance = buyer.Balance.Add(refund)
	}
	if err := writeUser(ctx, tx, buyer); err != nil {
		return err
	}

	seller.Balance = seller.Balance.Add(sellerProceeds)
	return writeUser(ctx, tx, seller)
}

// settleAsset consumes the seller's asset reservation and credits the
// buyer's position.
func settleAsset(ctx context.Context, tx pgx.Tx, sellerAsset *lockedAsset, buyerID, symbolID int64, amount decimal.Decimal) error {
	if sellerAsset.LockedAmount.LessThan(amount) {
		return fmt.Errorf("settle: seller %d locked asset %s below trade amount %s", sellerAsset.UserID, sellerAsset.LockedAmount, amount)
	}
	sellerAsset.LockedAmount = sellerAsset.LockedAmount.Sub(amount)
	if err := writeAsset(ctx, tx, sellerAsset); err != nil {
		return err
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO assets (user_id, symbol_id, amount, locked_amount)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (user_id, symbol_id)
		 DO UPDATE SET amount = assets.amount + EXCLUDED.amount, updated_at = now()`,
		buyerID, symbolID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("credit buyer %d asset: %w", buyerID, mapError(err))
	}
	return nil
}

package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side int16

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStatus int16

const (
	OrderStatusOpen      OrderStatus = 1
	OrderStatusFilled    OrderStatus = 2
	OrderStatusCancelled OrderStatus = 3
)

type User struct {
	ID            int64
	Email         string
	PasswordHash  string
	Balance       decimal.Decimal
	LockedBalance decimal.Decimal
	UpdatedAt     time.Time
}

// Asset is a user's position in one symbol. Rows are created lazily on the
// first acquisition of the symbol.
type Asset struct {
	ID           int64
	UserID       int64
	SymbolID     int64
	Amount       decimal.Decimal
	LockedAmount decimal.Decimal
	UpdatedAt    time.Time
}

type Symbol struct {
	ID   int64
	Name string
}

type Order struct {
	ID        int64
	UserID    int64
	SymbolID  int64
	Side      Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trade is the immutable settlement record. Created exactly once per match,
// never updated.
type Trade struct {
	ID          int64
	BuyOrderID  int64
	SellOrderID int64
	BuyerID     int64
	SellerID    int64
	SymbolID    int64
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Commission  decimal.Decimal
	CreatedAt   time.Time
}

type NewOrder struct {
	UserID   int64
	SymbolID int64
	Side     Side
	Price    decimal.Decimal
	Amount   decimal.Decimal
}

// MatchResult carries everything the notifier needs after a settlement
// transaction commits.
type MatchResult struct {
	Trade     Trade
	BuyOrder  Order
	SellOrder Order
}

// OrderView is the read-model row for listing a user's orders: the order's
// own limit price plus, for a filled sell order, the price it actually
// executed at and the commission charged.
type OrderView struct {
	ID            int64
	Side          Side
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Status        OrderStatus
	ExecutedPrice *decimal.Decimal
	Commission    *decimal.Decimal
	CreatedAt     time.Time
}

type AssetBalance struct {
	Symbol       string
	Amount       decimal.Decimal
	LockedAmount decimal.Decimal
}

type Profile struct {
	Balance       decimal.Decimal
	LockedBalance decimal.Decimal
	Assets        []AssetBalance
}

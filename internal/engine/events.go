package engine

import (
	"github.com/nizigama/trading-platform-be/libs/kafka"
)

const (
	orderMatchEventType   = "orders.match"
	orderMatchedEventType = "orders.matched"
)

// MatchOrderTask asks the match worker to retry matching an order whose
// synchronous attempt hit a concurrency conflict.
type MatchOrderTask struct {
	kafka.Envelope
	OrderID int64 `json:"order_id"`
}

// OrderMatchedOrder is the participant's own order as carried in the
// notification.
type OrderMatchedOrder struct {
	ID     int64  `json:"id"`
	Side   int16  `json:"side"`
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Status int16  `json:"status"`
}

// OrderMatchedTrade describes the executed trade. Both participants get
// the same trade payload, commission included, even though only the
// seller's proceeds are reduced by it.
type OrderMatchedTrade struct {
	ID         int64  `json:"id"`
	Price      string `json:"price"`
	Amount     string `json:"amount"`
	Commission string `json:"commission"`
	CreatedAt  string `json:"created_at"`
}

// OrderMatchedEvent is published once per trade participant, keyed by the
// participant's user id.
type OrderMatchedEvent struct {
	kafka.Envelope
	UserID int64             `json:"user_id"`
	Order  OrderMatchedOrder `json:"order"`
	Trade  OrderMatchedTrade `json:"trade"`
}

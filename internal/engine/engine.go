package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nizigama/trading-platform-be/internal/storage"
	"github.com/nizigama/trading-platform-be/libs/kafka"
)

// Store is the slice of the storage layer the engine drives.
type Store interface {
	PlaceOrder(ctx context.Context, in storage.NewOrder) (storage.Order, error)
	MatchOpenOrder(ctx context.Context, orderID int64) (*storage.MatchResult, error)
	CancelOrder(ctx context.Context, orderID int64) (storage.Order, error)
	GetOrder(ctx context.Context, orderID int64) (storage.Order, error)
}

type Topics struct {
	OrdersMatch   string
	OrdersMatched string
}

// Engine ties order placement, matching and post-commit notification
// together. Matching runs synchronously on submit; a concurrency conflict
// defers the attempt to the match queue instead of failing the order.
type Engine struct {
	store    Store
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	topics   Topics
}

func New(store Store, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		topics:   topics,
	}
}

// SubmitOrder places the order and immediately tries to match it. The
// returned MatchResult is nil when the order rests on the book. The
// correlation id, usually the HTTP request id, is carried on every event
// published for this submission.
func (e *Engine) SubmitOrder(ctx context.Context, in storage.NewOrder, correlationID string) (storage.Order, *storage.MatchResult, error) {
	order, err := e.store.PlaceOrder(ctx, in)
	if err != nil {
		return storage.Order{}, nil, err
	}
	e.metrics.IncOrderPlaced(sideLabel(order.Side))
	e.logger.Info("order placed",
		"order_id", order.ID,
		"user_id", order.UserID,
		"symbol_id", order.SymbolID,
		"side", int16(order.Side),
		"price", order.Price.String(),
		"amount", order.Amount.String(),
	)

	result, err := e.MatchOrder(ctx, order.ID, correlationID)
	if err != nil {
		if errors.Is(err, storage.ErrConcurrencyConflict) {
			// The order itself is committed. Hand the match attempt to the
			// queue worker rather than surfacing a transient failure.
			if pubErr := e.publishMatchTask(ctx, order.ID, correlationID); pubErr != nil {
				return order, nil, fmt.Errorf("defer match for order %d: %w", order.ID, pubErr)
			}
			e.metrics.IncMatchDeferred()
			e.logger.Warn("match deferred after conflict", "order_id", order.ID)
			return order, nil, nil
		}
		return order, nil, err
	}
	return order, result, nil
}

// MatchOrder runs one match attempt for the order and, when a trade
// settles, notifies both participants. Safe to call for orders in any
// state: non-open orders are a no-op.
func (e *Engine) MatchOrder(ctx context.Context, orderID int64, correlationID string) (*storage.MatchResult, error) {
	start := time.Now()
	result, err := e.store.MatchOpenOrder(ctx, orderID)
	if err != nil {
		e.metrics.ObserveMatch("error", time.Since(start))
		return nil, err
	}
	if result == nil {
		e.metrics.ObserveMatch("no_match", time.Since(start))
		return nil, nil
	}
	e.metrics.ObserveMatch("trade", time.Since(start))
	e.metrics.IncTrade()
	e.logger.Info("trade settled",
		"trade_id", result.Trade.ID,
		"buy_order_id", result.BuyOrder.ID,
		"sell_order_id", result.SellOrder.ID,
		"price", result.Trade.Price.String(),
		"amount", result.Trade.Amount.String(),
		"commission", result.Trade.Commission.String(),
	)

	// The settlement is already committed. Notification failures are
	// logged and counted but never unwind the trade.
	if err := e.notifyParticipants(ctx, result, correlationID); err != nil {
		e.metrics.IncNotifyFailure()
		e.logger.Error("publish trade notifications", "trade_id", result.Trade.ID, "error", err)
	}
	return result, nil
}

// Cancel cancels the user's open order. Orders belonging to other users
// are reported as not found rather than forbidden.
func (e *Engine) Cancel(ctx context.Context, userID, orderID int64) (storage.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return storage.Order{}, err
	}
	if order.UserID != userID {
		return storage.Order{}, fmt.Errorf("order %d: %w", orderID, storage.ErrNotFound)
	}

	cancelled, err := e.store.CancelOrder(ctx, orderID)
	if err != nil {
		e.metrics.IncOrderCancelled("rejected")
		return storage.Order{}, err
	}
	e.metrics.IncOrderCancelled("cancelled")
	e.logger.Info("order cancelled", "order_id", orderID, "user_id", userID)
	return cancelled, nil
}

func (e *Engine) publishMatchTask(ctx context.Context, orderID int64, correlationID string) error {
	if e.producer == nil {
		return fmt.Errorf("kafka producer not configured")
	}
	env, err := kafka.NewEnvelope(orderMatchEventType, 1, correlationID)
	if err != nil {
		return err
	}
	task := MatchOrderTask{Envelope: env, OrderID: orderID}
	key := strconv.FormatInt(orderID, 10)
	_, _, err = e.producer.PublishJSON(ctx, e.topics.OrdersMatch, key, task)
	return err
}

// notifyParticipants publishes one orders.matched event per side, keyed by
// the participant's user id. Event ids are deterministic per (trade, user)
// so redelivered match tasks cannot produce distinct duplicates.
func (e *Engine) notifyParticipants(ctx context.Context, result *storage.MatchResult, correlationID string) error {
	if e.producer == nil {
		return fmt.Errorf("kafka producer not configured")
	}

	trade := result.Trade
	createdAt := trade.CreatedAt.UTC().Format(time.RFC3339)

	participants := []struct {
		userID int64
		order  storage.Order
	}{
		{trade.BuyerID, result.BuyOrder},
		{trade.SellerID, result.SellOrder},
	}

	for _, p := range participants {
		eventID := kafka.DeterministicEventID(orderMatchedEventType,
			strconv.FormatInt(trade.ID, 10), strconv.FormatInt(p.userID, 10))
		env, err := kafka.NewEnvelopeWithID(eventID, orderMatchedEventType, 1, correlationID)
		if err != nil {
			return err
		}
		event := OrderMatchedEvent{
			Envelope: env,
			UserID:   p.userID,
			Order: OrderMatchedOrder{
				ID:     p.order.ID,
				Side:   int16(p.order.Side),
				Price:  p.order.Price.String(),
				Amount: p.order.Amount.String(),
				Status: int16(p.order.Status),
			},
			Trade: OrderMatchedTrade{
				ID:         trade.ID,
				Price:      trade.Price.String(),
				Amount:     trade.Amount.String(),
				Commission: trade.Commission.String(),
				CreatedAt:  createdAt,
			},
		}
		key := strconv.FormatInt(p.userID, 10)
		if _, _, err := e.producer.PublishJSON(ctx, e.topics.OrdersMatched, key, event); err != nil {
			return fmt.Errorf("publish %s for user %d: %w", orderMatchedEventType, p.userID, err)
		}
	}
	return nil
}

func sideLabel(s storage.Side) string {
	if s == storage.SideBuy {
		return "buy"
	}
	return "sell"
}

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"

	"github.com/nizigama/trading-platform-be/internal/engine"
	"github.com/nizigama/trading-platform-be/internal/storage"
)

const matchTaskEventType = "orders.match"

// Matcher runs one match attempt for an order.
type Matcher interface {
	MatchOrder(ctx context.Context, orderID int64, correlationID string) (*storage.MatchResult, error)
}

// MatchConsumer drains deferred match tasks. The underlying match is a
// no-op for orders that are no longer open, so redelivered tasks are
// harmless.
type MatchConsumer struct {
	matcher Matcher
	logger  *slog.Logger
}

func NewMatchConsumer(matcher Matcher, logger *slog.Logger) *MatchConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchConsumer{matcher: matcher, logger: logger}
}

func (c *MatchConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return fmt.Errorf("empty kafka message")
	}
	var task engine.MatchOrderTask
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		return fmt.Errorf("decode %s: %w", matchTaskEventType, err)
	}
	if err := task.Envelope.Validate(); err != nil {
		return err
	}
	if task.EventType != matchTaskEventType {
		return fmt.Errorf("unexpected event_type: %s", task.EventType)
	}
	if task.OrderID <= 0 {
		return fmt.Errorf("order_id must be positive")
	}

	correlationID := strings.TrimSpace(task.CorrelationID)
	if correlationID == "" {
		correlationID = task.EventID
	}

	result, err := c.matcher.MatchOrder(ctx, task.OrderID, correlationID)
	if err != nil {
		if errors.Is(err, storage.ErrConcurrencyConflict) {
			// Leave the offset unmarked so the task is redelivered.
			c.logger.Warn("deferred match conflicted, will retry", "order_id", task.OrderID, "event_id", task.EventID)
			return err
		}
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("deferred match for unknown order", "order_id", task.OrderID, "event_id", task.EventID)
			return nil
		}
		return fmt.Errorf("match order %d: %w", task.OrderID, err)
	}

	if result == nil {
		c.logger.Info("deferred match found no trade", "order_id", task.OrderID, "event_id", task.EventID)
		return nil
	}
	c.logger.Info("deferred match settled trade",
		"order_id", task.OrderID,
		"trade_id", result.Trade.ID,
		"event_id", task.EventID,
	)
	return nil
}

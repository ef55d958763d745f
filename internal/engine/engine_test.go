package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/nizigama/trading-platform-be/internal/storage"
)

type fakeStore struct {
	placeErr  error
	matchErr  error
	matchRes  *storage.MatchResult
	orders    map[int64]storage.Order
	cancelErr error
	nextID    int64

	matchCalls  []int64
	cancelCalls []int64
}

func (f *fakeStore) PlaceOrder(_ context.Context, in storage.NewOrder) (storage.Order, error) {
	if f.placeErr != nil {
		return storage.Order{}, f.placeErr
	}
	f.nextID++
	o := storage.Order{
		ID:       f.nextID,
		UserID:   in.UserID,
		SymbolID: in.SymbolID,
		Side:     in.Side,
		Price:    in.Price,
		Amount:   in.Amount,
		Status:   storage.OrderStatusOpen,
	}
	if f.orders == nil {
		f.orders = map[int64]storage.Order{}
	}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeStore) MatchOpenOrder(_ context.Context, orderID int64) (*storage.MatchResult, error) {
	f.matchCalls = append(f.matchCalls, orderID)
	if f.matchErr != nil {
		return nil, f.matchErr
	}
	return f.matchRes, nil
}

func (f *fakeStore) CancelOrder(_ context.Context, orderID int64) (storage.Order, error) {
	f.cancelCalls = append(f.cancelCalls, orderID)
	if f.cancelErr != nil {
		return storage.Order{}, f.cancelErr
	}
	o := f.orders[orderID]
	o.Status = storage.OrderStatusCancelled
	return o, nil
}

func (f *fakeStore) GetOrder(_ context.Context, orderID int64) (storage.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return storage.Order{}, storage.ErrNotFound
	}
	return o, nil
}

type publishedMessage struct {
	Topic string
	Key   string
	Value []byte
}

type recordProducer struct {
	published []publishedMessage
	err       error
}

func (p *recordProducer) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	if p.err != nil {
		return 0, 0, p.err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return 0, 0, err
	}
	p.published = append(p.published, publishedMessage{Topic: topic, Key: key, Value: data})
	return 0, int64(len(p.published)), nil
}

func (p *recordProducer) Close() error { return nil }

func testTopics() Topics {
	return Topics{OrdersMatch: "orders.match", OrdersMatched: "orders.matched"}
}

func testEngine(store *fakeStore, producer *recordProducer) *Engine {
	metrics := NewMetrics(prometheus.NewRegistry())
	return New(store, producer, nil, metrics, testTopics())
}

func mustFind(t *testing.T, msgs []publishedMessage, key string) publishedMessage {
	t.Helper()
	for _, msg := range msgs {
		if msg.Key == key {
			return msg
		}
	}
	t.Fatalf("no published message with key %q", key)
	return publishedMessage{}
}

func matchResultFixture() *storage.MatchResult {
	price := decimal.NewFromInt(100)
	amount := decimal.NewFromInt(2)
	return &storage.MatchResult{
		Trade: storage.Trade{
			ID: 55, BuyOrderID: 1, SellOrderID: 2,
			BuyerID: 10, SellerID: 20,
			Price: price, Amount: amount,
			Commission: decimal.NewFromInt(3),
		},
		BuyOrder: storage.Order{
			ID: 1, UserID: 10, Side: storage.SideBuy,
			Price: decimal.NewFromInt(105), Amount: amount, Status: storage.OrderStatusFilled,
		},
		SellOrder: storage.Order{
			ID: 2, UserID: 20, Side: storage.SideSell,
			Price: price, Amount: amount, Status: storage.OrderStatusFilled,
		},
	}
}

func TestSubmitOrderRestsWithoutMatch(t *testing.T) {
	store := &fakeStore{}
	producer := &recordProducer{}
	eng := testEngine(store, producer)

	order, result, err := eng.SubmitOrder(context.Background(), storage.NewOrder{
		UserID: 10, SymbolID: 1, Side: storage.SideBuy,
		Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1),
	}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no match, got %+v", result)
	}
	if order.Status != storage.OrderStatusOpen {
		t.Fatalf("order status = %d, want open", order.Status)
	}
	if len(store.matchCalls) != 1 || store.matchCalls[0] != order.ID {
		t.Fatalf("match calls = %v", store.matchCalls)
	}
	if len(producer.published) != 0 {
		t.Fatalf("unexpected publishes: %v", producer.published)
	}
}

func TestSubmitOrderNotifiesBothParticipants(t *testing.T) {
	store := &fakeStore{matchRes: matchResultFixture()}
	producer := &recordProducer{}
	eng := testEngine(store, producer)

	_, result, err := eng.SubmitOrder(context.Background(), storage.NewOrder{
		UserID: 10, SymbolID: 1, Side: storage.SideBuy,
		Price: decimal.NewFromInt(105), Amount: decimal.NewFromInt(2),
	}, "req-abc")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result == nil {
		t.Fatalf("expected match result")
	}

	if len(producer.published) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(producer.published))
	}
	byKey := map[string]OrderMatchedEvent{}
	for _, msg := range producer.published {
		if msg.Topic != "orders.matched" {
			t.Fatalf("unexpected topic %s", msg.Topic)
		}
		var event OrderMatchedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		byKey[msg.Key] = event
	}

	buyerEvent, ok := byKey["10"]
	if !ok {
		t.Fatalf("missing buyer event, keys: %v", byKey)
	}
	if buyerEvent.Trade.Commission != "3" {
		t.Fatalf("buyer commission = %q, want 3", buyerEvent.Trade.Commission)
	}
	if buyerEvent.Order.ID != 1 || buyerEvent.Trade.Price != "100" {
		t.Fatalf("buyer event = %+v", buyerEvent)
	}
	var buyerRaw struct {
		Trade map[string]json.RawMessage `json:"trade"`
	}
	if err := json.Unmarshal(mustFind(t, producer.published, "10").Value, &buyerRaw); err != nil {
		t.Fatalf("decode buyer payload: %v", err)
	}
	if _, ok := buyerRaw.Trade["commission"]; !ok {
		t.Fatalf("buyer trade payload missing commission key: %v", buyerRaw.Trade)
	}

	sellerEvent, ok := byKey["20"]
	if !ok {
		t.Fatalf("missing seller event")
	}
	if sellerEvent.Trade.Commission != "3" {
		t.Fatalf("seller commission = %q, want 3", sellerEvent.Trade.Commission)
	}
	if sellerEvent.EventID == buyerEvent.EventID {
		t.Fatalf("participant events must have distinct ids")
	}
	if buyerEvent.CorrelationID != "req-abc" || sellerEvent.CorrelationID != "req-abc" {
		t.Fatalf("events must carry the request correlation id: %q / %q",
			buyerEvent.CorrelationID, sellerEvent.CorrelationID)
	}
}

func TestNotificationEventIDsAreDeterministic(t *testing.T) {
	run := func() []string {
		store := &fakeStore{matchRes: matchResultFixture()}
		producer := &recordProducer{}
		eng := testEngine(store, producer)
		if _, err := eng.MatchOrder(context.Background(), 1, ""); err != nil {
			t.Fatalf("match: %v", err)
		}
		var ids []string
		for _, msg := range producer.published {
			var event OrderMatchedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				t.Fatalf("decode: %v", err)
			}
			ids = append(ids, event.EventID)
		}
		return ids
	}

	first, second := run(), run()
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 events per run: %v / %v", first, second)
	}
	if first[0] != second[0] || first[1] != second[1] {
		t.Fatalf("event ids differ across deliveries: %v vs %v", first, second)
	}
}

func TestSubmitOrderDefersMatchOnConflict(t *testing.T) {
	store := &fakeStore{matchErr: fmt.Errorf("serialize: %w", storage.ErrConcurrencyConflict)}
	producer := &recordProducer{}
	eng := testEngine(store, producer)

	order, result, err := eng.SubmitOrder(context.Background(), storage.NewOrder{
		UserID: 10, SymbolID: 1, Side: storage.SideSell,
		Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1),
	}, "req-defer")
	if err != nil {
		t.Fatalf("submit should not fail on conflict: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no immediate match")
	}

	if len(producer.published) != 1 {
		t.Fatalf("expected 1 deferred task, got %d", len(producer.published))
	}
	msg := producer.published[0]
	if msg.Topic != "orders.match" {
		t.Fatalf("task topic = %s", msg.Topic)
	}
	var task MatchOrderTask
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.OrderID != order.ID {
		t.Fatalf("task order id = %d, want %d", task.OrderID, order.ID)
	}
	if task.CorrelationID != "req-defer" {
		t.Fatalf("task correlation id = %q, want req-defer", task.CorrelationID)
	}
}

func TestSubmitOrderSurfacesInsufficientFunds(t *testing.T) {
	store := &fakeStore{placeErr: storage.ErrInsufficientFunds}
	eng := testEngine(store, &recordProducer{})

	_, _, err := eng.SubmitOrder(context.Background(), storage.NewOrder{
		UserID: 10, SymbolID: 1, Side: storage.SideBuy,
		Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1),
	}, "")
	if !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(store.matchCalls) != 0 {
		t.Fatalf("match must not run when placement fails")
	}
}

func TestMatchOrderSurvivesNotifyFailure(t *testing.T) {
	store := &fakeStore{matchRes: matchResultFixture()}
	producer := &recordProducer{err: errors.New("broker down")}
	eng := testEngine(store, producer)

	result, err := eng.MatchOrder(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("settled trade must not fail on notify error: %v", err)
	}
	if result == nil {
		t.Fatalf("expected match result")
	}
}

func TestCancelRejectsForeignOrder(t *testing.T) {
	store := &fakeStore{orders: map[int64]storage.Order{
		7: {ID: 7, UserID: 20, Status: storage.OrderStatusOpen},
	}}
	eng := testEngine(store, &recordProducer{})

	_, err := eng.Cancel(context.Background(), 10, 7)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign order, got %v", err)
	}
	if len(store.cancelCalls) != 0 {
		t.Fatalf("cancel must not reach the store for foreign orders")
	}
}

func TestCancelOwnOrder(t *testing.T) {
	store := &fakeStore{orders: map[int64]storage.Order{
		7: {ID: 7, UserID: 10, Status: storage.OrderStatusOpen},
	}}
	eng := testEngine(store, &recordProducer{})

	cancelled, err := eng.Cancel(context.Background(), 10, 7)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != storage.OrderStatusCancelled {
		t.Fatalf("status = %d, want cancelled", cancelled.Status)
	}
}

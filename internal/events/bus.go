// Package events fans engine lifecycle events out to in-process
// subscribers, such as the websocket hub and the telemetry loop.
package events

import (
	"sync"
	"time"
)

// EventType identifies an engine event.
type EventType string

const (
	EventPositionOpened EventType = "POSITION_OPENED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventOrderExecuted  EventType = "ORDER_EXECUTED"
	EventOrderFailed    EventType = "ORDER_FAILED"
	EventOCOPlaced      EventType = "OCO_PLACED"
	EventOCOCompleted   EventType = "OCO_COMPLETED"
	EventOCOCancelled   EventType = "OCO_CANCELLED"
	EventSignalReceived EventType = "SIGNAL_RECEIVED"
	EventSignalRejected EventType = "SIGNAL_REJECTED"
	EventRiskRejected   EventType = "RISK_REJECTED"
	EventConfigChanged  EventType = "CONFIG_CHANGED"
	EventLeverageSynced EventType = "LEVERAGE_SYNCED"
	EventEngineStarted  EventType = "ENGINE_STARTED"
	EventEngineStopped  EventType = "ENGINE_STOPPED"
	EventBalanceUpdate  EventType = "BALANCE_UPDATE"
	EventError          EventType = "ERROR"
)

// Event is one published occurrence.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber handles published events. Subscribers run on their own
// goroutines and must not assume ordering across types.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers without blocking the
// publisher.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened reports a new strategy position.
func (b *Bus) PublishPositionOpened(strategyPositionID, strategyID, symbol, side string, entryPrice, quantity float64) {
	b.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]any{
			"strategy_position_id": strategyPositionID,
			"strategy_id":          strategyID,
			"symbol":               symbol,
			"side":                 side,
			"entry_price":          entryPrice,
			"quantity":             quantity,
		},
	})
}

// PublishPositionClosed reports a strategy position close with its
// realized result.
func (b *Bus) PublishPositionClosed(strategyPositionID, symbol, side, closeReason string, exitPrice, quantity, pnl, pnlPct float64) {
	b.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]any{
			"strategy_position_id": strategyPositionID,
			"symbol":               symbol,
			"side":                 side,
			"close_reason":         closeReason,
			"exit_price":           exitPrice,
			"quantity":             quantity,
			"pnl":                  pnl,
			"pnl_percent":          pnlPct,
		},
	})
}

// PublishOrderExecuted reports a fill.
func (b *Bus) PublishOrderExecuted(orderID, symbol, orderType, side string, price, quantity float64) {
	b.Publish(Event{
		Type: EventOrderExecuted,
		Data: map[string]any{
			"order_id":   orderID,
			"symbol":     symbol,
			"order_type": orderType,
			"side":       side,
			"price":      price,
			"quantity":   quantity,
		},
	})
}

// PublishOrderFailed reports a failed submission.
func (b *Bus) PublishOrderFailed(symbol, orderType, side, reason string) {
	b.Publish(Event{
		Type: EventOrderFailed,
		Data: map[string]any{
			"symbol":     symbol,
			"order_type": orderType,
			"side":       side,
			"reason":     reason,
		},
	})
}

// PublishError reports a component error.
func (b *Bus) PublishError(component, message string) {
	b.Publish(Event{
		Type: EventError,
		Data: map[string]any{
			"component": component,
			"message":   message,
		},
	})
}

// Package events is the in-process pub/sub channel between the strategy
// runtime and the delivery surfaces (websocket hub, notifiers). The loop
// publishes and moves on; subscribers run on their own goroutines so a
// slow consumer can never stall a decision cycle.
package events

import (
	"sync"
	"time"

	"strategy-agent/internal/models"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventStrategyStatus EventType = "STRATEGY_STATUS"
	EventStrategyCycle  EventType = "STRATEGY_CYCLE"
	EventStrategyError  EventType = "STRATEGY_ERROR"
	EventTradeExecuted  EventType = "TRADE_EXECUTED"
)

// StatusPayload announces a lifecycle transition for one strategy.
type StatusPayload struct {
	Status models.StrategyStatus `json:"status"`
	Reason string                `json:"reason,omitempty"`
}

// ErrorPayload carries a non-fatal runtime error for observers.
type ErrorPayload struct {
	Source  string `json:"source"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Event is one bus message. Exactly one payload field is set, selected by
// Type. StrategyID is duplicated at the top level so subscribers can
// filter without unpacking payloads.
type Event struct {
	Type       EventType                   `json:"type"`
	StrategyID string                      `json:"strategy_id,omitempty"`
	Timestamp  time.Time                   `json:"timestamp"`
	Status     *StatusPayload              `json:"status,omitempty"`
	Cycle      *models.DecisionCycleResult `json:"cycle,omitempty"`
	Trade      *models.TradeHistoryEntry   `json:"trade,omitempty"`
	Error      *ErrorPayload               `json:"error,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Each subscriber runs on its
// own goroutine so publishing never blocks the caller.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishStatus publishes a lifecycle transition for a strategy.
func (eb *EventBus) PublishStatus(strategyID string, status models.StrategyStatus, reason string) {
	eb.Publish(Event{
		Type:       EventStrategyStatus,
		StrategyID: strategyID,
		Status:     &StatusPayload{Status: status, Reason: reason},
	})
}

// PublishCycle publishes one completed decision cycle.
func (eb *EventBus) PublishCycle(strategyID string, result models.DecisionCycleResult) {
	eb.Publish(Event{
		Type:       EventStrategyCycle,
		StrategyID: strategyID,
		Cycle:      &result,
	})
}

// PublishTrade publishes one executed fill.
func (eb *EventBus) PublishTrade(strategyID string, trade models.TradeHistoryEntry) {
	eb.Publish(Event{
		Type:       EventTradeExecuted,
		StrategyID: strategyID,
		Trade:      &trade,
	})
}

// PublishError publishes a non-fatal error event.
func (eb *EventBus) PublishError(strategyID, source, message string, err error) {
	payload := &ErrorPayload{Source: source, Message: message}
	if err != nil {
		payload.Error = err.Error()
	}
	eb.Publish(Event{
		Type:       EventStrategyError,
		StrategyID: strategyID,
		Error:      payload,
	})
}

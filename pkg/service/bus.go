package service

import (
	"sync"
	"time"

	"github.com/ignatij/consentflow/pkg/models"
)

type EventType string

const (
	LogEvent      EventType = "log"
	ProgressEvent EventType = "progress"
)

// Event is what observers see on the stream: a log line or a progress tick.
type Event struct {
	Type       EventType        `json:"type"`
	CustomerID string           `json:"customer_id"`
	Step       models.StepID    `json:"step,omitempty"`
	Level      string           `json:"level,omitempty"`
	Message    string           `json:"message,omitempty"`
	Progress   int              `json:"progress"`
	Status     models.StepState `json:"status,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch         chan Event
	customerID string // empty subscribes to all customers
}

// EventBus fans events out to current subscribers. No persistence, no
// replay; a subscriber that cannot keep up has events dropped.
type EventBus struct {
	logger Logger

	mu     sync.RWMutex
	nextID int64
	subs   map[int64]*subscriber
	closed bool
}

func NewEventBus(logger Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[int64]*subscriber),
	}
}

// Subscribe registers an observer, optionally filtered to one customer.
// The returned id releases the subscription via Unsubscribe.
func (b *EventBus) Subscribe(customerID string) (int64, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{
		ch:         make(chan Event, subscriberBuffer),
		customerID: customerID,
	}
	if b.closed {
		close(sub.ch)
		return id, sub.ch
	}
	b.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes the observer and closes its channel.
func (b *EventBus) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber, best effort:
// a full channel drops the event rather than blocking the publisher.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.customerID != "" && sub.customerID != ev.CustomerID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// slow subscriber, drop
		}
	}
}

// Close tears down all subscriptions; subsequent publishes are no-ops.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

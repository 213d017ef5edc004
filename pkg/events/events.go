// Package events provides an in-process pub/sub broker for pipeline
// events. Publishers never block: events fan out to buffered subscriber
// channels and are dropped for subscribers that fall behind.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventDatasetCreated    EventType = "dataset.created"
	EventStatusChanged     EventType = "dataset.status_changed"
	EventDatasetCancelled  EventType = "dataset.cancelled"
	EventSessionCreated    EventType = "upload.session_created"
	EventSessionCompleted  EventType = "upload.session_completed"
	EventSessionAborted    EventType = "upload.session_aborted"
	EventSessionExpired    EventType = "upload.session_expired"
	EventSyncStarted       EventType = "sync.started"
	EventSyncFailed        EventType = "sync.failed"
	EventConversionStarted EventType = "conversion.started"
	EventConversionDone    EventType = "conversion.succeeded"
	EventConversionFailed  EventType = "conversion.failed"
	EventTokenIssued       EventType = "token.issued"
	EventTokenRevoked      EventType = "token.revoked"
)

// Event represents one pipeline event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// PublishStatusChange publishes a dataset.status_changed event
func (b *Broker) PublishStatusChange(uuid, from, to string) {
	b.Publish(&Event{
		Type:    EventStatusChanged,
		Message: "dataset status changed",
		Metadata: map[string]string{
			"dataset_uuid": uuid,
			"from":         from,
			"to":           to,
		},
	})
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

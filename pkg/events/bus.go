// Package events provides the in-process topic-keyed fan-out used to push
// applied operations, presence diffs, and execution progress to connected
// clients. Messages are data-by-value; payloads are sanitized before
// publication.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Event is one message on a topic.
type Event struct {
	Type      string         `json:"type"`
	Topic     string         `json:"topic"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Topic name builders. Cardinality is bounded by connected clients.

// TopicWorkflowOps carries applied operations for one workflow.
func TopicWorkflowOps(workflowID string) string {
	return fmt.Sprintf("workflow:%s:ops", workflowID)
}

// TopicWorkflowPresence carries presence joins, leaves, and updates.
func TopicWorkflowPresence(workflowID string) string {
	return fmt.Sprintf("workflow:%s:presence", workflowID)
}

// TopicExecutionEvents carries step progress and resource samples for one
// execution.
func TopicExecutionEvents(executionID string) string {
	return fmt.Sprintf("execution:%s:events", executionID)
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this loses messages rather than blocking
// publishers.
const subscriberBuffer = 256

// Bus is a many-to-many in-process message bus.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Subscribe registers a subscriber for one topic. The returned cancel
// function is idempotent and must be called to release the subscription.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs, ok := b.subs[topic]
			if !ok {
				return // bus closed, channel already closed
			}
			if _, present := subs[id]; !present {
				return
			}
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, topic)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its topic. Delivery is
// best-effort per subscriber: a full buffer drops the message instead of
// blocking the publisher.
func (b *Bus) Publish(topic string, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Topic = topic

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close drops all subscriptions. Subsequent publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(b.subs, topic)
	}
}

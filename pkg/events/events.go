package events

import (
	"sync"
	"time"
)

// Topic identifies a class of internal events
type Topic string

const (
	TopicJobSubmitted    Topic = "job.submitted"
	TopicJobTransition   Topic = "job.transition"
	TopicJobCompleted    Topic = "job.completed"
	TopicJobDeadLettered Topic = "job.deadlettered"
	TopicAgentConnected  Topic = "agent.connected"
	TopicAgentLost       Topic = "agent.lost"
	TopicAgentStatus     Topic = "agent.status"
	TopicEnrollRequested Topic = "enroll.requested"
	TopicEnrollDecided   Topic = "enroll.decided"
	TopicCertRevoked     Topic = "cert.revoked"
)

// Event is a broadcast notification about a state change
type Event struct {
	Topic     Topic
	Timestamp time.Time
	JobID     string
	AgentID   string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers. Publishers never block: events
// are buffered centrally and dropped per-subscriber when a subscriber's
// buffer is full. Subscribers are registered at wiring time.
type Broker struct {
	subscribers map[Subscriber][]Topic
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]Topic),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a subscription for the given topics. An empty
// topic list subscribes to everything.
func (b *Broker) Subscribe(topics ...Topic) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = topics
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event for distribution
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
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

	for sub, topics := range b.subscribers {
		if !matches(topics, event.Topic) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func matches(topics []Topic, t Topic) bool {
	if len(topics) == 0 {
		return true
	}
	for _, want := range topics {
		if want == t {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

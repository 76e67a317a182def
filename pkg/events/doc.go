/*
Package events provides the in-process notification bus for Colony.

The broker fans state-change notifications out to interested components:
job transitions, agent connections and losses, enrollment decisions,
certificate revocations. It decouples the services that produce changes
from the components that react to them (metrics, logging, the registry's
loss handling) without either side importing the other.

# Delivery semantics

Publishers never block. Events are buffered centrally; when a
subscriber's buffer is full the event is dropped for that subscriber
only. The bus is a notification mechanism, not a source of truth: every
consumer that needs a complete record reads the store or the event log,
both of which are durable. Topic filtering happens at broadcast time, so
a subscriber registered for job topics never sees agent traffic.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.TopicJobCompleted)
	go func() {
		for ev := range sub {
			// react
		}
	}()

	broker.Publish(&events.Event{Topic: events.TopicJobCompleted, JobID: id})
*/
package events

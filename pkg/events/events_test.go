package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func recv(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := newRunningBroker(t)
	sub := b.Subscribe(TopicJobSubmitted)

	b.Publish(&Event{Topic: TopicJobSubmitted, JobID: "j1"})

	ev := recv(t, sub)
	assert.Equal(t, TopicJobSubmitted, ev.Topic)
	assert.Equal(t, "j1", ev.JobID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestTopicFiltering(t *testing.T) {
	b := newRunningBroker(t)
	jobs := b.Subscribe(TopicJobSubmitted, TopicJobCompleted)
	all := b.Subscribe()

	b.Publish(&Event{Topic: TopicAgentLost, AgentID: "a1"})
	b.Publish(&Event{Topic: TopicJobCompleted, JobID: "j1"})

	// The filtered subscriber only sees the job event
	ev := recv(t, jobs)
	assert.Equal(t, TopicJobCompleted, ev.Topic)

	ev = recv(t, all)
	assert.Equal(t, TopicAgentLost, ev.Topic)
	ev = recv(t, all)
	assert.Equal(t, TopicJobCompleted, ev.Topic)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := newRunningBroker(t)
	sub := b.Subscribe(TopicJobTransition)

	// Overfill the subscriber buffer; publishers must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Topic: TopicJobTransition, JobID: "j1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// Everything buffered is still deliverable
	require.Eventually(t, func() bool { return len(sub) > 0 }, time.Second, 10*time.Millisecond)
	for len(sub) > 0 {
		<-sub
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := newRunningBroker(t)
	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe is harmless
	b.Unsubscribe(sub)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			b.Publish(&Event{Topic: TopicJobSubmitted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}

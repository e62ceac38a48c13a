package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New()
	var order []int
	b.Subscribe("x", func(Event) { order = append(order, 1) })
	b.Subscribe("x", func(Event) { order = append(order, 2) })
	b.Subscribe("x", func(Event) { order = append(order, 3) })
	b.Publish(Event{Type: "x"})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	b := New()
	var secondCalled bool
	b.Subscribe("y", func(Event) { panic("boom") })
	b.Subscribe("y", func(Event) { secondCalled = true })
	assert.NotPanics(t, func() { b.Publish(Event{Type: "y"}) })
	assert.True(t, secondCalled)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe("z", func(Event) { calls++ })
	b.Publish(Event{Type: "z"})
	unsub()
	b.Publish(Event{Type: "z"})
	assert.Equal(t, 1, calls)
}

func TestPublishOnlyReachesMatchingType(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("a", func(Event) { called = true })
	b.Publish(Event{Type: "b"})
	assert.False(t, called)
}

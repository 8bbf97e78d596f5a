package service_test

import (
	"testing"
	"time"

	"github.com/ignatij/consentflow/pkg/service"
	"github.com/stretchr/testify/assert"
)

func TestEventBus(t *testing.T) {

	t.Run("FanOut", func(t *testing.T) {
		bus := service.NewEventBus(logger{})
		defer bus.Close()
		id1, ch1 := bus.Subscribe("")
		defer bus.Unsubscribe(id1)
		id2, ch2 := bus.Subscribe("")
		defer bus.Unsubscribe(id2)

		bus.Publish(service.Event{Type: service.LogEvent, CustomerID: "CUST_1", Message: "hello"})

		for _, ch := range []<-chan service.Event{ch1, ch2} {
			select {
			case ev := <-ch:
				assert.Equal(t, "hello", ev.Message)
			case <-time.After(time.Second):
				t.Fatal("subscriber did not receive event")
			}
		}
	})

	t.Run("CustomerFilter", func(t *testing.T) {
		bus := service.NewEventBus(logger{})
		defer bus.Close()
		idA, chA := bus.Subscribe("CUST_A")
		defer bus.Unsubscribe(idA)

		bus.Publish(service.Event{Type: service.LogEvent, CustomerID: "CUST_B", Message: "not for A"})
		bus.Publish(service.Event{Type: service.LogEvent, CustomerID: "CUST_A", Message: "for A"})

		select {
		case ev := <-chA:
			assert.Equal(t, "for A", ev.Message)
		case <-time.After(time.Second):
			t.Fatal("filtered subscriber did not receive its event")
		}
		select {
		case ev := <-chA:
			t.Fatalf("unexpected extra event: %+v", ev)
		default:
		}
	})

	t.Run("SlowSubscriberDropsInsteadOfBlocking", func(t *testing.T) {
		bus := service.NewEventBus(logger{})
		defer bus.Close()
		id, ch := bus.Subscribe("")
		defer bus.Unsubscribe(id)

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Publish far more than the subscriber buffer without reading
			for i := 0; i < 1000; i++ {
				bus.Publish(service.Event{Type: service.LogEvent, CustomerID: "CUST_1"})
			}
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("publisher blocked on slow subscriber")
		}
		assert.LessOrEqual(t, len(ch), 64)
	})

	t.Run("UnsubscribeClosesChannel", func(t *testing.T) {
		bus := service.NewEventBus(logger{})
		defer bus.Close()
		id, ch := bus.Subscribe("")
		bus.Unsubscribe(id)
		_, open := <-ch
		assert.False(t, open)

		// Publishing after unsubscribe is harmless
		bus.Publish(service.Event{Type: service.LogEvent, CustomerID: "CUST_1"})
	})

	t.Run("CloseTearsDownSubscribers", func(t *testing.T) {
		bus := service.NewEventBus(logger{})
		_, ch := bus.Subscribe("")
		bus.Close()
		_, open := <-ch
		assert.False(t, open)

		// Post-close operations are no-ops
		bus.Publish(service.Event{Type: service.LogEvent})
		_, late := bus.Subscribe("")
		_, open = <-late
		assert.False(t, open)
		bus.Close()
	})
}

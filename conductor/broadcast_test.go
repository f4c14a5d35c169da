package conductor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

func TestBroadcaster_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe("exec-1")
	defer unsub()

	b.Publish(contracts.StatusEvent{ExecutionID: "exec-1", NodeID: "n1", Status: "Running"})

	select {
	case ev := <-ch:
		assert.Equal(t, "n1", ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestBroadcaster_PublishIgnoresOtherExecutions(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe("exec-1")
	defer unsub()

	b.Publish(contracts.StatusEvent{ExecutionID: "exec-2", NodeID: "n1", Status: "Running"})

	select {
	case <-ch:
		t.Fatal("did not expect an event for a different execution id")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_PublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	done := make(chan struct{})
	go func() {
		b.Publish(contracts.StatusEvent{ExecutionID: "nobody-listening"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

// A subscriber whose buffer is full misses events instead of stalling Publish.
func TestBroadcaster_PublishIsNonBlockingWhenSubscriberBufferIsFull(t *testing.T) {
	b := NewBroadcaster()
	_, unsub := b.Subscribe("exec-1") // never drained
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(contracts.StatusEvent{ExecutionID: "exec-1", NodeID: "n1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked once the subscriber's buffer filled")
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe("exec-1")
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBroadcaster_MultipleSubscribersAllReceive(t *testing.T) {
	b := NewBroadcaster()
	ch1, unsub1 := b.Subscribe("exec-1")
	ch2, unsub2 := b.Subscribe("exec-1")
	defer unsub1()
	defer unsub2()

	b.Publish(contracts.StatusEvent{ExecutionID: "exec-1", Status: "Succeeded"})

	for _, ch := range []<-chan contracts.StatusEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, "Succeeded", ev.Status)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

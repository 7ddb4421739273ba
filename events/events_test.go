package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: Thinking, Content: "hm"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, Thinking, ev.Type)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: Progress})
}

func TestEmitterStampsRunID(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	e := NewEmitter(b, "run-1")
	e.ToolCallStarted("file_list", map[string]any{"path": "."})

	select {
	case ev := <-ch:
		require.Equal(t, ToolCallStarted, ev.Type)
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "file_list", ev.Tool)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestNilBrokerEmitterDiscards(t *testing.T) {
	e := NewEmitter(nil, "run-1")
	e.Completed("done") // must not panic
}

package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: FeedCycle, Data: FeedCycleData{Feed: "w", Lines: 2}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, FeedCycle, e.Type)
		assert.False(t, e.Time.IsZero())
		assert.Equal(t, 2, e.Data.(FeedCycleData).Lines)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})
	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, "x", (<-ch).Type)
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "after"})
	assert.Zero(t, b.Dropped())
}

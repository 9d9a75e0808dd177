package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arbor-research/arbor/internal/circuitbreaker"
)

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("sess-1", 4)
	defer m.Unsubscribe("sess-1", ch)

	m.Publish("sess-1", Event{Kind: "task_completed", NodeID: "n1"})

	select {
	case evt := <-ch:
		assert.Equal(t, "task_completed", evt.Kind)
		assert.Equal(t, "sess-1", evt.SessionID)
		assert.Equal(t, uint64(1), evt.Seq)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("sess-2", 1)
	defer m.Unsubscribe("sess-2", ch)

	m.Publish("sess-2", Event{Kind: "a"})
	m.Publish("sess-2", Event{Kind: "b"}) // dropped, buffer full

	evt := <-ch
	assert.Equal(t, "a", evt.Kind)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event: %+v", evt)
	default:
	}

	// The ring still holds both for replay.
	assert.Len(t, m.ReplaySince("sess-2", 0), 2)
}

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 4; i++ {
		r.push(Event{Seq: uint64(i)})
	}
	// Ring holds seq 2,3,4 after overwrite.
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
}

func TestReplaySinceSkipsDelivered(t *testing.T) {
	m := NewManager(16)
	for i := 0; i < 5; i++ {
		m.Publish("sess-3", Event{Kind: "tick"})
	}

	evs := m.ReplaySince("sess-3", 3)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(4), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[1].Seq)
}

func TestDropSessionClosesSubscribers(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("sess-4", 1)

	m.DropSession("sess-4")

	_, open := <-ch
	assert.False(t, open)
	assert.Nil(t, m.ReplaySince("sess-4", 0))
}

func TestRedisMirrorPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer raw.Close()

	wrapper := circuitbreaker.NewRedisWrapper(raw, zaptest.NewLogger(t))
	mirror := NewRedisMirror(wrapper, zaptest.NewLogger(t))

	sub := raw.Subscribe(context.Background(), Channel("sess-5"))
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	mirror.Publish(context.Background(), Event{SessionID: "sess-5", Kind: "node_completed"})

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, "node_completed")
	case <-time.After(2 * time.Second):
		t.Fatal("no mirrored message received")
	}
}

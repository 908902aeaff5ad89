package bus

import (
	"context"
	"testing"
	"time"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func row(id int64, kind string) model.EventRow {
	return model.EventRow{ID: id, Envelope: model.Envelope{Kind: kind}}
}

func TestPublishDeliversToMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("policy.", 0)
	defer sub.Close()

	other := b.Subscribe("actions.", 0)
	defer other.Close()

	require.NoError(t, b.Publish(context.Background(), row(1, "policy.capsule.applied")))

	select {
	case got := <-sub.C():
		assert.Equal(t, int64(1), got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected delivery to matching subscriber")
	}

	select {
	case got := <-other.C():
		t.Fatalf("unexpected delivery to non-matching subscriber: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeReplaysSinceID(t *testing.T) {
	b := New()
	require.NoError(t, b.Publish(context.Background(), row(1, "actions.completed")))
	require.NoError(t, b.Publish(context.Background(), row(2, "actions.completed")))
	require.NoError(t, b.Publish(context.Background(), row(3, "actions.completed")))

	sub := b.Subscribe("actions.", 1)
	defer sub.Close()

	var got []int64
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.C():
			got = append(got, e.ID)
		case <-time.After(time.Second):
			t.Fatal("expected replayed events")
		}
	}
	assert.Equal(t, []int64{2, 3}, got)
}

func TestOverrunDropsOldest(t *testing.T) {
	b := New()
	sub := b.Subscribe("", 0)
	defer sub.Close()

	for i := int64(1); i <= int64(defaultSubBuffer)+10; i++ {
		require.NoError(t, b.Publish(context.Background(), row(i, "x")))
	}

	// The channel should hold only the most recent defaultSubBuffer events;
	// draining must never block and the first value must not be event 1.
	first := <-sub.C()
	assert.Greater(t, first.ID, int64(1))
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("", 0)
	sub.Close()

	require.NoError(t, b.Publish(context.Background(), row(1, "x")))

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed")
}

package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(buffer int) *Registry {
	return NewRegistry(NewTopicIndex(), buffer, zap.NewNop().Sugar())
}

func TestUnregisterRemovesAllSubscriptions(t *testing.T) {
	r := newTestRegistry(4)
	a := r.Register()
	b := r.Register()

	for _, topic := range []string{"seat:S1", "seat:S2", "floor:F1"} {
		_, err := r.Subscribe(a.ID, topic)
		require.NoError(t, err)
	}
	_, err := r.Subscribe(b.ID, "floor:F1")
	require.NoError(t, err)

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)

	require.True(t, r.Unregister(a.ID))
	assert.False(t, r.Unregister(a.ID))
	_, ok = r.Get(a.ID)
	assert.False(t, ok)

	for topic := range r.Index().Counts() {
		assert.NotContains(t, r.Subscribers(topic), a.ID)
	}
	assert.Equal(t, []string{b.ID}, r.Subscribers("floor:F1"))

	assert.ErrorIs(t, r.PushFrame(a.ID, []byte(`{}`)), ErrConnectionClosed)
	_, err = r.Subscribe(a.ID, "seat:S1")
	assert.ErrorIs(t, err, ErrConnectionClosed)

	select {
	case <-a.Done():
	default:
		t.Fatal("done channel should be closed")
	}
	_, open := <-a.Outbox()
	assert.False(t, open)
}

func TestPushQueuesEncodedFrame(t *testing.T) {
	r := newTestRegistry(4)
	c := r.Register()

	require.NoError(t, r.Push(c.ID, Outbound{Type: MsgPong, Payload: PongReply{Timestamp: 42}}))

	var msg struct {
		Type    string    `json:"type"`
		Payload PongReply `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(<-c.Outbox(), &msg))
	assert.Equal(t, MsgPong, msg.Type)
	assert.Equal(t, int64(42), msg.Payload.Timestamp)
}

func TestPushToFullBufferFailsWithoutBlocking(t *testing.T) {
	r := newTestRegistry(1)
	c := r.Register()

	require.NoError(t, r.PushFrame(c.ID, []byte("1")))
	assert.ErrorIs(t, r.PushFrame(c.ID, []byte("2")), ErrSendBufferFull)
}

func TestEvictStale(t *testing.T) {
	r := newTestRegistry(1)
	base := time.Now()
	r.now = func() time.Time { return base }
	idle := r.Register()
	active := r.Register()
	_, _ = r.Subscribe(idle.ID, "floor:F1")

	active.Touch(base.Add(2 * time.Minute))
	r.now = func() time.Time { return base.Add(2 * time.Minute) }

	evicted := r.EvictStale(time.Minute)
	assert.Equal(t, []string{idle.ID}, evicted)
	assert.Equal(t, 1, r.Count())
	assert.Empty(t, r.Subscribers("floor:F1"))
}

func TestConnectionState(t *testing.T) {
	r := newTestRegistry(1)
	c := r.Register()

	assert.Empty(t, c.UserID())
	c.SetUserID("alice")
	assert.Equal(t, "alice", c.UserID())

	assert.Empty(t, c.SwapFloor("F1"))
	assert.Equal(t, "F1", c.FloorID())
	assert.Equal(t, "F1", c.SwapFloor("F2"))
	assert.Equal(t, "F2", c.FloorID())

	at := time.Now().Add(time.Hour)
	c.Touch(at)
	assert.Equal(t, at.UnixNano(), c.LastSeen().UnixNano())
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/model"
)

type recordingFanout struct {
	mu     sync.Mutex
	subs   map[string][]string
	frames map[string][][]byte
}

func newRecordingFanout() *recordingFanout {
	return &recordingFanout{subs: map[string][]string{}, frames: map[string][][]byte{}}
}

func (f *recordingFanout) subscribe(topic string, conns ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = append(f.subs[topic], conns...)
}

func (f *recordingFanout) Subscribers(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs[topic]...)
}

func (f *recordingFanout) PushFrame(connID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[connID] = append(f.frames[connID], frame)
	return nil
}

func (f *recordingFanout) updates(t *testing.T, connID string) []SyncUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SyncUpdate
	for _, frame := range f.frames[connID] {
		var msg struct {
			Type    string     `json:"type"`
			Payload SyncUpdate `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(frame, &msg))
		require.Equal(t, MsgSyncUpdate, msg.Type)
		out = append(out, msg.Payload)
	}
	return out
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		BatchInterval:      50 * time.Millisecond,
		BatchSize:          100,
		MaxQueueSize:       1000,
		DedupEnabled:       true,
		DedupWindow:        time.Minute,
		CompressionEnabled: true,
		ConflictPolicy:     config.PolicyTimestampWins,
	}
}

func newTestDispatcher(cfg config.SyncConfig) (*Dispatcher, *Ingestor, *recordingFanout) {
	ing := NewIngestor(cfg, zap.NewNop().Sugar())
	out := newRecordingFanout()
	return NewDispatcher(cfg, ing, out, zap.NewNop().Sugar()), ing, out
}

func TestFlushCompressesPerSubscriber(t *testing.T) {
	d, ing, out := newTestDispatcher(testSyncConfig())
	out.subscribe("floor:F1", "c1", "c2")

	for i := 0; i < 50; i++ {
		seat := fmt.Sprintf("S%d", i%10)
		ing.Queue().Push(event(fmt.Sprintf("e%d", i), "floor:F1", seat, model.OpUpdate,
			map[string]any{"status": fmt.Sprintf("v%d", i)}))
	}
	ing.Queue().Push(event("del", "floor:F1", "S3", model.OpDelete, nil))

	assert.Equal(t, 51, d.Flush())
	for _, conn := range []string{"c1", "c2"} {
		updates := out.updates(t, conn)
		require.Len(t, updates, 1)
		assert.Equal(t, "floor:F1", updates[0].Entity)
		assert.LessOrEqual(t, len(updates[0].Events), 10)

		var deletes int
		for _, ev := range updates[0].Events {
			if ev.Operation == model.OpDelete {
				deletes++
				assert.Equal(t, "S3", ev.Key)
			}
		}
		assert.Equal(t, 1, deletes)
	}
	assert.Less(t, d.LastCompressionRatio(), 1.0)
}

func TestFlushWithoutCompressionSendsEveryEvent(t *testing.T) {
	cfg := testSyncConfig()
	cfg.CompressionEnabled = false
	d, ing, out := newTestDispatcher(cfg)
	out.subscribe("seat:S1", "c1")

	for i := 0; i < 5; i++ {
		ing.Queue().Push(event(fmt.Sprintf("e%d", i), "seat:S1", "S1", model.OpUpdate, nil))
	}
	d.Flush()

	updates := out.updates(t, "c1")
	require.Len(t, updates, 1)
	assert.Len(t, updates[0].Events, 5)
}

func TestFlushIsolatesFailingGroup(t *testing.T) {
	d, ing, out := newTestDispatcher(testSyncConfig())
	out.subscribe("seat:bad", "c1")
	out.subscribe("seat:good", "c1")

	ing.Queue().Push(event("b", "seat:bad", "bad", model.OpUpdate, map[string]any{"ch": make(chan int)}))
	ing.Queue().Push(event("g", "seat:good", "good", model.OpUpdate, map[string]any{"status": "occupied"}))

	assert.Equal(t, 2, d.Flush())
	updates := out.updates(t, "c1")
	require.Len(t, updates, 1)
	assert.Equal(t, "seat:good", updates[0].Entity)

	processed, failed, batches := d.Counts()
	assert.Equal(t, int64(1), processed)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int64(1), batches)
}

func TestFlushIsSingleFlight(t *testing.T) {
	d, ing, _ := newTestDispatcher(testSyncConfig())
	ing.Queue().Push(event("e1", "seat:S1", "S1", model.OpUpdate, nil))

	d.running.Store(true)
	assert.Equal(t, 0, d.Flush())
	assert.Equal(t, 1, ing.Queue().Len())

	d.running.Store(false)
	assert.Equal(t, 1, d.Flush())
	assert.False(t, d.Processing())
}

func TestFlushTakesAtMostOneBatch(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BatchSize = 3
	d, ing, _ := newTestDispatcher(cfg)
	for i := 0; i < 7; i++ {
		ing.Queue().Push(event(fmt.Sprintf("e%d", i), "seat:S1", "S1", model.OpUpdate, nil))
	}
	assert.Equal(t, 3, d.Flush())
	assert.Equal(t, 4, ing.Queue().Len())
}

func TestGroupByTopicKeepsFirstAppearanceOrder(t *testing.T) {
	groups := groupByTopic([]model.SyncEvent{
		event("1", "seat:B", "B", model.OpUpdate, nil),
		event("2", "seat:A", "A", model.OpUpdate, nil),
		event("3", "seat:B", "B", model.OpUpdate, nil),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "seat:B", groups[0].topic)
	assert.Len(t, groups[0].events, 2)
	assert.Equal(t, "seat:A", groups[1].topic)
}

func TestHubDeliversWithinOneInterval(t *testing.T) {
	cfg := testSyncConfig()
	hub := NewHub(cfg, config.SocketConfig{SendBuffer: 8}, zap.NewNop().Sugar())
	conn := hub.Registry.Register()
	_, err := hub.Registry.Subscribe(conn.ID, "seat:S1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	ev := model.NewSyncEvent(model.EventStoreChange, "seat:S1", "S1", model.OpUpdate, map[string]any{"status": "occupied"})
	require.NoError(t, hub.Submit(ctx, ev))
	require.NoError(t, hub.Submit(ctx, ev))

	select {
	case frame := <-conn.Outbox():
		var msg struct {
			Payload SyncUpdate `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(frame, &msg))
		require.Len(t, msg.Payload.Events, 1)
		assert.Equal(t, ev.ID, msg.Payload.Events[0].ID)
	case <-time.After(2 * cfg.BatchInterval):
		t.Fatal("no sync_update within one batch interval")
	}

	select {
	case frame := <-conn.Outbox():
		t.Fatalf("duplicate delivered: %s", frame)
	case <-time.After(2 * cfg.BatchInterval):
	}

	stats := hub.Stats()
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, map[string]int{"seat:S1": 1}, stats.TopicSubscribers)
}

func TestHubShutdownDeliversEverythingSubmitted(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BatchInterval = time.Hour
	hub := NewHub(cfg, config.SocketConfig{SendBuffer: 8}, zap.NewNop().Sugar())
	conn := hub.Registry.Register()
	_, err := hub.Registry.Subscribe(conn.ID, "floor:F1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	for i := 0; i < 20; i++ {
		ev := event(fmt.Sprintf("e%d", i), "floor:F1", fmt.Sprintf("S%d", i), model.OpUpdate, map[string]any{"status": "occupied"})
		require.NoError(t, hub.Submit(ctx, ev))
	}
	cancel()
	require.NoError(t, <-done)

	var ids []string
	for len(conn.Outbox()) > 0 {
		var msg struct {
			Payload SyncUpdate `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(<-conn.Outbox(), &msg))
		for _, ev := range msg.Payload.Events {
			ids = append(ids, ev.ID)
		}
	}
	assert.Len(t, ids, 20)
	assert.ErrorIs(t, hub.Submit(context.Background(), event("late", "floor:F1", "S1", model.OpUpdate, nil)), ErrIngestorStopped)
}

func TestIngestorWakesDispatcherOnFullBatch(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BatchSize = 2
	ing := NewIngestor(cfg, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	require.NoError(t, ing.Submit(ctx, event("a", "seat:S1", "S1", model.OpUpdate, nil)))
	require.NoError(t, ing.Submit(ctx, event("b", "seat:S1", "S1", model.OpUpdate, nil)))

	select {
	case <-ing.Wake():
	case <-time.After(time.Second):
		t.Fatal("dispatcher was not woken")
	}
	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, ing.Submit(context.Background(), event("c", "seat:S1", "S1", model.OpUpdate, nil)), ErrIngestorStopped)
}

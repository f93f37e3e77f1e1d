package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/metrics"
	"github.com/iliyamo/seatmap-sync/internal/model"
)

// Fanout is where the dispatcher delivers batches.
type Fanout interface {
	Subscribers(topic string) []string
	PushFrame(connID string, frame []byte) error
}

// Dispatcher drains the ingest queue on every tick or wake-up, groups the
// events by topic, compresses them and pushes one sync_update per
// subscriber. At most one pass runs at a time.
type Dispatcher struct {
	cfg    config.SyncConfig
	ing    *Ingestor
	out    Fanout
	now    func() time.Time
	logger *zap.SugaredLogger

	running atomic.Bool

	processed   atomic.Int64
	failed      atomic.Int64
	batches     atomic.Int64
	lastLatency atomic.Int64  // nanoseconds
	lastRatio   atomic.Uint64 // float64 bits
}

func NewDispatcher(cfg config.SyncConfig, ing *Ingestor, out Fanout, logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{cfg: cfg, ing: ing, out: out, now: time.Now, logger: logger}
	d.lastRatio.Store(math.Float64bits(1))
	return d
}

// Run dispatches until ctx is cancelled. Events still queued at that point
// are left for the owner to Flush once the ingestor has stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Flush()
		case <-d.ing.Wake():
			// keep going while full batches are waiting
			for {
				if n := d.Flush(); n == 0 || d.ing.Queue().Len() < d.cfg.BatchSize {
					break
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Flush runs one dispatch pass and returns the number of events taken off
// the queue. It returns 0 immediately when another pass is in progress.
func (d *Dispatcher) Flush() int {
	if !d.running.CompareAndSwap(false, true) {
		return 0
	}
	defer d.running.Store(false)

	events := d.ing.Queue().Drain(d.cfg.BatchSize)
	metrics.QueueSize.Set(float64(d.ing.Queue().Len()))
	if len(events) == 0 {
		return 0
	}
	start := d.now()

	var rawBytes, sentBytes int
	for _, g := range groupByTopic(events) {
		raw, sent, err := d.dispatchGroup(g.topic, g.events)
		rawBytes += raw
		sentBytes += sent
		if err != nil {
			d.failed.Add(int64(len(g.events)))
			metrics.EventsFailed.Add(float64(len(g.events)))
			d.logger.Errorw("dispatch group failed", "topic", g.topic, "events", len(g.events), "error", err)
			continue
		}
		d.processed.Add(int64(len(g.events)))
		metrics.EventsProcessed.Add(float64(len(g.events)))
	}

	elapsed := d.now().Sub(start)
	d.lastLatency.Store(int64(elapsed))
	metrics.BatchLatency.Observe(elapsed.Seconds())
	if rawBytes > 0 {
		ratio := float64(sentBytes) / float64(rawBytes)
		d.lastRatio.Store(math.Float64bits(ratio))
		metrics.CompressionRatio.Set(ratio)
	}
	d.batches.Add(1)
	return len(events)
}

type topicGroup struct {
	topic  string
	events []model.SyncEvent
}

// groupByTopic keeps topics in order of first appearance.
func groupByTopic(events []model.SyncEvent) []topicGroup {
	pos := make(map[string]int)
	var groups []topicGroup
	for _, ev := range events {
		i, ok := pos[ev.Entity]
		if !ok {
			i = len(groups)
			pos[ev.Entity] = i
			groups = append(groups, topicGroup{topic: ev.Entity})
		}
		groups[i].events = append(groups[i].events, ev)
	}
	return groups
}

// dispatchGroup sends one topic's events. A panic is turned into an error
// so that the rest of the batch still goes out.
func (d *Dispatcher) dispatchGroup(topic string, events []model.SyncEvent) (rawBytes, sentBytes int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	raw, err := json.Marshal(events)
	if err != nil {
		return 0, 0, fmt.Errorf("encode events: %w", err)
	}
	send := events
	if d.cfg.CompressionEnabled {
		send = Compress(events, d.cfg.ConflictPolicy)
	}
	frame, err := json.Marshal(Outbound{
		Type: MsgSyncUpdate,
		Payload: SyncUpdate{
			Entity:    topic,
			Events:    send,
			Timestamp: d.now().UnixMilli(),
		},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("encode sync_update: %w", err)
	}
	sent := len(raw)
	if len(send) != len(events) {
		if b, err := json.Marshal(send); err == nil {
			sent = len(b)
		}
	}

	for _, connID := range d.out.Subscribers(topic) {
		if err := d.out.PushFrame(connID, frame); err != nil {
			d.logger.Warnw("push to subscriber failed", "conn", connID, "topic", topic, "error", err)
		}
	}
	return len(raw), sent, nil
}

// Processing reports whether a dispatch pass is running.
func (d *Dispatcher) Processing() bool { return d.running.Load() }

// LastLatency is the duration of the most recent pass.
func (d *Dispatcher) LastLatency() time.Duration { return time.Duration(d.lastLatency.Load()) }

// LastCompressionRatio is sent over raw payload bytes of the most recent pass.
func (d *Dispatcher) LastCompressionRatio() float64 { return math.Float64frombits(d.lastRatio.Load()) }

// Counts returns processed, failed and batch totals.
func (d *Dispatcher) Counts() (processed, failed, batches int64) {
	return d.processed.Load(), d.failed.Load(), d.batches.Load()
}

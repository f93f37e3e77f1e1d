package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/metrics"
	"github.com/iliyamo/seatmap-sync/internal/model"
)

// ErrIngestorStopped is returned by Submit after Run has returned.
var ErrIngestorStopped = errors.New("ingestor stopped")

// Ingestor admits events from every producer into the queue. Producers hand
// events over a single channel; one loop applies dedup and the size bound
// and wakes the dispatcher once a full batch is waiting.
type Ingestor struct {
	queue     *EventQueue
	in        chan model.SyncEvent
	wake      chan struct{}
	stopped   chan struct{}
	batchSize int
	logger    *zap.SugaredLogger

	// closed is set under mu once no Submit can reach in any more
	mu     sync.RWMutex
	closed bool

	duplicates atomic.Int64
	dropped    atomic.Int64
	admitted   atomic.Int64
}

// NewIngestor builds an ingestor from the sync settings.
func NewIngestor(cfg config.SyncConfig, logger *zap.SugaredLogger) *Ingestor {
	window := cfg.DedupWindow
	if !cfg.DedupEnabled {
		window = 0
	}
	return &Ingestor{
		queue:     NewEventQueue(cfg.MaxQueueSize, window),
		in:        make(chan model.SyncEvent, cfg.BatchSize),
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		batchSize: cfg.BatchSize,
		logger:    logger,
	}
}

// Queue exposes the underlying queue to the dispatcher.
func (i *Ingestor) Queue() *EventQueue { return i.queue }

// Wake fires when the queue holds at least one full batch.
func (i *Ingestor) Wake() <-chan struct{} { return i.wake }

// Submit hands ev to the ingest loop. It blocks only while the inbound
// channel is full. An event accepted by Submit is admitted even when the
// loop stops right after.
func (i *Ingestor) Submit(ctx context.Context, ev model.SyncEvent) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrIngestorStopped
	}
	select {
	case i.in <- ev:
		return nil
	case <-i.stopped:
		return ErrIngestorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes submitted events until ctx is cancelled. Events still in the
// inbound channel at that point are admitted before returning.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-i.in:
			i.admit(ev)
		case <-ctx.Done():
			i.stop()
			return nil
		}
	}
}

// stop refuses new submissions, waits for in-flight Submit calls and admits
// whatever they left in the inbound channel.
func (i *Ingestor) stop() {
	close(i.stopped)
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	for {
		select {
		case ev := <-i.in:
			i.admit(ev)
		default:
			return
		}
	}
}

func (i *Ingestor) admit(ev model.SyncEvent) {
	res := i.queue.Push(ev)
	metrics.QueueSize.Set(float64(res.Len))
	if res.Duplicate {
		i.duplicates.Add(1)
		metrics.EventsDuplicate.Inc()
		i.logger.Debugw("duplicate event discarded", "id", ev.ID, "entity", ev.Entity)
		return
	}
	i.admitted.Add(1)
	metrics.EventsIngested.WithLabelValues(string(ev.Type)).Inc()
	if res.Dropped > 0 {
		i.dropped.Add(int64(res.Dropped))
		metrics.EventsDropped.Add(float64(res.Dropped))
		i.logger.Warnw("event queue full, dropped oldest events",
			"dropped", res.Dropped, "capacity", i.queue.Cap())
	}
	if res.Len >= i.batchSize {
		i.signal()
	}
}

func (i *Ingestor) signal() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Counts returns admitted, duplicate and dropped totals.
func (i *Ingestor) Counts() (admitted, duplicates, dropped int64) {
	return i.admitted.Load(), i.duplicates.Load(), i.dropped.Load()
}

package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/model"
)

// Hub wires the registry, ingestor and dispatcher of one process together
// and runs their loops.
type Hub struct {
	Registry   *Registry
	Ingestor   *Ingestor
	Dispatcher *Dispatcher

	heartbeat time.Duration
	logger    *zap.SugaredLogger
}

// NewHub builds the sync components from configuration.
func NewHub(syncCfg config.SyncConfig, sockCfg config.SocketConfig, logger *zap.SugaredLogger) *Hub {
	registry := NewRegistry(NewTopicIndex(), sockCfg.SendBuffer, logger.Named("registry"))
	ingestor := NewIngestor(syncCfg, logger.Named("ingest"))
	return &Hub{
		Registry:   registry,
		Ingestor:   ingestor,
		Dispatcher: NewDispatcher(syncCfg, ingestor, registry, logger.Named("dispatcher")),
		heartbeat:  sockCfg.HeartbeatTimeout,
		logger:     logger,
	}
}

// Submit forwards ev to the ingestor.
func (h *Hub) Submit(ctx context.Context, ev model.SyncEvent) error {
	return h.Ingestor.Submit(ctx, ev)
}

// Run blocks until ctx is cancelled or a loop fails. On the way out it
// delivers every event the ingestor accepted.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Ingestor.Run(ctx) })
	g.Go(func() error { return h.Dispatcher.Run(ctx) })
	if h.heartbeat > 0 {
		g.Go(func() error { return h.sweep(ctx) })
	}
	err := g.Wait()

	// ingestor and dispatcher loops have both returned
	for h.Dispatcher.Flush() > 0 {
	}
	return err
}

// sweep evicts connections that stopped sending heartbeats.
func (h *Hub) sweep(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeat / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Registry.EvictStale(h.heartbeat)
		case <-ctx.Done():
			return nil
		}
	}
}

// Stats is the operational snapshot served by the status endpoint.
type Stats struct {
	QueueSize            int            `json:"queueSize"`
	QueueCapacity        int            `json:"queueCapacity"`
	Processing           bool           `json:"processing"`
	Admitted             int64          `json:"admitted"`
	Processed            int64          `json:"processed"`
	Failed               int64          `json:"failed"`
	Duplicates           int64          `json:"duplicates"`
	Dropped              int64          `json:"dropped"`
	Batches              int64          `json:"batches"`
	Connections          int            `json:"connections"`
	Subscriptions        int            `json:"subscriptions"`
	TopicSubscribers     map[string]int `json:"topicSubscribers"`
	LastBatchLatencyMs   float64        `json:"lastBatchLatencyMs"`
	LastCompressionRatio float64        `json:"lastCompressionRatio"`
}

// Stats collects counters from every component.
func (h *Hub) Stats() Stats {
	admitted, duplicates, dropped := h.Ingestor.Counts()
	processed, failed, batches := h.Dispatcher.Counts()
	idx := h.Registry.Index()
	return Stats{
		QueueSize:            h.Ingestor.Queue().Len(),
		QueueCapacity:        h.Ingestor.Queue().Cap(),
		Processing:           h.Dispatcher.Processing(),
		Admitted:             admitted,
		Processed:            processed,
		Failed:               failed,
		Duplicates:           duplicates,
		Dropped:              dropped,
		Batches:              batches,
		Connections:          h.Registry.Count(),
		Subscriptions:        idx.Total(),
		TopicSubscribers:     idx.Counts(),
		LastBatchLatencyMs:   float64(h.Dispatcher.LastLatency().Microseconds()) / 1000,
		LastCompressionRatio: h.Dispatcher.LastCompressionRatio(),
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/breaker"
	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/metrics"
	"github.com/iliyamo/seatmap-sync/internal/model"
)

// DepBroker names the breaker guarding the broker connection.
const DepBroker = "rabbitmq"

// ErrPublishBufferFull is returned by Publish when the outgoing buffer has
// no room. The batch is dropped.
var ErrPublishBufferFull = errors.New("publish buffer full")

// Publisher sends committed seat events to the exchange. Publish only queues
// the batch; Run owns the broker connection, opens it on first use and
// reopens it after a failure.
type Publisher struct {
	url         string
	dialTimeout time.Duration
	breakers    *breaker.Set
	logger      *zap.SugaredLogger
	out         chan amqp.Publishing

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPublisher(url string, cfg config.BrokerConfig, breakers *breaker.Set, logger *zap.SugaredLogger) *Publisher {
	buffer := cfg.PublishBuffer
	if buffer < 1 {
		buffer = 1
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		url:         url,
		dialTimeout: timeout,
		breakers:    breakers,
		logger:      logger,
		out:         make(chan amqp.Publishing, buffer),
	}
}

// Publish queues events as one persistent sync_events message. It never
// waits for the broker.
func (p *Publisher) Publish(_ context.Context, events []model.SyncEvent) error {
	if len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         TypeSyncEvents,
		MessageId:    events[0].ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	select {
	case p.out <- msg:
		return nil
	default:
		metrics.BrokerPublishes.WithLabelValues("dropped").Inc()
		return ErrPublishBufferFull
	}
}

// Run publishes queued batches until ctx is cancelled. While the broker
// breaker is open batches are dropped without dialing.
func (p *Publisher) Run(ctx context.Context) error {
	defer func() { _ = p.Close() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-p.out:
			err := p.breakers.Run(DepBroker, func() error { return p.send(ctx, msg) }, nil)
			switch {
			case err == nil:
				metrics.BrokerPublishes.WithLabelValues("published").Inc()
			case errors.Is(err, breaker.ErrOpen):
				metrics.BrokerPublishes.WithLabelValues("dropped").Inc()
				p.logger.Debugw("broker unavailable, batch dropped", "id", msg.MessageId)
			default:
				metrics.BrokerPublishes.WithLabelValues("failed").Inc()
				p.logger.Warnw("publish to peers failed", "id", msg.MessageId, "error", err)
			}
		}
	}
}

func (p *Publisher) send(ctx context.Context, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensure(); err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	if err := p.ch.PublishWithContext(pubCtx, ExchangeName, "", false, false, msg); err != nil {
		p.resetLocked()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// ensure opens the connection and channel; the caller holds p.mu.
func (p *Publisher) ensure() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.resetLocked()
	conn, err := dial(p.url, p.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	p.conn, p.ch = conn, ch
	p.logger.Infow("connected to broker", "exchange", ExchangeName)
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// dial bounds both the TCP connect and the AMQP handshake by timeout.
func dial(url string, timeout time.Duration) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
}

func declareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/config"
	"github.com/iliyamo/seatmap-sync/internal/model"
)

// Sink receives decoded events; realtime.Hub implements it.
type Sink interface {
	Submit(ctx context.Context, ev model.SyncEvent) error
}

// Consumer binds a private queue to the exchange and feeds every delivery
// into the sink, reconnecting with backoff when the broker goes away. Peer
// batches stamped with this instance's origin are its own commits coming
// back through the fanout and are skipped.
type Consumer struct {
	url         string
	origin      string
	dialTimeout time.Duration
	sink        Sink
	logger      *zap.SugaredLogger
}

func NewConsumer(url, origin string, cfg config.BrokerConfig, sink Sink, logger *zap.SugaredLogger) *Consumer {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Consumer{url: url, origin: origin, dialTimeout: timeout, sink: sink, logger: logger}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := dial(c.url, c.dialTimeout)
		if err != nil {
			c.logger.Warnw("dial broker failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warnw("consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.logger.Warnw("set QoS failed", "error", err)
	}
	if err := declareExchange(ch); err != nil {
		return err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", ExchangeName, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.logger.Infow("consuming seat changes", "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handle(ctx, d.Type, d.Body); err != nil {
				c.logger.Warnw("delivery rejected", "type", d.Type, "id", d.MessageId, "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msgType string, body []byte) error {
	events, err := DecodeDelivery(msgType, body)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if msgType == TypeSyncEvents && c.origin != "" && ev.Origin == c.origin {
			continue
		}
		if err := c.sink.Submit(ctx, ev); err != nil {
			return fmt.Errorf("submit %s: %w", ev.ID, err)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

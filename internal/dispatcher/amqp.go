package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"computeplane/pkg/cloudevent"
)

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPDispatcher publishes events to a durable topic exchange. The routing key
// is the event type, so consumers can bind to e.g. "compute.job.*".
type AMQPDispatcher struct {
	*queue
	exchange string
	url      string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
	dial func() (channel, error)
}

// NewAMQP connects to the broker and declares the exchange.
func NewAMQP(cfg Config, amqpURL, exchange string, metrics MetricsRecorder) (*AMQPDispatcher, error) {
	d := &AMQPDispatcher{exchange: exchange, url: amqpURL}
	d.dial = d.connect
	if _, err := d.channel(); err != nil {
		return nil, err
	}
	d.start(cfg, metrics)
	return d, nil
}

func (d *AMQPDispatcher) start(cfg Config, metrics MetricsRecorder) {
	logger := slog.With("component", "dispatcher", "backend", "amqp", "exchange", d.exchange)
	d.queue = newQueue(cfg, "amqp:"+d.exchange, d.publish, nil, metrics, logger)
}

func (d *AMQPDispatcher) connect() (channel, error) {
	conn, err := amqp.Dial(d.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(d.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", d.exchange, err)
	}
	d.conn = conn
	return ch, nil
}

// channel returns the open channel, reconnecting after a broker disconnect.
func (d *AMQPDispatcher) channel() (channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil && (d.conn == nil || !d.conn.IsClosed()) {
		return d.ch, nil
	}
	ch, err := d.dial()
	if err != nil {
		return nil, err
	}
	d.ch = ch
	return ch, nil
}

func (d *AMQPDispatcher) publish(ctx context.Context, event *cloudevent.CloudEvent) error {
	body, err := event.Marshal()
	if err != nil {
		return err
	}
	ch, err := d.channel()
	if err != nil {
		return err
	}
	headers := amqp.Table{}
	for name, v := range event.Attributes() {
		headers["cloudEvents:"+name] = v
	}
	err = ch.PublishWithContext(ctx, d.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  cloudevent.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.Time,
		Type:         event.Type,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		d.mu.Lock()
		d.ch = nil
		d.mu.Unlock()
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Close drains the queue and closes the broker connection.
func (d *AMQPDispatcher) Close(ctx context.Context) error {
	err := d.queue.Close(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil {
		d.ch.Close()
	}
	if d.conn != nil {
		d.conn.Close()
	}
	return err
}

var _ Dispatcher = (*AMQPDispatcher)(nil)

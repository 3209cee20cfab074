package message_broaker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	publishTimeout = 5 * time.Second
	// reports older than this are stale diagnostics
	reportTTL = time.Hour
)

type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	exchange   string
	routingKey string
}

var _ MessageBroker = (*RabbitMQ)(nil)

// NewRabbitMQ dials url and declares queue. With an empty exchange messages
// go through the default exchange, routed by queue name.
func NewRabbitMQ(url, exchange, queue, routingKey string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	r := &RabbitMQ{
		conn:       conn,
		channel:    ch,
		queueName:  queue,
		exchange:   exchange,
		routingKey: routingKey,
	}
	if err := r.declare(); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) declare() error {
	args := amqp.Table{"x-message-ttl": reportTTL.Milliseconds()}
	if _, err := r.channel.QueueDeclare(r.queueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", r.queueName, err)
	}

	if r.exchange == "" {
		r.routingKey = r.queueName
		return nil
	}

	if err := r.channel.ExchangeDeclare(r.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", r.exchange, err)
	}

	if r.routingKey == "" {
		r.routingKey = r.queueName
	}
	if err := r.channel.QueueBind(r.queueName, r.routingKey, r.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", r.queueName, err)
	}
	return nil
}

// Publish routes by the broker's configured routing key. A queue other than
// the declared one is addressed directly through the default exchange.
func (r *RabbitMQ) Publish(ctx context.Context, queue string, message []byte) error {
	exchange, key := r.exchange, r.routingKey
	if queue != "" && queue != r.queueName {
		exchange, key = "", queue
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return r.channel.PublishWithContext(
		ctx,
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         message,
		},
	)
}

// Consume registers a consumer on queue and forwards bodies until ctx is
// done, at which point the consumer is cancelled on the server.
func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan []byte, error) {
	tag := "txlock-" + uuid.NewString()
	deliveries, err := r.channel.Consume(queue, tag, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer r.channel.Cancel(tag, false)

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- d.Body:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}

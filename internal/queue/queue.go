package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"nightcrawl/internal/model"
)

// Client owns one broker connection and channel. Queues are declared
// non-durable to match the producing application; delivery
// acknowledgment is always manual.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &Client{conn: conn, ch: ch}, nil
}

func (c *Client) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Consume declares the queue, applies its prefetch limit, and returns
// the delivery stream. Messages must be acked or nacked explicitly.
func (c *Client) Consume(q model.Queue) (<-chan amqp.Delivery, error) {
	if _, err := c.ch.QueueDeclare(string(q), false, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("queue declare %s: %w", q, err)
	}
	if err := c.ch.Qos(q.Prefetch(), 0, false); err != nil {
		return nil, fmt.Errorf("qos %s: %w", q, err)
	}
	deliveries, err := c.ch.Consume(string(q), "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q, err)
	}
	return deliveries, nil
}

// Publish declares the queue and sends one JSON-encoded message.
func (c *Client) Publish(ctx context.Context, q model.Queue, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(string(q), false, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare %s: %w", q, err)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return c.ch.PublishWithContext(cctx,
		"",        // default exchange
		string(q), // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

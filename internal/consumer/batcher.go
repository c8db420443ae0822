package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"nightcrawl/internal/batch"
	"nightcrawl/internal/metrics"
	"nightcrawl/internal/model"
)

// Buffer is the accumulator surface the batch consumer feeds.
type Buffer interface {
	Add(requestID uuid.UUID, d batch.Delivery)
}

// BatcherConsumer feeds snapshot-ready requests into the batch
// accumulator. Acknowledgment is deferred: the accumulator acks or
// nacks each delivery when its flush settles.
type BatcherConsumer struct {
	Buffer Buffer
	Logger *slog.Logger
}

func (c *BatcherConsumer) Queue() model.Queue { return model.HTMLQueue }

func (c *BatcherConsumer) Handle(_ context.Context, d amqp.Delivery) {
	var msg model.QueuedHTML
	if err := json.Unmarshal(d.Body, &msg); err != nil || !msg.Valid() {
		c.Logger.Warn("dropping malformed batch message", "error", err)
		c.ack(d)
		return
	}
	id, err := uuid.Parse(msg.DBID)
	if err != nil {
		c.Logger.Warn("dropping batch message with bad request id", "db_id", msg.DBID)
		c.ack(d)
		return
	}
	c.Buffer.Add(id, d)
	metrics.RecordMessage(string(c.Queue()), "buffered")
}

func (c *BatcherConsumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.Logger.Error("ack failed", "queue", c.Queue(), "error", err)
		return
	}
	metrics.RecordMessage(string(c.Queue()), "dropped")
}

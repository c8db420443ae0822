package consumer

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"nightcrawl/internal/model"
	"nightcrawl/internal/queue"
)

// Handler processes deliveries from one queue. Implementations own the
// ack/nack decision for every delivery they receive.
type Handler interface {
	Queue() model.Queue
	Handle(ctx context.Context, d amqp.Delivery)
}

// Dispatcher fans queue deliveries out to their handlers, one consumer
// goroutine per queue, until the context is cancelled or the broker
// closes a delivery stream.
type Dispatcher struct {
	client   *queue.Client
	handlers []Handler
	logger   *slog.Logger
}

func NewDispatcher(client *queue.Client, logger *slog.Logger, handlers ...Handler) *Dispatcher {
	return &Dispatcher{client: client, handlers: handlers, logger: logger}
}

// Run blocks until ctx is done. Each handler gets its own consumer
// loop; a closed delivery channel ends only that loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, h := range d.handlers {
		deliveries, err := d.client.Consume(h.Queue())
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(h Handler, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			d.logger.Info("consumer started", "queue", h.Queue())
			for {
				select {
				case <-ctx.Done():
					d.logger.Info("consumer stopping", "queue", h.Queue())
					return
				case delivery, ok := <-deliveries:
					if !ok {
						d.logger.Warn("delivery stream closed", "queue", h.Queue())
						return
					}
					h.Handle(ctx, delivery)
				}
			}
		}(h, deliveries)
	}
	wg.Wait()
	return ctx.Err()
}

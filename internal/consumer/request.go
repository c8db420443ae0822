package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"nightcrawl/internal/metrics"
	"nightcrawl/internal/model"
	"nightcrawl/internal/store"
)

// Publisher sends one message to a queue.
type Publisher interface {
	Publish(ctx context.Context, q model.Queue, v any) error
}

// PromptFetcher retrieves the extraction prompt for a scrape request.
type PromptFetcher interface {
	FetchScrapePrompt(ctx context.Context, endpoint string) (ScrapePrompt, error)
}

// RequestStore is the store subset the intake consumer writes to.
type RequestStore interface {
	CreateRequest(ctx context.Context, p store.CreateRequestParams) (store.Request, error)
}

// RequestConsumer is the pipeline's intake stage: it resolves the
// prompt for each queued request, persists the request row, and hands
// it to the scrape stage.
type RequestConsumer struct {
	Store     RequestStore
	Prompts   PromptFetcher
	Publisher Publisher
	Logger    *slog.Logger
}

func (c *RequestConsumer) Queue() model.Queue { return model.RequestQueue }

func (c *RequestConsumer) Handle(ctx context.Context, d amqp.Delivery) {
	var msg model.QueuedRequest
	if err := json.Unmarshal(d.Body, &msg); err != nil || !msg.Valid() {
		c.Logger.Warn("dropping malformed request message", "error", err)
		c.ack(d, "dropped")
		return
	}

	prompt, err := c.Prompts.FetchScrapePrompt(ctx, msg.PromptEndpoint)
	if err != nil {
		// The prompt endpoint answered wrongly or not at all. Retrying
		// the same endpoint immediately would loop, so the message is
		// dropped and the producer re-enqueues on its own schedule.
		c.Logger.Error("prompt fetch failed, dropping request", "internal_id", msg.InternalID, "error", err)
		c.ack(d, "dropped")
		return
	}

	req, err := c.Store.CreateRequest(ctx, store.CreateRequestParams{
		InternalID:     msg.InternalID,
		URL:            msg.URL,
		PromptVersion:  msg.PromptVersion,
		Prompt:         prompt.Prompt,
		ResponseSchema: prompt.Schema,
		PromptEndpoint: msg.PromptEndpoint,
		ReturnEndpoint: msg.ReturnEndpoint,
	})
	if err != nil {
		c.Logger.Error("request insert failed, dropping", "internal_id", msg.InternalID, "error", err)
		c.ack(d, "dropped")
		return
	}

	if err := c.Publisher.Publish(ctx, model.ScraperQueue, model.QueuedRequestWithPrompt{DBID: req.ID.String()}); err != nil {
		// The row exists; a requeue would insert a duplicate on
		// redelivery. Dropped with the ids logged for manual replay.
		c.Logger.Error("scrape publish failed, dropping", "internal_id", msg.InternalID, "request_id", req.ID, "error", err)
		c.ack(d, "dropped")
		return
	}

	c.Logger.Info("request accepted", "internal_id", msg.InternalID, "request_id", req.ID)
	c.ack(d, "acked")
}

func (c *RequestConsumer) ack(d amqp.Delivery, outcome string) {
	if err := d.Ack(false); err != nil {
		c.Logger.Error("ack failed", "queue", c.Queue(), "error", err)
		return
	}
	metrics.RecordMessage(string(c.Queue()), outcome)
}

package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"nightcrawl/internal/fetcher"
	"nightcrawl/internal/metrics"
	"nightcrawl/internal/model"
	"nightcrawl/internal/store"
)

// PageFetcher renders a URL and returns its HTML.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// HTMLSanitizer reduces raw page HTML to the token-bounded form stored
// for extraction.
type HTMLSanitizer interface {
	Sanitize(rawHTML string) string
}

// ScrapeStore is the store subset the scrape stage reads and writes.
type ScrapeStore interface {
	GetRequestWithHTML(ctx context.Context, id uuid.UUID) (store.Request, error)
	CreateHTML(ctx context.Context, requestID uuid.UUID, html string) (store.HTML, error)
}

// ScraperConsumer renders the page for one persisted request, stores
// the sanitized snapshot, and hands the request to the batch stage.
type ScraperConsumer struct {
	Store     ScrapeStore
	Fetcher   PageFetcher
	Sanitizer HTMLSanitizer
	Publisher Publisher
	Logger    *slog.Logger
}

func (c *ScraperConsumer) Queue() model.Queue { return model.ScraperQueue }

func (c *ScraperConsumer) Handle(ctx context.Context, d amqp.Delivery) {
	var msg model.QueuedRequestWithPrompt
	if err := json.Unmarshal(d.Body, &msg); err != nil || !msg.Valid() {
		c.Logger.Warn("dropping malformed scrape message", "error", err)
		c.ack(d, "dropped")
		return
	}
	id, err := uuid.Parse(msg.DBID)
	if err != nil {
		c.Logger.Warn("dropping scrape message with bad request id", "db_id", msg.DBID)
		c.ack(d, "dropped")
		return
	}

	req, err := c.Store.GetRequestWithHTML(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		c.Logger.Warn("scrape message references missing request", "request_id", id)
		c.ack(d, "dropped")
		return
	}
	if err != nil {
		c.Logger.Error("request lookup failed, requeueing", "request_id", id, "error", err)
		c.nack(d)
		return
	}
	if req.HTML != nil {
		// Redelivered after a snapshot was already stored. Re-publish
		// downstream so the batch stage still hears about it.
		c.Logger.Warn("request already has a snapshot, re-publishing", "request_id", id)
		if err := c.Publisher.Publish(ctx, model.HTMLQueue, model.QueuedHTML{DBID: msg.DBID}); err != nil {
			c.nack(d)
			return
		}
		c.ack(d, "acked")
		return
	}

	rawHTML, err := c.Fetcher.Fetch(ctx, req.URL)
	if err != nil {
		var fe *fetcher.FetchError
		if errors.As(err, &fe) {
			// The page itself refused to render. Retrying the same URL
			// back to back will not change the answer.
			c.Logger.Error("page fetch failed, dropping", "request_id", id, "url", req.URL, "error", err)
			c.ack(d, "dropped")
			return
		}
		c.Logger.Error("fetch infrastructure failed, requeueing", "request_id", id, "error", err)
		c.nack(d)
		return
	}

	cleaned := c.Sanitizer.Sanitize(rawHTML)
	if cleaned == "" {
		c.Logger.Error("page sanitized to nothing, dropping", "request_id", id, "url", req.URL)
		c.ack(d, "dropped")
		return
	}

	if _, err := c.Store.CreateHTML(ctx, id, cleaned); err != nil {
		c.Logger.Error("snapshot insert failed, requeueing", "request_id", id, "error", err)
		c.nack(d)
		return
	}

	if err := c.Publisher.Publish(ctx, model.HTMLQueue, model.QueuedHTML{DBID: msg.DBID}); err != nil {
		c.Logger.Error("batch publish failed, requeueing", "request_id", id, "error", err)
		c.nack(d)
		return
	}

	c.Logger.Info("page scraped", "request_id", id, "url", req.URL, "html_bytes", len(cleaned))
	c.ack(d, "acked")
}

func (c *ScraperConsumer) ack(d amqp.Delivery, outcome string) {
	if err := d.Ack(false); err != nil {
		c.Logger.Error("ack failed", "queue", c.Queue(), "error", err)
		return
	}
	metrics.RecordMessage(string(c.Queue()), outcome)
}

func (c *ScraperConsumer) nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		c.Logger.Error("nack failed", "queue", c.Queue(), "error", err)
		return
	}
	metrics.RecordMessage(string(c.Queue()), "nacked")
}

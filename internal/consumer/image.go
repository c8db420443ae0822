package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"nightcrawl/internal/metrics"
	"nightcrawl/internal/model"
	"nightcrawl/internal/store"
)

// ImagePromptFetcher retrieves the rendering prompt for one entity.
type ImagePromptFetcher interface {
	FetchImagePrompt(ctx context.Context, endpoint, internalID string) (string, error)
	ReturnImage(ctx context.Context, endpoint, objectURL string) error
}

// ImageGenerator renders one image and returns its ephemeral URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, model, prompt string) (string, error)
}

// BlobUploader copies the generated image into durable storage.
type BlobUploader interface {
	UploadFromURL(ctx context.Context, srcURL, key string) (string, error)
}

// ImageConsumer runs the image sub-pipeline: fetch the rendering
// prompt, generate the image, persist it to object storage, and report
// the durable URL back to the producer.
type ImageConsumer struct {
	Store     RequestStore
	Endpoints ImagePromptFetcher
	Generator ImageGenerator
	Uploader  BlobUploader
	Model     string
	Logger    *slog.Logger
}

func (c *ImageConsumer) Queue() model.Queue { return model.ImageQueue }

func (c *ImageConsumer) Handle(ctx context.Context, d amqp.Delivery) {
	var msg model.QueuedImageRequest
	if err := json.Unmarshal(d.Body, &msg); err != nil || !msg.Valid() {
		c.Logger.Warn("dropping malformed image message", "error", err)
		c.ack(d, "dropped")
		return
	}

	prompt, err := c.Endpoints.FetchImagePrompt(ctx, msg.PromptEndpoint, msg.InternalID)
	if err != nil {
		c.Logger.Error("image prompt fetch failed, dropping", "internal_id", msg.InternalID, "error", err)
		c.ack(d, "dropped")
		return
	}

	if _, err := c.Store.CreateRequest(ctx, store.CreateRequestParams{
		InternalID:     msg.InternalID,
		URL:            msg.URL,
		PromptVersion:  msg.PromptVersion,
		Prompt:         prompt,
		PromptEndpoint: msg.PromptEndpoint,
		ReturnEndpoint: msg.ReturnEndpoint,
	}); err != nil {
		// A failing insert on the same payload fails on redelivery
		// too, so the message is dropped rather than looped.
		c.Logger.Error("image request insert failed, dropping", "internal_id", msg.InternalID, "error", err)
		c.ack(d, "dropped")
		return
	}

	imageURL, err := c.Generator.GenerateImage(ctx, c.Model, prompt)
	if err != nil {
		c.Logger.Error("image generation failed, requeueing", "internal_id", msg.InternalID, "error", err)
		c.nack(d)
		return
	}

	key := fmt.Sprintf("event-images/%s.png", msg.InternalID)
	objectURL, err := c.Uploader.UploadFromURL(ctx, imageURL, key)
	if err != nil {
		c.Logger.Error("image upload failed, requeueing", "internal_id", msg.InternalID, "error", err)
		c.nack(d)
		return
	}

	if err := c.Endpoints.ReturnImage(ctx, msg.ReturnEndpoint, objectURL); err != nil {
		// The image exists in storage; a redelivery regenerates it.
		// That cost is accepted over losing the callback.
		c.Logger.Error("image return callback failed, requeueing", "internal_id", msg.InternalID, "error", err)
		c.nack(d)
		return
	}

	metrics.RecordImageGenerated()
	c.Logger.Info("image generated", "internal_id", msg.InternalID, "key", key)
	c.ack(d, "acked")
}

func (c *ImageConsumer) ack(d amqp.Delivery, outcome string) {
	if err := d.Ack(false); err != nil {
		c.Logger.Error("ack failed", "queue", c.Queue(), "error", err)
		return
	}
	metrics.RecordMessage(string(c.Queue()), outcome)
}

func (c *ImageConsumer) nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		c.Logger.Error("nack failed", "queue", c.Queue(), "error", err)
		return
	}
	metrics.RecordMessage(string(c.Queue()), "nacked")
}

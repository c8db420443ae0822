package http

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"nightcrawl/internal/config"
	"nightcrawl/internal/model"
)

// createBatchAwaiterHandler registers a provider batch id for polling.
// A store failure still answers 200 with the error embedded, because
// the caller is the batcher's fire-and-forget notification and the
// batch itself already exists.
func createBatchAwaiterHandler(st RegistrarStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		batchID := c.Query("batchId")
		if batchID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Success: false,
				Code:    "INVALID_REQUEST",
				Error:   "Missing batchId",
			})
		}

		aw, err := st.CreateBatchAwaiter(c.Context(), batchID)
		if err != nil {
			return c.JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"success": true,
			"batchAwaiter": fiber.Map{
				"id":      aw.ID,
				"batchId": aw.BatchID,
				"status":  aw.BatchStatus,
			},
		})
	}
}

// batchAwaiterHandler polls every tracked batch once and materializes
// whatever completed output is pending.
func batchAwaiterHandler(rec Reconciler, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		results, err := rec.Reconcile(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Success: false,
				Code:    "INTERNAL_ERROR",
				Error:   err.Error(),
			})
		}

		materialized, err := rec.Materialize(c.Context())
		if err != nil {
			// Reconciliation already succeeded; report what it did and
			// carry the materialization error alongside.
			logger.Error("materialization failed", "error", err)
			return c.JSON(fiber.Map{
				"success": false,
				"batches": results,
				"error":   err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"success":      true,
			"batches":      results,
			"materialized": materialized,
		})
	}
}

// triggerHandler enqueues a scrape request for every club whose last
// scrape is older than the rescrape window.
func triggerHandler(cfg *config.Config, st RegistrarStore, pub Publisher, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		cutoff := time.Now().AddDate(0, 0, -cfg.Trigger.RescrapeAfterDays)
		clubs, err := st.ListClubsDueForScrape(c.Context(), cutoff)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Success: false,
				Code:    "INTERNAL_ERROR",
				Error:   err.Error(),
			})
		}

		queued := make([]string, 0, len(clubs))
		for _, club := range clubs {
			msg := model.QueuedRequest{
				InternalID:     club.ID,
				URL:            club.URL,
				PromptVersion:  cfg.Trigger.PromptVersion,
				PromptEndpoint: cfg.Trigger.PromptEndpoint,
				ReturnEndpoint: cfg.Trigger.ReturnEndpoint,
			}
			if err := pub.Publish(c.Context(), model.RequestQueue, msg); err != nil {
				logger.Error("trigger publish failed", "club_id", club.ID, "error", err)
				continue
			}
			queued = append(queued, club.ID)
		}

		if len(queued) > 0 {
			if err := st.TouchClubsLastScraped(c.Context(), queued); err != nil {
				logger.Error("failed to stamp last scrape time", "clubs", len(queued), "error", err)
			}
		}

		return c.JSON(fiber.Map{
			"success": true,
			"due":     len(clubs),
			"queued":  len(queued),
		})
	}
}

// promptHandler serves the configured extraction prompt and response
// schema in the shape the intake consumer expects.
func promptHandler(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var schema json.RawMessage
		if cfg.Prompt.Schema != "" {
			schema = json.RawMessage(cfg.Prompt.Schema)
		}
		return c.JSON(fiber.Map{
			"prompt": cfg.Prompt.Text,
			"zod":    schema,
		})
	}
}

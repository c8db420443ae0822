package http

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"nightcrawl/internal/awaiter"
	"nightcrawl/internal/config"
	"nightcrawl/internal/metrics"
	"nightcrawl/internal/model"
	"nightcrawl/internal/store"
)

// RegistrarStore is the persistence subset the registrar routes need.
type RegistrarStore interface {
	CreateBatchAwaiter(ctx context.Context, batchID string) (store.BatchAwaiter, error)
	ListClubsDueForScrape(ctx context.Context, cutoff time.Time) ([]store.Club, error)
	TouchClubsLastScraped(ctx context.Context, ids []string) error
}

// Reconciler drives batch polling and response materialization.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]awaiter.BatchResult, error)
	Materialize(ctx context.Context) (int, error)
}

// Publisher enqueues scrape requests for clubs due a refresh.
type Publisher interface {
	Publish(ctx context.Context, q model.Queue, v any) error
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

func NewServer(cfg *config.Config, st RegistrarStore, rec Reconciler, pub Publisher, db *sql.DB, logger *slog.Logger) *Server {
	app := fiber.New()

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}

		return err
	})

	// Redis client for rate limiting and health checks
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		if opt, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			rdb = redis.NewClient(opt)
		}
	}

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check DB and Redis connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "disabled"
		if db != nil {
			dbStatus = "ok"
			if err := db.PingContext(ctx); err != nil {
				dbStatus = "error"
			}
		}

		redisStatus := "disabled"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		if dbStatus == "error" || redisStatus == "error" {
			status = "error"
		}

		return c.JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	scraper := app.Group("/api/scraper", secretMiddleware(cfg.Registrar.Secret))
	scraper.Get("/createBatchAwaiter", createBatchAwaiterHandler(st))
	scraper.Get("/batchAwaiter", batchAwaiterHandler(rec, logger))
	scraper.Get("/trigger",
		rateLimitMiddleware(rdb, "trigger", cfg.Trigger.RatePerMinute),
		triggerHandler(cfg, st, pub, logger))
	scraper.Get("/prompt", promptHandler(cfg))

	return &Server{
		app:    app,
		config: cfg,
		logger: logger,
	}
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}

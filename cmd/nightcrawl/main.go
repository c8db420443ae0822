package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"nightcrawl/internal/awaiter"
	"nightcrawl/internal/batch"
	"nightcrawl/internal/blob"
	"nightcrawl/internal/config"
	"nightcrawl/internal/consumer"
	"nightcrawl/internal/fetcher"
	server "nightcrawl/internal/http"
	"nightcrawl/internal/migrate"
	"nightcrawl/internal/openai"
	"nightcrawl/internal/queue"
	"nightcrawl/internal/sanitize"
	"nightcrawl/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: registrar|request|scraper|batcher|image|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := store.New(db)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	qc, err := queue.Dial(cfg.Queue.URL)
	if err != nil {
		log.Fatalf("queue dial failed: %v", err)
	}
	defer qc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ai := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, time.Duration(cfg.OpenAI.TimeoutMs)*time.Millisecond)

	var handlers []consumer.Handler
	var flushOnExit func(context.Context)

	wantsRole := func(r string) bool { return *role == r || *role == "all" }

	if wantsRole("request") {
		handlers = append(handlers, &consumer.RequestConsumer{
			Store:     st,
			Prompts:   consumer.NewEndpointClient(cfg.Registrar.Secret),
			Publisher: qc,
			Logger:    logger,
		})
	}

	if wantsRole("scraper") {
		f, err := fetcher.New(fetcher.Options{
			BrowserURL:    cfg.Scraper.BrowserURL,
			UserAgent:     cfg.Scraper.UserAgent,
			Timeout:       time.Duration(cfg.Scraper.NavigationTimeoutMs) * time.Millisecond,
			RespectRobots: cfg.Robots.Respect,
		}, logger)
		if err != nil {
			log.Fatalf("fetcher init failed: %v", err)
		}
		defer f.Close()

		san, err := sanitize.New(cfg.Sanitizer.MaxTokens)
		if err != nil {
			log.Fatalf("sanitizer init failed: %v", err)
		}

		handlers = append(handlers, &consumer.ScraperConsumer{
			Store:     st,
			Fetcher:   f,
			Sanitizer: san,
			Publisher: qc,
			Logger:    logger,
		})
	}

	if wantsRole("batcher") {
		var submitter batch.Submitter
		var notifier batch.Notifier
		if cfg.Batcher.Direct {
			submitter = &batch.DirectSubmitter{Client: ai, Model: cfg.OpenAI.Model, Responses: st}
			notifier = batch.NoopNotifier{}
		} else {
			submitter = &batch.APISubmitter{Client: ai, Model: cfg.OpenAI.Model, CompletionWindow: cfg.OpenAI.CompletionWindow}
			notifier = batch.NewRegistrarNotifier(cfg.Registrar.BaseURL, cfg.Registrar.Secret)
		}

		acc := batch.NewAccumulator(st, submitter, notifier,
			cfg.Batcher.MaxPending, time.Duration(cfg.Batcher.DebounceMs)*time.Millisecond, logger)
		flushOnExit = acc.Flush

		handlers = append(handlers, &consumer.BatcherConsumer{Buffer: acc, Logger: logger})
	}

	if wantsRole("image") {
		uploader, err := blob.NewUploader(ctx, cfg.S3)
		if err != nil {
			log.Fatalf("uploader init failed: %v", err)
		}

		handlers = append(handlers, &consumer.ImageConsumer{
			Store:     st,
			Endpoints: consumer.NewEndpointClient(cfg.Registrar.Secret),
			Generator: ai,
			Uploader:  uploader,
			Model:     cfg.OpenAI.ImageModel,
			Logger:    logger,
		})
	}

	errCh := make(chan error, 2)

	if wantsRole("registrar") {
		aw := awaiter.New(st, ai, cfg.Awaiter.EventYearFloor, int32(cfg.Awaiter.MaxOutputFilePolls), logger)
		s := server.NewServer(cfg, st, aw, qc, db, logger)
		go func() { errCh <- s.Listen() }()
		go func() {
			<-ctx.Done()
			_ = s.Shutdown()
		}()
	}

	if len(handlers) > 0 {
		dispatcher := consumer.NewDispatcher(qc, logger, handlers...)
		go func() { errCh <- dispatcher.Run(ctx) }()
	} else if *role != "registrar" && *role != "all" {
		log.Fatalf("invalid role: %s (expected registrar|request|scraper|batcher|image|all)", *role)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("process failed", "error", err)
		}
	}

	if flushOnExit != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		flushOnExit(flushCtx)
	}
}

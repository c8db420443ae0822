package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"nightcrawl/internal/metrics"
	"nightcrawl/internal/store"
)

// ErrNothingToBatch signals a flush that found no batchable request
// among the pending ids. It normally means the messages were
// redelivered duplicates whose requests are already batched.
var ErrNothingToBatch = errors.New("no batchable requests among pending ids")

// Delivery is the acknowledgeable subset of a broker delivery.
type Delivery interface {
	Ack(multiple bool) error
	Nack(multiple bool, requeue bool) error
}

// ReadyStore is the store subset the accumulator coordinates through.
// The batch_id IS NULL filter inside GetAllReadyToBatch is the
// idempotency contract under at-least-once delivery.
type ReadyStore interface {
	GetAllReadyToBatch(ctx context.Context, ids []uuid.UUID) ([]store.Request, error)
	SetBatchID(ctx context.Context, ids []uuid.UUID, batchID string) error
}

// Submitter turns a set of ready requests into one submitted job.
type Submitter interface {
	Submit(ctx context.Context, requests []store.Request) (string, error)
}

// Notifier tells the batch registrar about a newly created batch.
// Notification is fire-and-forget: errors are logged, never retried.
type Notifier interface {
	BatchCreated(ctx context.Context, batchID string) error
}

type pendingItem struct {
	requestID uuid.UUID
	delivery  Delivery
}

// Accumulator is the debounced batching state machine: an ordered
// pending list plus one deferred-flush timer. A flush fires when the
// list reaches maxPending entries or when no message has arrived for
// one debounce window, whichever comes first. All mutation funnels
// through Add and the timer callback under one mutex.
type Accumulator struct {
	store    ReadyStore
	submit   Submitter
	notifier Notifier
	logger   *slog.Logger

	maxPending int
	window     time.Duration

	mu      sync.Mutex
	pending []pendingItem
	timer   *time.Timer
	// timerGen invalidates debounce callbacks that fired after their
	// timer was stopped or re-armed but before they took the mutex.
	timerGen uint64
}

func NewAccumulator(st ReadyStore, submit Submitter, notifier Notifier, maxPending int, window time.Duration, logger *slog.Logger) *Accumulator {
	return &Accumulator{
		store:      st,
		submit:     submit,
		notifier:   notifier,
		logger:     logger,
		maxPending: maxPending,
		window:     window,
	}
}

// Add appends one delivery to the pending list and re-arms the
// debounce timer. Reaching the size threshold flushes immediately.
func (a *Accumulator) Add(requestID uuid.UUID, d Delivery) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = append(a.pending, pendingItem{requestID: requestID, delivery: d})

	if len(a.pending) >= a.maxPending {
		a.stopTimerLocked()
		a.flushLocked(context.Background(), "size")
		return
	}
	a.resetTimerLocked()
}

// Flush forces a flush of whatever is pending. Used on shutdown so
// buffered deliveries are not stranded until redelivery.
func (a *Accumulator) Flush(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimerLocked()
	a.flushLocked(ctx, "shutdown")
}

// Len reports the number of pending deliveries.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Accumulator) onTimer(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.timerGen {
		// Stale callback: the timer it belongs to was stopped or
		// re-armed while this goroutine waited for the mutex.
		return
	}
	a.flushLocked(context.Background(), "debounce")
}

func (a *Accumulator) resetTimerLocked() {
	a.stopTimerLocked()
	gen := a.timerGen
	a.timer = time.AfterFunc(a.window, func() { a.onTimer(gen) })
}

func (a *Accumulator) stopTimerLocked() {
	a.timerGen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Accumulator) flushLocked(ctx context.Context, trigger string) {
	if len(a.pending) == 0 {
		return
	}

	ids := make([]uuid.UUID, 0, len(a.pending))
	for _, p := range a.pending {
		ids = append(ids, p.requestID)
	}

	ready, err := a.store.GetAllReadyToBatch(ctx, ids)
	if err != nil {
		a.failLocked(err)
		return
	}

	if len(ready) == 0 {
		// Every pending request was already batched. Duplicate
		// deliveries are expected under at-least-once, a full flush of
		// them is not.
		a.logger.Error("flush found nothing to batch, dropping duplicates",
			"error", ErrNothingToBatch, "pending", len(a.pending), "trigger", trigger)
		for _, p := range a.pending {
			if err := p.delivery.Ack(false); err != nil {
				a.logger.Error("ack failed", "request_id", p.requestID, "error", err)
			}
		}
		a.clearLocked()
		return
	}

	batchID, err := a.submit.Submit(ctx, ready)
	if err != nil {
		a.failLocked(err)
		return
	}

	readyIDs := make([]uuid.UUID, 0, len(ready))
	for _, r := range ready {
		readyIDs = append(readyIDs, r.ID)
	}
	if err := a.store.SetBatchID(ctx, readyIDs, batchID); err != nil {
		// The job exists at the provider; losing the stamp risks a
		// duplicate batch on redelivery, so this is logged loudly but
		// the flush still completes.
		a.logger.Error("failed to stamp batch id on requests", "batch_id", batchID, "error", err)
	}

	if err := a.notifier.BatchCreated(ctx, batchID); err != nil {
		a.logger.Error("batch registrar notification failed", "batch_id", batchID, "error", err)
	}

	for _, p := range a.pending {
		if err := p.delivery.Ack(false); err != nil {
			a.logger.Error("ack failed", "request_id", p.requestID, "error", err)
		}
	}
	a.logger.Info("batch flushed",
		"batch_id", batchID, "requests", len(ready), "pending", len(a.pending), "trigger", trigger)
	metrics.RecordBatchFlush(trigger, len(ready))
	a.clearLocked()
}

// failLocked handles a flush that failed before acknowledgment: every
// pending delivery is nacked with requeue so the broker redelivers,
// and local state is cleared so it cannot diverge from the broker. The
// ready-to-batch filter makes the redelivered duplicates harmless.
func (a *Accumulator) failLocked(err error) {
	a.logger.Error("flush failed, requeueing pending deliveries", "pending", len(a.pending), "error", err)
	for _, p := range a.pending {
		if nerr := p.delivery.Nack(false, true); nerr != nil {
			a.logger.Error("nack failed", "request_id", p.requestID, "error", nerr)
		}
	}
	a.clearLocked()
}

func (a *Accumulator) clearLocked() {
	a.pending = a.pending[:0]
	a.stopTimerLocked()
}

package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"nightcrawl/internal/store"
)

type fakeDelivery struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeDelivery) Ack(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeDelivery) Nack(_ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeDelivery) state() (acked, nacked, requeue bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked, f.nacked, f.requeue
}

type fakeReadyStore struct {
	mu      sync.Mutex
	ready   map[uuid.UUID]store.Request
	failGet bool
	stamped map[uuid.UUID]string
}

func newFakeReadyStore() *fakeReadyStore {
	return &fakeReadyStore{
		ready:   make(map[uuid.UUID]store.Request),
		stamped: make(map[uuid.UUID]string),
	}
}

func (f *fakeReadyStore) addReady(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready[id] = store.Request{ID: id, HTML: &store.HTML{HTML: "<p>x</p>"}}
}

func (f *fakeReadyStore) GetAllReadyToBatch(_ context.Context, ids []uuid.UUID) ([]store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, fmt.Errorf("query refused")
	}
	var out []store.Request
	for _, id := range ids {
		if r, ok := f.ready[id]; ok {
			if _, batched := f.stamped[id]; !batched {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeReadyStore) SetBatchID(_ context.Context, ids []uuid.UUID, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.stamped[id] = batchID
	}
	return nil
}

type fakeSubmitter struct {
	mu      sync.Mutex
	flushes [][]uuid.UUID
	fail    bool
}

func (f *fakeSubmitter) Submit(_ context.Context, requests []store.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("submit refused")
	}
	ids := make([]uuid.UUID, 0, len(requests))
	for _, r := range requests {
		ids = append(ids, r.ID)
	}
	f.flushes = append(f.flushes, ids)
	return fmt.Sprintf("batch_%d", len(f.flushes)), nil
}

func (f *fakeSubmitter) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushes)
}

type recordingNotifier struct {
	mu       sync.Mutex
	batchIDs []string
}

func (n *recordingNotifier) BatchCreated(_ context.Context, batchID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batchIDs = append(n.batchIDs, batchID)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, nil))
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAccumulatorFlushesAtSizeThreshold(t *testing.T) {
	st := newFakeReadyStore()
	sub := &fakeSubmitter{}
	notif := &recordingNotifier{}
	acc := NewAccumulator(st, sub, notif, 3, time.Hour, discard())

	deliveries := make([]*fakeDelivery, 3)
	for i := range deliveries {
		id := uuid.New()
		st.addReady(id)
		deliveries[i] = &fakeDelivery{}
		acc.Add(id, deliveries[i])
	}

	if sub.flushCount() != 1 {
		t.Fatalf("expected one flush at threshold, got %d", sub.flushCount())
	}
	if got := len(sub.flushes[0]); got != 3 {
		t.Fatalf("expected all three requests submitted, got %d", got)
	}
	for i, d := range deliveries {
		if acked, _, _ := d.state(); !acked {
			t.Fatalf("delivery %d not acked after flush", i)
		}
	}
	if len(notif.batchIDs) != 1 {
		t.Fatalf("expected registrar notified once, got %v", notif.batchIDs)
	}
	if acc.Len() != 0 {
		t.Fatalf("expected pending cleared, got %d", acc.Len())
	}
}

func TestAccumulatorFlushesOnDebounce(t *testing.T) {
	st := newFakeReadyStore()
	sub := &fakeSubmitter{}
	acc := NewAccumulator(st, sub, &recordingNotifier{}, 10, 20*time.Millisecond, discard())

	id := uuid.New()
	st.addReady(id)
	d := &fakeDelivery{}
	acc.Add(id, d)

	if sub.flushCount() != 0 {
		t.Fatal("flush must wait for the debounce window")
	}

	deadline := time.Now().Add(2 * time.Second)
	for sub.flushCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.flushCount() != 1 {
		t.Fatalf("expected debounce flush, got %d", sub.flushCount())
	}
	if acked, _, _ := d.state(); !acked {
		t.Fatal("delivery not acked after debounce flush")
	}
}

func TestAccumulatorStaleDebounceCallbackDoesNotFlush(t *testing.T) {
	st := newFakeReadyStore()
	sub := &fakeSubmitter{}
	acc := NewAccumulator(st, sub, &recordingNotifier{}, 10, time.Hour, discard())

	first := uuid.New()
	st.addReady(first)
	acc.Add(first, &fakeDelivery{})

	acc.mu.Lock()
	staleGen := acc.timerGen
	acc.mu.Unlock()

	// The second Add re-arms the timer, so the quiet window restarts.
	second := uuid.New()
	st.addReady(second)
	acc.Add(second, &fakeDelivery{})

	// The superseded callback may still fire; it must not cut the new
	// window short.
	acc.onTimer(staleGen)
	if sub.flushCount() != 0 {
		t.Fatal("a superseded debounce callback must not flush")
	}

	acc.mu.Lock()
	liveGen := acc.timerGen
	acc.mu.Unlock()
	acc.onTimer(liveGen)
	if sub.flushCount() != 1 {
		t.Fatalf("expected the live debounce callback to flush, got %d", sub.flushCount())
	}
	if got := len(sub.flushes[0]); got != 2 {
		t.Fatalf("expected both requests in the flush, got %d", got)
	}
}

func TestAccumulatorAcksDuplicatesWhenNothingReady(t *testing.T) {
	st := newFakeReadyStore()
	sub := &fakeSubmitter{}
	acc := NewAccumulator(st, sub, &recordingNotifier{}, 10, time.Hour, discard())

	// Requests already stamped with a batch id: redelivered duplicates.
	id := uuid.New()
	st.addReady(id)
	st.SetBatchID(context.Background(), []uuid.UUID{id}, "batch_old")

	d := &fakeDelivery{}
	acc.Add(id, d)
	acc.Flush(context.Background())

	if sub.flushCount() != 0 {
		t.Fatal("nothing ready must not submit a batch")
	}
	if acked, nacked, _ := d.state(); !acked || nacked {
		t.Fatal("duplicate delivery must be acked away, not requeued")
	}
}

func TestAccumulatorRequeuesOnFlushFailure(t *testing.T) {
	st := newFakeReadyStore()
	sub := &fakeSubmitter{fail: true}
	acc := NewAccumulator(st, sub, &recordingNotifier{}, 10, time.Hour, discard())

	id := uuid.New()
	st.addReady(id)
	d := &fakeDelivery{}
	acc.Add(id, d)
	acc.Flush(context.Background())

	if _, nacked, requeue := d.state(); !nacked || !requeue {
		t.Fatal("flush failure must nack with requeue")
	}
	if acc.Len() != 0 {
		t.Fatal("failed flush must clear local state")
	}
}

func TestAccumulatorStoreFailureRequeues(t *testing.T) {
	st := newFakeReadyStore()
	st.failGet = true
	acc := NewAccumulator(st, &fakeSubmitter{}, &recordingNotifier{}, 10, time.Hour, discard())

	d := &fakeDelivery{}
	acc.Add(uuid.New(), d)
	acc.Flush(context.Background())

	if _, nacked, requeue := d.state(); !nacked || !requeue {
		t.Fatal("store failure must nack with requeue")
	}
}

func TestAccumulatorEmptyFlushIsNoop(t *testing.T) {
	sub := &fakeSubmitter{}
	acc := NewAccumulator(newFakeReadyStore(), sub, &recordingNotifier{}, 10, time.Hour, discard())

	acc.Flush(context.Background())
	if sub.flushCount() != 0 {
		t.Fatal("empty flush must not submit")
	}
}

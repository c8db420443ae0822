package awaiter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"nightcrawl/internal/openai"
	"nightcrawl/internal/store"
)

type fakeStore struct {
	awaiters   []store.BatchAwaiter
	pending    []store.GptResponse
	clubs      map[string]store.Club
	failInsert bool

	statusUpdates map[uuid.UUID]string
	polls         map[uuid.UUID]int32
	insertedLines []json.RawMessage
	events        []store.EventParams
	invalid       []uuid.UUID
	inserted      []uuid.UUID
	furthest      map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clubs:         make(map[string]store.Club),
		statusUpdates: make(map[uuid.UUID]string),
		polls:         make(map[uuid.UUID]int32),
		furthest:      make(map[string]time.Time),
	}
}

func (f *fakeStore) ListBatchAwaitersByStatus(_ context.Context, status string) ([]store.BatchAwaiter, error) {
	var out []store.BatchAwaiter
	for _, a := range f.awaiters {
		if a.BatchStatus == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateBatchStatus(_ context.Context, id uuid.UUID, status string) error {
	f.statusUpdates[id] = status
	return nil
}

func (f *fakeStore) IncrementOutputFilePolls(_ context.Context, id uuid.UUID) (int32, error) {
	f.polls[id]++
	return f.polls[id], nil
}

func (f *fakeStore) InsertGptResponses(_ context.Context, lines []json.RawMessage) (int, error) {
	f.insertedLines = append(f.insertedLines, lines...)
	return len(lines), nil
}

func (f *fakeStore) ListPendingGptResponses(context.Context) ([]store.GptResponse, error) {
	return f.pending, nil
}

func (f *fakeStore) MarkGptResponseInvalid(_ context.Context, id uuid.UUID) error {
	f.invalid = append(f.invalid, id)
	return nil
}

func (f *fakeStore) MarkGptResponseInserted(_ context.Context, id uuid.UUID) error {
	f.inserted = append(f.inserted, id)
	return nil
}

func (f *fakeStore) GetClub(_ context.Context, id string) (store.Club, error) {
	c, ok := f.clubs[id]
	if !ok {
		return store.Club{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) InsertEvent(_ context.Context, _ string, p store.EventParams) error {
	if f.failInsert {
		return fmt.Errorf("insert refused")
	}
	f.events = append(f.events, p)
	return nil
}

func (f *fakeStore) UpdateClubFurthestEventDate(_ context.Context, clubID string, d time.Time) error {
	f.furthest[clubID] = d
	return nil
}

type fakeBatchClient struct {
	batches map[string]openai.Batch
	files   map[string][]byte
}

func (f *fakeBatchClient) RetrieveBatch(_ context.Context, batchID string) (openai.Batch, error) {
	b, ok := f.batches[batchID]
	if !ok {
		return openai.Batch{}, openai.ErrNotFound
	}
	return b, nil
}

func (f *fakeBatchClient) FileContent(_ context.Context, fileID string) ([]byte, error) {
	data, ok := f.files[fileID]
	if !ok {
		return nil, openai.ErrNotFound
	}
	return data, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, nil))
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func outputLineJSON(customID, content string) json.RawMessage {
	line := map[string]any{
		"custom_id": customID,
		"response": map[string]any{
			"body": map[string]any{
				"choices": []any{
					map[string]any{"message": map[string]any{"content": content}},
				},
			},
		},
	}
	data, _ := json.Marshal(line)
	return data
}

func TestReconcileCompletedStoresOutput(t *testing.T) {
	st := newFakeStore()
	id := uuid.New()
	st.awaiters = []store.BatchAwaiter{{ID: id, BatchID: "batch_1", BatchStatus: openai.BatchInProgress}}

	client := &fakeBatchClient{
		batches: map[string]openai.Batch{
			"batch_1": {ID: "batch_1", Status: openai.BatchCompleted, OutputFileID: "file_1"},
		},
		files: map[string][]byte{
			"file_1": []byte(string(outputLineJSON("club-a", "[]")) + "\n" + string(outputLineJSON("club-b", "[]")) + "\n"),
		},
	}

	a := New(st, client, 2025, 5, discard())
	results, err := a.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(results) != 1 || results[0].Status != openai.BatchCompleted {
		t.Fatalf("expected one completed result, got %+v", results)
	}
	if results[0].Stored != 2 || len(st.insertedLines) != 2 {
		t.Fatalf("expected two stored lines, got %d (%d in store)", results[0].Stored, len(st.insertedLines))
	}
	if st.statusUpdates[id] != openai.BatchCompleted {
		t.Fatalf("expected awaiter marked completed, got %q", st.statusUpdates[id])
	}
}

func TestReconcileUnknownBatchFails(t *testing.T) {
	st := newFakeStore()
	id := uuid.New()
	st.awaiters = []store.BatchAwaiter{{ID: id, BatchID: "gone", BatchStatus: openai.BatchInProgress}}

	a := New(st, &fakeBatchClient{batches: map[string]openai.Batch{}}, 2025, 5, discard())
	results, err := a.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if results[0].Status != openai.BatchFailed || st.statusUpdates[id] != openai.BatchFailed {
		t.Fatalf("expected unknown batch marked failed, got %+v", results[0])
	}
}

func TestReconcileTransientStatusIsLeftAlone(t *testing.T) {
	st := newFakeStore()
	id := uuid.New()
	st.awaiters = []store.BatchAwaiter{{ID: id, BatchID: "batch_1", BatchStatus: openai.BatchInProgress}}

	a := New(st, &fakeBatchClient{batches: map[string]openai.Batch{
		"batch_1": {ID: "batch_1", Status: openai.BatchValidating},
	}}, 2025, 5, discard())

	results, _ := a.Reconcile(context.Background())
	if results[0].Status != openai.BatchValidating {
		t.Fatalf("expected validating passthrough, got %+v", results[0])
	}
	if _, updated := st.statusUpdates[id]; updated {
		t.Fatal("transient status must not be persisted")
	}
}

func TestReconcileMissingOutputFileGivesUpAfterBound(t *testing.T) {
	st := newFakeStore()
	id := uuid.New()
	st.awaiters = []store.BatchAwaiter{{ID: id, BatchID: "batch_1", BatchStatus: openai.BatchInProgress}}

	client := &fakeBatchClient{batches: map[string]openai.Batch{
		"batch_1": {ID: "batch_1", Status: openai.BatchCompleted},
	}}
	a := New(st, client, 2025, 2, discard())

	results, _ := a.Reconcile(context.Background())
	if results[0].Status != openai.BatchInProgress {
		t.Fatalf("first poll without output file should stay in progress, got %+v", results[0])
	}

	results, _ = a.Reconcile(context.Background())
	if results[0].Status != openai.BatchFailed || st.statusUpdates[id] != openai.BatchFailed {
		t.Fatalf("expected failure after poll bound, got %+v", results[0])
	}
}

func TestParseEventsShapes(t *testing.T) {
	array := `[{"eventName":"A","eventDate":"2026-01-01"},{"eventName":"B","eventDate":"2026-01-02"}]`
	events, err := parseEvents(array)
	if err != nil || len(events) != 2 {
		t.Fatalf("array shape: got %d events, err %v", len(events), err)
	}

	single := `{"eventName":"Solo","eventDate":"2026-03-03"}`
	events, err = parseEvents(single)
	if err != nil || len(events) != 1 || events[0].EventName != "Solo" {
		t.Fatalf("single shape: got %+v, err %v", events, err)
	}

	wrapped := `{"events":[{"eventName":"W","eventDate":"2026-04-04"}]}`
	events, err = parseEvents(wrapped)
	if err != nil || len(events) != 1 || events[0].EventName != "W" {
		t.Fatalf("wrapped shape: got %+v, err %v", events, err)
	}

	if _, err := parseEvents(`{"unrelated":true}`); err == nil {
		t.Fatal("expected unrecognizable payload to be rejected")
	}
}

func TestNormalizeDateYearFloor(t *testing.T) {
	a := New(newFakeStore(), &fakeBatchClient{}, 2025, 5, discard())

	if got := a.normalizeDate("2019-06-15"); got != "2025-06-15" {
		t.Fatalf("expected stale year bumped to floor, got %q", got)
	}
	if got := a.normalizeDate("2026-06-15"); got != "2026-06-15" {
		t.Fatalf("expected future date untouched, got %q", got)
	}
	if got := a.normalizeDate("2026-06-15T21:00:00"); got != "2026-06-15" {
		t.Fatalf("expected timestamp trimmed to date, got %q", got)
	}
	if got := a.normalizeDate("soon"); got != "" {
		t.Fatalf("expected junk date rejected, got %q", got)
	}
}

func TestMaterializeInsertsEventsAndTracksFurthestDate(t *testing.T) {
	st := newFakeStore()
	st.clubs["club-a"] = store.Club{ID: "club-a", Name: "Club A", City: "Berlin", URL: "https://club-a.example"}

	content := `[{"eventName":"Opening","eventDate":"2026-02-01"},{"eventName":"Closing","eventDate":"2026-05-01"}]`
	st.pending = []store.GptResponse{{ID: uuid.New(), Response: outputLineJSON("club-a", content)}}

	a := New(st, &fakeBatchClient{}, 2025, 5, discard())
	n, err := a.Materialize(context.Background())
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if n != 2 || len(st.events) != 2 {
		t.Fatalf("expected two events, got %d (%d stored)", n, len(st.events))
	}
	if st.events[0].City != "Berlin" || st.events[0].ClubName != "Club A" {
		t.Fatalf("expected club fields copied onto event, got %+v", st.events[0])
	}
	if len(st.inserted) != 1 {
		t.Fatalf("expected response marked inserted, got %d", len(st.inserted))
	}
	want := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if !st.furthest["club-a"].Equal(want) {
		t.Fatalf("expected furthest date %s, got %s", want, st.furthest["club-a"])
	}
}

func TestMaterializeMarksEmptyResponseInvalid(t *testing.T) {
	st := newFakeStore()
	st.clubs["club-a"] = store.Club{ID: "club-a"}
	st.pending = []store.GptResponse{{ID: uuid.New(), Response: outputLineJSON("club-a", "[]")}}

	a := New(st, &fakeBatchClient{}, 2025, 5, discard())
	if _, err := a.Materialize(context.Background()); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(st.invalid) != 1 {
		t.Fatalf("expected empty response marked invalid, got %d", len(st.invalid))
	}
}

func TestMaterializeRetiresResponseWhenAllInsertsFail(t *testing.T) {
	st := newFakeStore()
	st.clubs["club-a"] = store.Club{ID: "club-a", Name: "Club A"}
	st.failInsert = true
	content := `[{"eventName":"Opening","eventDate":"2026-02-01"}]`
	st.pending = []store.GptResponse{{ID: uuid.New(), Response: outputLineJSON("club-a", content)}}

	a := New(st, &fakeBatchClient{}, 2025, 5, discard())
	n, err := a.Materialize(context.Background())
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no events stored, got %d", n)
	}
	// The events were extractable; invalid is reserved for responses
	// that yield none at all.
	if len(st.invalid) != 0 {
		t.Fatal("failed inserts must not mark the response invalid")
	}
	if len(st.inserted) != 1 {
		t.Fatalf("expected response retired as inserted, got %d", len(st.inserted))
	}
}

func TestMaterializeDefersUnknownClub(t *testing.T) {
	st := newFakeStore()
	st.pending = []store.GptResponse{{ID: uuid.New(), Response: outputLineJSON("nobody", `[{"eventName":"X","eventDate":"2026-01-01"}]`)}}

	a := New(st, &fakeBatchClient{}, 2025, 5, discard())
	if _, err := a.Materialize(context.Background()); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(st.invalid) != 0 || len(st.inserted) != 0 {
		t.Fatal("response for unknown club must stay pending")
	}
}

func TestMaterializeMarksProviderErrorInvalid(t *testing.T) {
	st := newFakeStore()
	line := json.RawMessage(`{"custom_id":"club-a","error":{"code":"rate_limited"},"response":{"body":{"choices":[]}}}`)
	st.pending = []store.GptResponse{{ID: uuid.New(), Response: line}}

	a := New(st, &fakeBatchClient{}, 2025, 5, discard())
	if _, err := a.Materialize(context.Background()); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(st.invalid) != 1 {
		t.Fatalf("expected errored response marked invalid, got %d", len(st.invalid))
	}
}

func TestMaterializeToleratesSingleBadRow(t *testing.T) {
	st := newFakeStore()
	st.clubs["club-a"] = store.Club{ID: "club-a", Name: "Club A"}
	content := `[{"eventName":"Good","eventDate":"2026-02-01"},{"eventName":"NoDate","eventDate":""}]`
	st.pending = []store.GptResponse{{ID: uuid.New(), Response: outputLineJSON("club-a", content)}}

	a := New(st, &fakeBatchClient{}, 2025, 5, discard())
	n, err := a.Materialize(context.Background())
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if n != 1 || len(st.events) != 1 || st.events[0].Name != "Good" {
		t.Fatalf("expected only the dated event persisted, got %d events", len(st.events))
	}
	if len(st.inserted) != 1 {
		t.Fatal("response with one good event must still be marked inserted")
	}
}

package awaiter

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"nightcrawl/internal/metrics"
	"nightcrawl/internal/model"
	"nightcrawl/internal/openai"
	"nightcrawl/internal/store"
)

// Store is the persistence subset the awaiter drives.
type Store interface {
	ListBatchAwaitersByStatus(ctx context.Context, status string) ([]store.BatchAwaiter, error)
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, status string) error
	IncrementOutputFilePolls(ctx context.Context, id uuid.UUID) (int32, error)
	InsertGptResponses(ctx context.Context, lines []json.RawMessage) (int, error)
	ListPendingGptResponses(ctx context.Context) ([]store.GptResponse, error)
	MarkGptResponseInvalid(ctx context.Context, id uuid.UUID) error
	MarkGptResponseInserted(ctx context.Context, id uuid.UUID) error
	GetClub(ctx context.Context, id string) (store.Club, error)
	InsertEvent(ctx context.Context, clubID string, p store.EventParams) error
	UpdateClubFurthestEventDate(ctx context.Context, clubID string, d time.Time) error
}

// BatchClient is the provider subset the awaiter polls.
type BatchClient interface {
	RetrieveBatch(ctx context.Context, batchID string) (openai.Batch, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
}

// Awaiter reconciles tracked batch jobs against the provider and turns
// completed output files into persisted events.
type Awaiter struct {
	store  Store
	client BatchClient
	logger *slog.Logger

	// yearFloor guards against the model resolving relative dates
	// into a stale year. Dates below the floor get their year bumped.
	yearFloor int

	// maxOutputFilePolls bounds how often a completed batch with no
	// output file yet is re-polled before it is written off.
	maxOutputFilePolls int32
}

func New(st Store, client BatchClient, yearFloor int, maxOutputFilePolls int32, logger *slog.Logger) *Awaiter {
	return &Awaiter{
		store:              st,
		client:             client,
		logger:             logger,
		yearFloor:          yearFloor,
		maxOutputFilePolls: maxOutputFilePolls,
	}
}

// BatchResult reports one reconciled batch for the registrar response.
type BatchResult struct {
	BatchID string `json:"batchId"`
	Status  string `json:"status"`
	Stored  int    `json:"stored,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Reconcile polls every in-progress batch awaiter once. Transient
// provider statuses are left alone; terminal ones are recorded; a
// completed batch has its output file downloaded and stored line by
// line for materialization.
func (a *Awaiter) Reconcile(ctx context.Context) ([]BatchResult, error) {
	awaiters, err := a.store.ListBatchAwaitersByStatus(ctx, openai.BatchInProgress)
	if err != nil {
		return nil, fmt.Errorf("list batch awaiters: %w", err)
	}

	results := make([]BatchResult, 0, len(awaiters))
	for _, aw := range awaiters {
		res := a.reconcileOne(ctx, aw)
		results = append(results, res)
	}
	return results, nil
}

func (a *Awaiter) reconcileOne(ctx context.Context, aw store.BatchAwaiter) BatchResult {
	res := BatchResult{BatchID: aw.BatchID}

	batch, err := a.client.RetrieveBatch(ctx, aw.BatchID)
	if errors.Is(err, openai.ErrNotFound) {
		// The provider no longer knows the batch. Nothing will ever
		// come of it.
		a.logger.Error("batch unknown to provider, marking failed", "batch_id", aw.BatchID)
		a.transition(ctx, aw.ID, openai.BatchFailed, &res)
		return res
	}
	if err != nil {
		res.Status = aw.BatchStatus
		res.Error = err.Error()
		a.logger.Error("batch retrieve failed", "batch_id", aw.BatchID, "error", err)
		return res
	}

	switch batch.Status {
	case openai.BatchValidating, openai.BatchInProgress, openai.BatchFinalizing, openai.BatchCancelling:
		res.Status = batch.Status

	case openai.BatchFailed, openai.BatchExpired, openai.BatchCancelled:
		a.logger.Warn("batch ended without output", "batch_id", aw.BatchID, "status", batch.Status)
		a.transition(ctx, aw.ID, batch.Status, &res)

	case openai.BatchCompleted:
		a.completeOne(ctx, aw, batch, &res)

	default:
		res.Status = batch.Status
		a.logger.Warn("batch reported unknown status", "batch_id", aw.BatchID, "status", batch.Status)
	}
	return res
}

func (a *Awaiter) completeOne(ctx context.Context, aw store.BatchAwaiter, batch openai.Batch, res *BatchResult) {
	if batch.OutputFileID == "" {
		// Completed batches occasionally lag their output file. Count
		// the polls and give up after the configured bound.
		polls, err := a.store.IncrementOutputFilePolls(ctx, aw.ID)
		if err != nil {
			res.Status = aw.BatchStatus
			res.Error = err.Error()
			a.logger.Error("failed to count output file poll", "batch_id", aw.BatchID, "error", err)
			return
		}
		if polls >= a.maxOutputFilePolls {
			a.logger.Error("batch completed but output file never appeared", "batch_id", aw.BatchID, "polls", polls)
			a.transition(ctx, aw.ID, openai.BatchFailed, res)
			return
		}
		res.Status = openai.BatchInProgress
		return
	}

	data, err := a.client.FileContent(ctx, batch.OutputFileID)
	if err != nil {
		res.Status = aw.BatchStatus
		res.Error = err.Error()
		a.logger.Error("batch output download failed", "batch_id", aw.BatchID, "error", err)
		return
	}

	lines := splitJSONL(data)
	stored, err := a.store.InsertGptResponses(ctx, lines)
	if err != nil {
		res.Status = aw.BatchStatus
		res.Error = err.Error()
		a.logger.Error("failed to store batch output", "batch_id", aw.BatchID, "error", err)
		return
	}
	metrics.RecordGptResponses(stored)

	a.transition(ctx, aw.ID, openai.BatchCompleted, res)
	res.Stored = stored
	a.logger.Info("batch output stored", "batch_id", aw.BatchID, "lines", stored)
}

func (a *Awaiter) transition(ctx context.Context, id uuid.UUID, status string, res *BatchResult) {
	if err := a.store.UpdateBatchStatus(ctx, id, status); err != nil {
		res.Error = err.Error()
		a.logger.Error("failed to update batch status", "awaiter_id", id, "status", status, "error", err)
	}
	res.Status = status
	metrics.RecordBatchStatus(status)
}

func splitJSONL(data []byte) []json.RawMessage {
	var lines []json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, json.RawMessage(bytes.Clone(line)))
	}
	return lines
}

// outputLine is one line of a batch output file as stored in
// gpt_responses.
type outputLine struct {
	CustomID string          `json:"custom_id"`
	Error    json.RawMessage `json:"error"`
	Response struct {
		Body struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
}

// Materialize walks every stored response not yet turned into events
// and persists what it can. A response that yields at least one event
// is marked inserted; a malformed or empty one is marked invalid so it
// is never retried. A response whose club is unknown stays pending.
func (a *Awaiter) Materialize(ctx context.Context) (int, error) {
	pending, err := a.store.ListPendingGptResponses(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending responses: %w", err)
	}

	total := 0
	for _, resp := range pending {
		n, err := a.materializeOne(ctx, resp)
		if err != nil {
			a.logger.Error("response materialization failed", "response_id", resp.ID, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (a *Awaiter) materializeOne(ctx context.Context, resp store.GptResponse) (int, error) {
	var line outputLine
	if err := json.Unmarshal(resp.Response, &line); err != nil {
		a.logger.Warn("stored response is not a batch output line", "response_id", resp.ID, "error", err)
		return 0, a.store.MarkGptResponseInvalid(ctx, resp.ID)
	}

	if len(line.Error) > 0 && !bytes.Equal(bytes.TrimSpace(line.Error), []byte("null")) {
		a.logger.Warn("response carries a provider error", "response_id", resp.ID, "custom_id", line.CustomID)
		return 0, a.store.MarkGptResponseInvalid(ctx, resp.ID)
	}
	if line.CustomID == "" || len(line.Response.Body.Choices) == 0 || line.Response.Body.Choices[0].Message.Content == "" {
		a.logger.Warn("response has no usable completion", "response_id", resp.ID, "custom_id", line.CustomID)
		return 0, a.store.MarkGptResponseInvalid(ctx, resp.ID)
	}

	club, err := a.store.GetClub(ctx, line.CustomID)
	if errors.Is(err, sql.ErrNoRows) {
		// The club may not be registered yet. Leave the response
		// pending so a later pass picks it up.
		a.logger.Warn("response references unknown club, deferring", "custom_id", line.CustomID)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get club %s: %w", line.CustomID, err)
	}

	events, err := parseEvents(line.Response.Body.Choices[0].Message.Content)
	if err != nil {
		a.logger.Warn("completion content is not an event payload", "custom_id", line.CustomID, "error", err)
		return 0, a.store.MarkGptResponseInvalid(ctx, resp.ID)
	}
	if len(events) == 0 {
		a.logger.Warn("completion holds no events", "custom_id", line.CustomID)
		return 0, a.store.MarkGptResponseInvalid(ctx, resp.ID)
	}

	inserted := 0
	var furthest time.Time
	for _, ev := range events {
		date := a.normalizeDate(ev.EventDate)
		if date == "" {
			a.logger.Warn("event has no parsable date, skipping", "custom_id", line.CustomID, "event", ev.EventName)
			metrics.RecordEventInsertFailure()
			continue
		}
		p := eventParams(ev, club, date)
		if err := a.store.InsertEvent(ctx, club.ID, p); err != nil {
			// One bad row must not sink its siblings.
			a.logger.Error("event insert failed", "custom_id", line.CustomID, "event", ev.EventName, "error", err)
			metrics.RecordEventInsertFailure()
			continue
		}
		inserted++
		if t, err := time.Parse("2006-01-02", date); err == nil && t.After(furthest) {
			furthest = t
		}
	}

	if inserted == 0 {
		// The response itself was usable; the rows just did not land.
		// It is retired as handled, not flagged as unextractable.
		a.logger.Warn("no event from this response could be stored", "custom_id", line.CustomID, "events", len(events))
		return 0, a.store.MarkGptResponseInserted(ctx, resp.ID)
	}

	metrics.RecordEventsInserted(inserted)
	if !furthest.IsZero() {
		if err := a.store.UpdateClubFurthestEventDate(ctx, club.ID, furthest); err != nil {
			a.logger.Error("failed to update furthest event date", "club_id", club.ID, "error", err)
		}
	}
	if err := a.store.MarkGptResponseInserted(ctx, resp.ID); err != nil {
		return inserted, fmt.Errorf("mark response inserted: %w", err)
	}
	a.logger.Info("response materialized", "custom_id", line.CustomID, "events", inserted)
	return inserted, nil
}

// parseEvents accepts the three shapes the model is known to return: a
// bare array of events, a single event object, or an object wrapping
// the array under an "events" key.
func parseEvents(content string) ([]model.ScrapedEvent, error) {
	raw := strings.TrimSpace(content)

	if strings.HasPrefix(raw, "[") {
		var events []model.ScrapedEvent
		if err := json.Unmarshal([]byte(raw), &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var single model.ScrapedEvent
	if err := json.Unmarshal([]byte(raw), &single); err == nil && single.HasMarker() {
		return []model.ScrapedEvent{single}, nil
	}

	var wrapped struct {
		Events []model.ScrapedEvent `json:"events"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, err
	}
	if len(wrapped.Events) == 0 {
		return nil, errors.New("no recognizable event shape")
	}
	return wrapped.Events, nil
}

// normalizeDate trims the date to YYYY-MM-DD and bumps years below the
// floor, which catches the model resolving "next Friday" into a year
// from its training data.
func (a *Awaiter) normalizeDate(date string) string {
	date = strings.TrimSpace(date)
	if len(date) < 10 {
		return ""
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil {
		return ""
	}
	if year < a.yearFloor {
		date = strings.Replace(date, date[:4], strconv.Itoa(a.yearFloor), 1)
	}
	return date[:10]
}

func eventParams(ev model.ScrapedEvent, club store.Club, date string) store.EventParams {
	return store.EventParams{
		Name:              ev.EventName,
		EventDate:         date,
		EventStartTime:    ev.EventStartTime,
		EntryPrice:        ev.EntryPriceInEuros,
		MusicTypesEnglish: ev.MusicGenresInEnglish,
		EventTypesEnglish: ev.EventTypesInEnglish,
		PartyTypesEnglish: ev.PartyTypesInEnglish,
		Artists:           ev.PerformingArtists,
		Organizers:        ev.EventOrganizers,
		ShortDescription:  ev.ShortDescription,
		LongDescription:   ev.LongDescription,
		City:              club.City,
		URL:               club.URL,
		TicketsURL:        ev.TicketsURL,
		EventCanonicalURL: ev.EventCanonicalURL,
		EventImage:        ev.EventImageURL,
		ClubName:          club.Name,
	}
}

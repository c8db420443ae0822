package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"
)

// Store wraps all database access for the pipeline. Both the scraper
// side (requests, htmls, batch_awaiters, gpt_responses) and the main
// application side (clubs, events) are reached through it; pipeline
// stages coordinate exclusively via row state transitions here, never
// via explicit locks.
type Store struct {
	DB *sql.DB
}

// New creates a new Store on a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

// Request is one URL-scrape unit of work tracked end to end. It is
// eligible for batching once HTMLID is set and BatchID is still NULL.
type Request struct {
	ID             uuid.UUID
	InternalID     string
	URL            string
	PromptVersion  string
	Prompt         string
	ResponseSchema pqtype.NullRawMessage
	PromptEndpoint string
	ReturnEndpoint string
	HTMLID         uuid.NullUUID
	BatchID        sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// HTML is populated on reads that join the snapshot.
	HTML *HTML
}

// HTML is the sanitized, token-capped snapshot owned by its Request.
type HTML struct {
	ID        uuid.UUID
	RequestID uuid.UUID
	HTML      string
	CreatedAt time.Time
}

// BatchAwaiter tracks one submitted provider batch job.
type BatchAwaiter struct {
	ID              uuid.UUID
	BatchID         string
	BatchStatus     string
	OutputFilePolls int32
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GptResponse is one raw result line from a completed batch's output
// file, awaiting event materialization.
type GptResponse struct {
	ID        uuid.UUID
	Response  json.RawMessage
	Valid     bool
	Inserted  bool
	CreatedAt time.Time
}

type Club struct {
	ID                string
	Name              string
	City              string
	URL               string
	LastScrapedAt     sql.NullTime
	FurthestEventDate sql.NullTime
}

// CreateRequestParams carries everything persisted when a scrape
// request enters the pipeline.
type CreateRequestParams struct {
	InternalID     string
	URL            string
	PromptVersion  string
	Prompt         string
	ResponseSchema json.RawMessage
	PromptEndpoint string
	ReturnEndpoint string
}

const requestColumns = `id, internal_id, url, prompt_version, prompt, response_schema,
	prompt_endpoint, return_endpoint, html_id, batch_id, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }, r *Request) error {
	return row.Scan(
		&r.ID, &r.InternalID, &r.URL, &r.PromptVersion, &r.Prompt, &r.ResponseSchema,
		&r.PromptEndpoint, &r.ReturnEndpoint, &r.HTMLID, &r.BatchID, &r.CreatedAt, &r.UpdatedAt,
	)
}

// CreateRequest inserts a new request row and returns it.
func (s *Store) CreateRequest(ctx context.Context, p CreateRequestParams) (Request, error) {
	var schema pqtype.NullRawMessage
	if len(p.ResponseSchema) > 0 {
		schema = pqtype.NullRawMessage{RawMessage: p.ResponseSchema, Valid: true}
	}

	var r Request
	err := scanRequest(s.DB.QueryRowContext(ctx, `
		INSERT INTO requests (internal_id, url, prompt_version, prompt, response_schema, prompt_endpoint, return_endpoint)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+requestColumns,
		p.InternalID, p.URL, p.PromptVersion, p.Prompt, schema, p.PromptEndpoint, p.ReturnEndpoint,
	), &r)
	if err != nil {
		return Request{}, fmt.Errorf("insert request: %w", err)
	}
	return r, nil
}

// GetRequestWithHTML fetches a request and, if present, its snapshot.
// Returns sql.ErrNoRows when the request does not exist.
func (s *Store) GetRequestWithHTML(ctx context.Context, id uuid.UUID) (Request, error) {
	var r Request
	err := scanRequest(s.DB.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id,
	), &r)
	if err != nil {
		return Request{}, err
	}

	var h HTML
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, request_id, html, created_at FROM htmls WHERE request_id = $1`, id,
	).Scan(&h.ID, &h.RequestID, &h.HTML, &h.CreatedAt)
	switch err {
	case nil:
		r.HTML = &h
	case sql.ErrNoRows:
		// No snapshot yet.
	default:
		return Request{}, err
	}
	return r, nil
}

// CreateHTML stores the sanitized snapshot for a request and links it
// back onto the request row in one transaction.
func (s *Store) CreateHTML(ctx context.Context, requestID uuid.UUID, html string) (HTML, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return HTML{}, err
	}
	defer tx.Rollback()

	var h HTML
	err = tx.QueryRowContext(ctx, `
		INSERT INTO htmls (request_id, html) VALUES ($1, $2)
		RETURNING id, request_id, html, created_at`,
		requestID, html,
	).Scan(&h.ID, &h.RequestID, &h.HTML, &h.CreatedAt)
	if err != nil {
		return HTML{}, fmt.Errorf("insert html: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE requests SET html_id = $1, updated_at = now() WHERE id = $2`,
		h.ID, requestID,
	); err != nil {
		return HTML{}, fmt.Errorf("link html: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return HTML{}, err
	}
	return h, nil
}

// GetAllReadyToBatch returns the subset of the given requests that
// have a snapshot attached and no batch id yet. The filter is the
// idempotency contract for batching: a redelivered or duplicated
// message resolves to an empty set here instead of a double batch.
func (s *Store) GetAllReadyToBatch(ctx context.Context, ids []uuid.UUID) ([]Request, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+prefixedRequestColumns("r")+`, h.id, h.request_id, h.html, h.created_at
		FROM requests r
		JOIN htmls h ON h.id = r.html_id
		WHERE r.id = ANY($1::uuid[]) AND r.batch_id IS NULL AND r.html_id IS NOT NULL`,
		uuidStrings(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		var h HTML
		if err := rows.Scan(
			&r.ID, &r.InternalID, &r.URL, &r.PromptVersion, &r.Prompt, &r.ResponseSchema,
			&r.PromptEndpoint, &r.ReturnEndpoint, &r.HTMLID, &r.BatchID, &r.CreatedAt, &r.UpdatedAt,
			&h.ID, &h.RequestID, &h.HTML, &h.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.HTML = &h
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetBatchID stamps the external batch identifier onto every given
// request.
func (s *Store) SetBatchID(ctx context.Context, ids []uuid.UUID, batchID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE requests SET batch_id = $1, updated_at = now() WHERE id = ANY($2::uuid[])`,
		batchID, uuidStrings(ids),
	)
	return err
}

// CreateBatchAwaiter registers a submitted batch job as in progress.
func (s *Store) CreateBatchAwaiter(ctx context.Context, batchID string) (BatchAwaiter, error) {
	var b BatchAwaiter
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO batch_awaiters (batch_id) VALUES ($1)
		RETURNING id, batch_id, batch_status, output_file_polls, created_at, updated_at`,
		batchID,
	).Scan(&b.ID, &b.BatchID, &b.BatchStatus, &b.OutputFilePolls, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return BatchAwaiter{}, fmt.Errorf("insert batch awaiter: %w", err)
	}
	return b, nil
}

// ListBatchAwaitersByStatus returns all batches currently in the given
// status.
func (s *Store) ListBatchAwaitersByStatus(ctx context.Context, status string) ([]BatchAwaiter, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, batch_id, batch_status, output_file_polls, created_at, updated_at
		FROM batch_awaiters WHERE batch_status = $1 ORDER BY created_at`,
		status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchAwaiter
	for rows.Next() {
		var b BatchAwaiter
		if err := rows.Scan(&b.ID, &b.BatchID, &b.BatchStatus, &b.OutputFilePolls, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBatchStatus persists a batch status transition.
func (s *Store) UpdateBatchStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE batch_awaiters SET batch_status = $1, updated_at = now() WHERE id = $2`,
		status, id,
	)
	return err
}

// IncrementOutputFilePolls counts one more completed-without-output
// observation and returns the new count.
func (s *Store) IncrementOutputFilePolls(ctx context.Context, id uuid.UUID) (int32, error) {
	var polls int32
	err := s.DB.QueryRowContext(ctx, `
		UPDATE batch_awaiters SET output_file_polls = output_file_polls + 1, updated_at = now()
		WHERE id = $1 RETURNING output_file_polls`,
		id,
	).Scan(&polls)
	return polls, err
}

// InsertGptResponses bulk-inserts raw batch output lines.
func (s *Store) InsertGptResponses(ctx context.Context, lines []json.RawMessage) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gpt_responses (response) VALUES ($1)`, []byte(line),
		); err != nil {
			return 0, fmt.Errorf("insert gpt response: %w", err)
		}
		inserted++
	}
	return inserted, tx.Commit()
}

// ListPendingGptResponses returns responses awaiting materialization.
// Rows with inserted=true are excluded so a response is processed at
// most once across poller runs.
func (s *Store) ListPendingGptResponses(ctx context.Context) ([]GptResponse, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, response, valid, inserted, created_at
		FROM gpt_responses WHERE valid = true AND inserted = false ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GptResponse
	for rows.Next() {
		var g GptResponse
		if err := rows.Scan(&g.ID, &g.Response, &g.Valid, &g.Inserted, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkGptResponseInvalid permanently rejects a response.
func (s *Store) MarkGptResponseInvalid(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE gpt_responses SET valid = false WHERE id = $1`, id)
	return err
}

// MarkGptResponseInserted flags a response as fully materialized.
func (s *Store) MarkGptResponseInserted(ctx context.Context, id uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE gpt_responses SET inserted = true WHERE id = $1`, id)
	return err
}

// GetClub looks up the target entity for a completion result.
func (s *Store) GetClub(ctx context.Context, id string) (Club, error) {
	var c Club
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, name, city, url, last_scraped_at, furthest_event_date
		FROM clubs WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.City, &c.URL, &c.LastScrapedAt, &c.FurthestEventDate)
	return c, err
}

// ListClubsDueForScrape returns clubs never scraped or last scraped
// before the cutoff.
func (s *Store) ListClubsDueForScrape(ctx context.Context, cutoff time.Time) ([]Club, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, city, url, last_scraped_at, furthest_event_date
		FROM clubs WHERE last_scraped_at IS NULL OR last_scraped_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Club
	for rows.Next() {
		var c Club
		if err := rows.Scan(&c.ID, &c.Name, &c.City, &c.URL, &c.LastScrapedAt, &c.FurthestEventDate); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TouchClubsLastScraped stamps last_scraped_at on the given clubs.
func (s *Store) TouchClubsLastScraped(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE clubs SET last_scraped_at = now(), updated_at = now() WHERE id = ANY($1::text[])`,
		ids,
	)
	return err
}

// UpdateClubFurthestEventDate records the furthest known event date
// observed while materializing a response.
func (s *Store) UpdateClubFurthestEventDate(ctx context.Context, clubID string, d time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE clubs SET furthest_event_date = $1, updated_at = now() WHERE id = $2`,
		d, clubID,
	)
	return err
}

// EventParams carries one materialized event record.
type EventParams struct {
	Name              string
	EventDate         string
	EventStartTime    string
	EntryPrice        int
	MusicTypesEnglish []string
	EventTypesEnglish []string
	PartyTypesEnglish []string
	Artists           []string
	Organizers        []string
	ShortDescription  string
	LongDescription   string
	City              string
	URL               string
	TicketsURL        string
	EventCanonicalURL string
	EventImage        string
	ClubName          string
}

// InsertEvent stores one event linked to its club. Array-valued fields
// are kept as JSON columns.
func (s *Store) InsertEvent(ctx context.Context, clubID string, p EventParams) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO events (
			club_id, name, event_date, event_start_time, entry_price,
			music_types_english, event_types_english, party_types_english,
			artists, organizers, short_english_description, long_english_description,
			city, url, tickets_url, event_canonical_url, event_image, club_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		clubID, p.Name, p.EventDate, p.EventStartTime, p.EntryPrice,
		jsonArray(p.MusicTypesEnglish), jsonArray(p.EventTypesEnglish), jsonArray(p.PartyTypesEnglish),
		jsonArray(p.Artists), jsonArray(p.Organizers), p.ShortDescription, p.LongDescription,
		p.City, p.URL, p.TicketsURL, p.EventCanonicalURL, p.EventImage, p.ClubName,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func jsonArray(vals []string) []byte {
	if vals == nil {
		vals = []string{}
	}
	b, _ := json.Marshal(vals)
	return b
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func prefixedRequestColumns(alias string) string {
	return alias + `.id, ` + alias + `.internal_id, ` + alias + `.url, ` + alias + `.prompt_version, ` +
		alias + `.prompt, ` + alias + `.response_schema, ` + alias + `.prompt_endpoint, ` +
		alias + `.return_endpoint, ` + alias + `.html_id, ` + alias + `.batch_id, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

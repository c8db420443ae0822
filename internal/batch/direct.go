package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"nightcrawl/internal/openai"
	"nightcrawl/internal/store"
)

// ResponseInserter is the store subset the direct submitter writes to.
type ResponseInserter interface {
	InsertGptResponses(ctx context.Context, lines []json.RawMessage) (int, error)
}

// DirectSubmitter bypasses the provider batch API: it runs one
// synchronous chat completion per request and stores the results in
// the same line format a batch output file would carry, so the
// materialization path is identical. The returned id is synthetic; no
// batch awaiter is registered for it.
type DirectSubmitter struct {
	Client    *openai.Client
	Model     string
	Responses ResponseInserter
}

// directLine mirrors the provider's batch output line shape.
type directLine struct {
	CustomID string         `json:"custom_id"`
	Response directResponse `json:"response"`
}

type directResponse struct {
	Body json.RawMessage `json:"body"`
}

func (s *DirectSubmitter) Submit(ctx context.Context, requests []store.Request) (string, error) {
	lines := make([]json.RawMessage, 0, len(requests))
	for _, r := range requests {
		if r.HTML == nil {
			return "", fmt.Errorf("request %s has no html snapshot", r.ID)
		}
		var format json.RawMessage
		if r.ResponseSchema.Valid {
			format = r.ResponseSchema.RawMessage
		}
		body, err := s.Client.ChatCompletion(ctx, s.Model, format, []openai.ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: r.Prompt + "\n\n" + r.HTML.HTML},
		})
		if err != nil {
			return "", fmt.Errorf("chat completion for %s: %w", r.InternalID, err)
		}
		line, err := json.Marshal(directLine{
			CustomID: r.InternalID,
			Response: directResponse{Body: body},
		})
		if err != nil {
			return "", err
		}
		lines = append(lines, line)
	}

	if _, err := s.Responses.InsertGptResponses(ctx, lines); err != nil {
		return "", fmt.Errorf("insert direct responses: %w", err)
	}
	return "direct-" + uuid.New().String(), nil
}

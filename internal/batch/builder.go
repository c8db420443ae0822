package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nightcrawl/internal/openai"
	"nightcrawl/internal/store"
)

// systemPrompt frames every sub-request in a submission. The per-club
// context prompt and sanitized HTML ride in the user message.
const systemPrompt = "You are a web scraper, an expert in extracting data from HTML. " +
	"You are given a context prompt and some HTML code to extract data from. " +
	"Your goal is to extract the raw data from the HTML code using the context prompt " +
	"and return it in a JSON format with the schema provided."

// submissionLine is one JSONL line of a batch input file. custom_id is
// the target entity's internal identifier; it is how the completion
// result is correlated back later.
type submissionLine struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     submissionBody `json:"body"`
}

type submissionBody struct {
	Model          string               `json:"model"`
	ResponseFormat json.RawMessage      `json:"response_format,omitempty"`
	Messages       []openai.ChatMessage `json:"messages"`
}

// BuildSubmission renders the JSONL input file for one batch job, one
// sub-request per ready request.
func BuildSubmission(model string, requests []store.Request) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range requests {
		if r.HTML == nil {
			return nil, fmt.Errorf("request %s has no html snapshot", r.ID)
		}
		line := submissionLine{
			CustomID: r.InternalID,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body: submissionBody{
				Model: model,
				Messages: []openai.ChatMessage{
					{Role: "system", Content: systemPrompt},
					{Role: "user", Content: r.Prompt + "\n\n" + r.HTML.HTML},
				},
			},
		}
		if r.ResponseSchema.Valid {
			line.Body.ResponseFormat = r.ResponseSchema.RawMessage
		}
		encoded, err := json.Marshal(line)
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// APISubmitter submits one provider batch job per flush: upload the
// JSONL file, create the batch, return its external id.
type APISubmitter struct {
	Client           *openai.Client
	Model            string
	CompletionWindow string
}

func (s *APISubmitter) Submit(ctx context.Context, requests []store.Request) (string, error) {
	data, err := BuildSubmission(s.Model, requests)
	if err != nil {
		return "", err
	}

	filename := fmt.Sprintf("batch-%d.jsonl", time.Now().UnixMilli())
	fileID, err := s.Client.UploadBatchFile(ctx, filename, data)
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}

	batchID, err := s.Client.CreateBatch(ctx, fileID, s.CompletionWindow)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	return batchID, nil
}

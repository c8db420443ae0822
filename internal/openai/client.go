package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// ErrNotFound is returned when the provider reports 404 for a batch or
// file. Callers treat it as permanent.
var ErrNotFound = errors.New("openai: not found")

// Batch statuses as reported by the provider. in_progress-like values
// are transient; completed/failed/expired/cancelled are terminal.
const (
	BatchValidating = "validating"
	BatchInProgress = "in_progress"
	BatchFinalizing = "finalizing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchExpired    = "expired"
	BatchCancelling = "cancelling"
	BatchCancelled  = "cancelled"
)

// Client talks to the OpenAI HTTP surface the pipeline consumes: file
// upload, batch lifecycle, chat completions, and image generation.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Batch is the subset of the provider's batch object the pipeline
// reads.
type Batch struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	InputFileID  string `json:"input_file_id"`
	OutputFileID string `json:"output_file_id"`
}

type fileObject struct {
	ID string `json:"id"`
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("openai %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp, nil
}

// UploadBatchFile uploads the JSONL submission with purpose=batch and
// returns the file id.
func (c *Client) UploadBatchFile(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var file fileObject
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", errors.New("openai: file upload returned no id")
	}
	return file.ID, nil
}

// CreateBatch submits a batch job over the uploaded input file.
func (c *Client) CreateBatch(ctx context.Context, inputFileID, completionWindow string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": completionWindow,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return "", err
	}
	if batch.ID == "" {
		return "", errors.New("openai: batch create returned no id")
	}
	return batch.ID, nil
}

// RetrieveBatch fetches the current batch state. A provider 404 maps
// to ErrNotFound.
func (c *Client) RetrieveBatch(ctx context.Context, batchID string) (Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batches/"+batchID, nil)
	if err != nil {
		return Batch{}, err
	}

	resp, err := c.do(req)
	if err != nil {
		return Batch{}, err
	}
	defer resp.Body.Close()

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

// FileContent downloads a file's raw bytes (batch output is
// newline-delimited JSON).
func (c *Client) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// ChatCompletion runs one synchronous completion and returns the raw
// response body. The direct-mode batcher wraps it into the same line
// format the batch output file uses.
func (c *Client) ChatCompletion(ctx context.Context, model string, responseFormat json.RawMessage, messages []ChatMessage) (json.RawMessage, error) {
	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if len(responseFormat) > 0 {
		body["response_format"] = responseFormat
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// GenerateImage requests one rendered image and returns its URL.
func (c *Client) GenerateImage(ctx context.Context, model, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model":   model,
		"prompt":  prompt,
		"quality": "standard",
		"n":       1,
		"size":    "1024x1024",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Data) == 0 || parsed.Data[0].URL == "" {
		return "", errors.New("openai: image generation returned no url")
	}
	return parsed.Data[0].URL, nil
}

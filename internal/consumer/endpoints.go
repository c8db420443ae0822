package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EndpointClient calls the producing application's callback endpoints.
// Every route authenticates with the shared secret as a query
// parameter, matching the producer's route contract.
type EndpointClient struct {
	secret string
	http   *http.Client
}

func NewEndpointClient(secret string) *EndpointClient {
	return &EndpointClient{
		secret: secret,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// ScrapePrompt is the context prompt and response schema served by a
// prompt endpoint.
type ScrapePrompt struct {
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"zod"`
}

// FetchScrapePrompt retrieves the extraction prompt for a scrape
// request.
func (c *EndpointClient) FetchScrapePrompt(ctx context.Context, endpoint string) (ScrapePrompt, error) {
	target, err := c.withSecret(endpoint)
	if err != nil {
		return ScrapePrompt{}, err
	}
	body, err := c.get(ctx, target)
	if err != nil {
		return ScrapePrompt{}, err
	}
	var p ScrapePrompt
	if err := json.Unmarshal(body, &p); err != nil {
		return ScrapePrompt{}, fmt.Errorf("decode prompt: %w", err)
	}
	if p.Prompt == "" {
		return ScrapePrompt{}, fmt.Errorf("prompt endpoint returned empty prompt")
	}
	return p, nil
}

// FetchImagePrompt retrieves the plain-text rendering prompt for one
// entity.
func (c *EndpointClient) FetchImagePrompt(ctx context.Context, endpoint, internalID string) (string, error) {
	target, err := c.withSecret(strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(internalID))
	if err != nil {
		return "", err
	}
	body, err := c.get(ctx, target)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(string(body))
	if prompt == "" {
		return "", fmt.Errorf("image prompt endpoint returned empty prompt")
	}
	return prompt, nil
}

// ReturnImage reports the stored object URL back to the producer. The
// URL rides in the path, encoded, per the producer's route contract.
func (c *EndpointClient) ReturnImage(ctx context.Context, endpoint, objectURL string) error {
	target, err := c.withSecret(strings.TrimRight(endpoint, "/") + "/" + url.QueryEscape(objectURL))
	if err != nil {
		return err
	}
	_, err = c.get(ctx, target)
	return err
}

// withSecret adds the shared secret to the endpoint's query string,
// preserving any parameters the producer already put there.
func (c *EndpointClient) withSecret(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("secret", c.secret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *EndpointClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("endpoint %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

package batch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RegistrarNotifier calls the batch registrar's createBatchAwaiter
// route after a batch job is submitted, so the completion poller picks
// it up.
type RegistrarNotifier struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewRegistrarNotifier(baseURL, secret string) *RegistrarNotifier {
	return &RegistrarNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *RegistrarNotifier) BatchCreated(ctx context.Context, batchID string) error {
	endpoint := fmt.Sprintf("%s/api/scraper/createBatchAwaiter?secret=%s&batchId=%s",
		n.baseURL, url.QueryEscape(n.secret), url.QueryEscape(batchID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("create batch awaiter: status %d", resp.StatusCode)
	}
	return nil
}

// NoopNotifier is used in direct mode, where results are stored
// immediately and there is no provider batch to await.
type NoopNotifier struct{}

func (NoopNotifier) BatchCreated(context.Context, string) error { return nil }

package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

var errRobotsDisallowed = errors.New("disallowed by robots.txt")

// robotsGate caches one parsed robots.txt per host. Unreachable or
// malformed robots files allow the fetch.
type robotsGate struct {
	agent  string
	client *http.Client

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

func newRobotsGate(agent string) *robotsGate {
	return &robotsGate{
		agent:  agent,
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  make(map[string]*robotstxt.RobotsData),
	}
}

func (g *robotsGate) Allowed(ctx context.Context, u *url.URL) bool {
	data := g.dataForHost(ctx, u)
	if data == nil {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return data.FindGroup(g.agent).Test(path)
}

func (g *robotsGate) dataForHost(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	key := u.Scheme + "://" + u.Host

	g.mu.Lock()
	data, ok := g.cache[key]
	g.mu.Unlock()
	if ok {
		return data
	}

	data = g.fetch(ctx, key+"/robots.txt")

	g.mu.Lock()
	g.cache[key] = data
	g.mu.Unlock()
	return data
}

func (g *robotsGate) fetch(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data
}

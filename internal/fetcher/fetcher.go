package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// FetchError marks a navigation failure. Consumers treat it as
// at-most-once: the message is acknowledged and the page is not
// retried automatically.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher drives one long-lived headless browser (via rod) to render
// JS-heavy pages. A Fetcher is owned by a single consumer process and
// must not be used concurrently; the queue prefetch limit of 1 on the
// browser-bound stages enforces that.
type Fetcher struct {
	browser   *rod.Browser
	timeout   time.Duration
	userAgent string
	robots    *robotsGate
	logger    *slog.Logger
}

type Options struct {
	BrowserURL    string
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// New connects to (or launches) the browser. Callers must Close the
// Fetcher when shutting down.
func New(opts Options, logger *slog.Logger) (*Fetcher, error) {
	browser := rod.New()
	if opts.BrowserURL != "" {
		browser = browser.ControlURL(opts.BrowserURL)
	}
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	f := &Fetcher{
		browser:   browser,
		timeout:   timeout,
		userAgent: opts.UserAgent,
		logger:    logger,
	}
	if opts.RespectRobots {
		f.robots = newRobotsGate(opts.UserAgent)
	}
	return f, nil
}

func (f *Fetcher) Close() error {
	return f.browser.Close()
}

// blockedTypes are aborted at the network layer to cut load time and
// bandwidth; only document and script traffic gets through.
var blockedTypes = map[proto.NetworkResourceType]bool{
	proto.NetworkResourceTypeImage:      true,
	proto.NetworkResourceTypeFont:       true,
	proto.NetworkResourceTypeStylesheet: true,
	proto.NetworkResourceTypeMedia:      true,
	proto.NetworkResourceTypeOther:      true,
}

// Fetch navigates to the URL and returns the rendered HTML. The
// navigation waits for the network to go almost idle or for the hard
// timeout, whichever comes first.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}

	if f.robots != nil {
		if allowed := f.robots.Allowed(ctx, u); !allowed {
			return "", &FetchError{URL: u.String(), Err: errRobotsDisallowed}
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	page, err := f.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", &FetchError{URL: u.String(), Err: err}
	}
	defer page.Close()
	page = page.Context(navCtx)

	if err := f.preparePage(page); err != nil {
		return "", &FetchError{URL: u.String(), Err: err}
	}

	router := page.HijackRequests()
	err = router.Add("*", "", func(h *rod.Hijack) {
		if blockedTypes[h.Request.Type()] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return "", &FetchError{URL: u.String(), Err: err}
	}
	go router.Run()
	defer router.Stop()

	wait := page.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	if err := page.Navigate(u.String()); err != nil {
		return "", &FetchError{URL: u.String(), Err: err}
	}
	wait()

	if navCtx.Err() != nil {
		return "", &FetchError{URL: u.String(), Err: navCtx.Err()}
	}

	html, err := page.HTML()
	if err != nil {
		return "", &FetchError{URL: u.String(), Err: err}
	}
	return html, nil
}

// preparePage sets a realistic browser identity so fewer sites treat
// the fetch as a bot.
func (f *Fetcher) preparePage(page *rod.Page) error {
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             1280,
		Height:            720,
		DeviceScaleFactor: 1,
	}); err != nil {
		return err
	}
	if f.userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.userAgent}); err != nil {
			return err
		}
	}
	_, err := page.SetExtraHeaders([]string{
		"upgrade-insecure-requests", "1",
		"accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		"accept-language", "en-US,en;q=0.9,en;q=0.8",
	})
	return err
}

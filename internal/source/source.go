// Package source fetches one dataset window from the upstream HTTP API.
//
// A fetch asks for JSON first and falls back to CSV when the API cannot serve
// JSON. Transient failures are retried with exponential backoff; requests are
// paced per dataset with a token bucket.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahmethakanbesel/series-ingest/internal/record"
	"github.com/ahmethakanbesel/series-ingest/internal/window"
)

const (
	defaultBaseURL     = "https://data.elexon.co.uk/bmrs/api/v1/datasets"
	defaultTimeout     = 100 * time.Second
	defaultMaxAttempts = 5
	defaultBackoff     = 5 * time.Second
	maxBackoff         = time.Minute
	defaultRate        = 2.0
	maxErrorBody       = 512
	userAgent          = "series-ingest/1.0"
)

// Client fetches raw payloads for dataset windows.
type Client struct {
	client      *http.Client
	baseURL     string
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	rps         float64
	archive     *Archive

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// sleep is swapped in tests to skip backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client with the given options applied.
func New(opts ...Option) *Client {
	c := &Client{
		client:      &http.Client{},
		baseURL:     defaultBaseURL,
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		rps:         defaultRate,
		limiters:    make(map[string]*rate.Limiter),
		sleep:       sleepWithContext,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithClient sets the HTTP client.
func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithBaseURL overrides the datasets endpoint. Requests go to <base>/<dataset>.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the hard deadline for a single request, body included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxAttempts sets the total attempts per window, first try included.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the base wait between attempts. It doubles per retry.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// WithRate limits requests per dataset to rps. Zero or less disables pacing.
func WithRate(rps float64) Option {
	return func(c *Client) { c.rps = rps }
}

// WithArchive stores every successful response body.
func WithArchive(a *Archive) Option {
	return func(c *Client) { c.archive = a }
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// Fetch retrieves the payload for one dataset window. An empty payload with
// a nil error means the source had no content for the window.
func (c *Client) Fetch(ctx context.Context, datasetID string, w window.Window) (record.Payload, error) {
	var (
		lastErr    error
		lastKind   Kind
		lastStatus int
	)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return record.Payload{}, err
		}
		if err := c.limiter(datasetID).Wait(ctx); err != nil {
			return record.Payload{}, err
		}

		p, status, err := c.fetchOnce(ctx, datasetID, w)
		if err == nil {
			if attempt > 1 {
				slog.Info("fetch recovered", "dataset", datasetID, "window", w.String(), "attempt", attempt)
			}
			return p, nil
		}
		if ctx.Err() != nil {
			return record.Payload{}, ctx.Err()
		}

		kind := classify(status, err)
		if kind == FatalForWindow {
			return record.Payload{}, &FetchError{
				Dataset: datasetID, Kind: kind, Status: status, Attempts: attempt, Err: err,
			}
		}
		lastErr, lastKind, lastStatus = err, kind, status

		if attempt == c.maxAttempts {
			break
		}
		wait := backoffDuration(c.backoff, attempt-1, maxBackoff)
		slog.Warn("fetch attempt failed, retrying",
			"dataset", datasetID, "window", w.String(), "attempt", attempt,
			"kind", kind.String(), "status", status, "wait", wait, "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return record.Payload{}, err
		}
	}

	return record.Payload{}, &FetchError{
		Dataset:   datasetID,
		Kind:      lastKind,
		Status:    lastStatus,
		Attempts:  c.maxAttempts,
		Exhausted: true,
		Err:       lastErr,
	}
}

// fetchOnce performs one attempt: JSON, then CSV if JSON is not on offer.
// The hard timeout covers both requests and their bodies.
func (c *Client) fetchOnce(ctx context.Context, datasetID string, w window.Window) (record.Payload, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, ctype, body, err := c.get(ctx, datasetID, w, false)
	if err != nil {
		return record.Payload{}, status, err
	}

	switch {
	case status == http.StatusNoContent || status == http.StatusNotFound:
		return record.Payload{}, status, nil
	case status == http.StatusNotAcceptable || status == http.StatusUnsupportedMediaType:
		// no JSON rendition; fall through to CSV
	case status >= 200 && status < 300:
		if isCSV(ctype) {
			c.save(datasetID, w, "csv", body)
			return record.CSVPayload(string(body)), status, nil
		}
		if isJSON(ctype) {
			if p, err := record.DecodeJSON(body); err == nil {
				c.save(datasetID, w, "json", body)
				return p, status, nil
			}
		}
		slog.Debug("JSON unavailable, requesting CSV", "dataset", datasetID, "window", w.String(), "contentType", ctype)
	default:
		return record.Payload{}, status, &statusError{code: status, body: snippet(body)}
	}

	if err := c.limiter(datasetID).Wait(ctx); err != nil {
		return record.Payload{}, 0, err
	}
	status, _, body, err = c.get(ctx, datasetID, w, true)
	if err != nil {
		return record.Payload{}, status, err
	}
	switch {
	case status == http.StatusNoContent || status == http.StatusNotFound:
		return record.Payload{}, status, nil
	case status >= 200 && status < 300:
		c.save(datasetID, w, "csv", body)
		return record.CSVPayload(string(body)), status, nil
	default:
		return record.Payload{}, status, &statusError{code: status, body: snippet(body)}
	}
}

func (c *Client) get(ctx context.Context, datasetID string, w window.Window, csv bool) (int, string, []byte, error) {
	q := url.Values{}
	q.Set("from", w.From.UTC().Format(window.Layout))
	q.Set("to", w.To.UTC().Format(window.Layout))
	accept := "application/json"
	if csv {
		q.Set("format", "csv")
		accept = "text/csv"
	}
	u := c.baseURL + "/" + url.PathEscape(datasetID) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, "", nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)

	res, err := c.client.Do(req) //nolint:gosec // URL from internal config
	if err != nil {
		return 0, "", nil, fmt.Errorf("request %s: %w", datasetID, err)
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, "", nil, fmt.Errorf("read body: %w", err)
	}
	return res.StatusCode, res.Header.Get("Content-Type"), body, nil
}

func (c *Client) save(datasetID string, w window.Window, ext string, body []byte) {
	if c.archive == nil || len(body) == 0 {
		return
	}
	if _, err := c.archive.Save(datasetID, w, ext, body); err != nil {
		slog.Warn("failed to archive raw payload", "dataset", datasetID, "window", w.String(), "error", err)
	}
}

// limiter returns the token bucket for datasetID, creating it on first use.
func (c *Client) limiter(datasetID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[datasetID]
	if !ok {
		if c.rps <= 0 {
			lim = rate.NewLimiter(rate.Inf, 1)
		} else {
			lim = rate.NewLimiter(rate.Limit(c.rps), 1)
		}
		c.limiters[datasetID] = lim
	}
	return lim
}

// classify maps a failed attempt to its Kind. The caller has already ruled
// out cancellation of the parent context, so a deadline here is our own.
func classify(status int, err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var se *statusError
	if !errors.As(err, &se) {
		return Retryable
	}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return Retryable
	case status >= 500:
		return Retryable
	case status >= 400:
		return FatalForWindow
	default:
		return Retryable
	}
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func isCSV(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "text/csv" || mt == "application/csv")
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}

// backoffDuration returns initial * 2^attempt, clamped to max.
func backoffDuration(initial time.Duration, attempt int, max time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	if attempt > 30 {
		return max
	}
	d := initial << attempt
	if d > max || d <= 0 {
		return max
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package fetch provides the paginated, rate-limited, retrying client for the
// remote feedback source API.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/pulsedesk/feedback-sync-server/internal/logger"
)

const (
	// userAgent identifies this service to the remote source
	userAgent = "feedback-sync-server/1.0"

	// defaultBackoffInitial is the wait before the second attempt of a page
	// fetch; subsequent waits double (1s, 2s, 4s).
	defaultBackoffInitial = time.Second

	// defaultMaxAttempts is the total attempts per page fetch
	defaultMaxAttempts = 3

	// maxResponseSize caps a single page response (10MB)
	maxResponseSize = 10 * 1024 * 1024

	// defaultThrottleWait is used when a throttled response carries no
	// usable Retry-After header
	defaultThrottleWait = time.Second
)

// Client fetches pages of raw feedback records from the remote source.
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client
type Client interface {
	// FetchPage fetches a single page. cursor is the opaque page cursor from
	// the previous page, empty for the first page. A non-nil since restricts
	// results to records created or modified at or after that instant.
	FetchPage(ctx context.Context, cursor string, since *time.Time) (*Page, error)

	// FetchAll paginates until no next cursor is returned and returns every
	// record. Any page failure aborts the whole fetch; partial pages are
	// discarded.
	FetchAll(ctx context.Context, since *time.Time) ([]RawRecord, error)
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	endpoint   string
	token      string
	pageSize   int
	windowYear int

	http    *http.Client
	limiter *rate.Limiter

	backoffInitial time.Duration
	maxAttempts    int
}

// ClientOption configures the HTTP client.
type ClientOption func(*HTTPClient)

// WithPageSize sets the page size requested per call.
func WithPageSize(size int) ClientOption {
	return func(c *HTTPClient) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

// WithWindowYear sets the calendar year the server-side filter restricts
// results to.
func WithWindowYear(year int) ClientOption {
	return func(c *HTTPClient) {
		if year > 0 {
			c.windowYear = year
		}
	}
}

// WithRequestTimeout bounds each HTTP call.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// WithRequestsPerSecond caps the outbound request rate.
func WithRequestsPerSecond(rps float64) ClientOption {
	return func(c *HTTPClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithRetrySchedule overrides the retry budget and initial backoff. Tests use
// a short schedule.
func WithRetrySchedule(maxAttempts int, initial time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if initial > 0 {
			c.backoffInitial = initial
		}
	}
}

// NewHTTPClient creates a client for the given source table endpoint,
// authenticating with the given static token.
func NewHTTPClient(endpoint, token string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:       strings.TrimRight(endpoint, "/"),
		token:          token,
		pageSize:       100,
		windowYear:     time.Now().Year(),
		http:           &http.Client{Timeout: 30 * time.Second},
		limiter:        rate.NewLimiter(rate.Limit(5), 1),
		backoffInitial: defaultBackoffInitial,
		maxAttempts:    defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage fetches a single page, retrying transient failures with
// exponential backoff and honoring server throttling by waiting.
func (c *HTTPClient) FetchPage(ctx context.Context, cursor string, since *time.Time) (*Page, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0

	page, err := backoff.Retry(ctx,
		func() (*Page, error) {
			return c.fetchPageOnce(ctx, cursor, since)
		},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxAttempts)),
	)
	if err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			err = &Error{Message: "page fetch failed", Err: err}
		}
		return nil, err
	}
	return page, nil
}

// fetchPageOnce performs one attempt. Non-retryable responses are wrapped in
// backoff.Permanent. Throttled responses are waited out inside the attempt for
// the server-specified interval; being throttled never consumes the retry
// budget, which is reserved for real failures.
func (c *HTTPClient) fetchPageOnce(ctx context.Context, cursor string, since *time.Time) (*Page, error) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(cursor, since), nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			// Transport-level failure, worth retrying
			return nil, &Error{Message: "request failed", Err: err}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			// Throttled: sleep for the server-specified interval, never drop
			wait := throttleWait(resp)
			_ = resp.Body.Close()
			logger.Debugf("Source throttled the request, waiting %s", wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, backoff.Permanent(ctx.Err())
			}
		}

		page, err := readPage(resp)
		_ = resp.Body.Close()
		return page, err
	}
}

// readPage consumes a non-throttled response into a Page.
func readPage(resp *http.Response) (*Page, error) {
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		herr := &Error{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
		if herr.Message == "" {
			herr.Message = resp.Status
		}
		if !herr.Transient() {
			// Malformed filter, auth failure and friends fail immediately
			return nil, backoff.Permanent(herr)
		}
		return nil, herr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Message: "reading response body", Err: err}
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, backoff.Permanent(&Error{Message: "decoding response", Err: err})
	}
	return &page, nil
}

// throttleWait returns how long a throttled response asks us to wait. The
// Retry-After header may carry either delay seconds or an HTTP date.
func throttleWait(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if s, err := strconv.Atoi(header); err == nil && s >= 0 {
		return time.Duration(s) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
		return 0
	}
	return defaultThrottleWait
}

// FetchAll paginates through the filtered record set until the source stops
// returning a next cursor.
func (c *HTTPClient) FetchAll(ctx context.Context, since *time.Time) ([]RawRecord, error) {
	var (
		records []RawRecord
		cursor  string
		pages   int
	)

	for {
		page, err := c.FetchPage(ctx, cursor, since)
		if err != nil {
			return nil, fmt.Errorf("fetching page %d: %w", pages+1, err)
		}
		pages++
		records = append(records, page.Records...)

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	logger.Debugf("Fetched %d records across %d pages", len(records), pages)
	return records, nil
}

// pageURL builds the request URL with the window filter, optional since
// predicate, page size, and cursor.
func (c *HTTPClient) pageURL(cursor string, since *time.Time) string {
	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	params.Set("filterByFormula", c.filterFormula(since))
	if cursor != "" {
		params.Set("offset", cursor)
	}
	return c.endpoint + "?" + params.Encode()
}

// filterFormula restricts results to the relevant window and, when since is
// supplied, to records created or modified at or after that instant.
func (c *HTTPClient) filterFormula(since *time.Time) string {
	window := fmt.Sprintf("YEAR({Created}) = %d", c.windowYear)
	if since == nil {
		return window
	}
	s := since.UTC().Format(time.RFC3339)
	return fmt.Sprintf("AND(%s, OR({Created} >= '%s', {%s} >= '%s'))", window, s, modifiedTimeField, s)
}

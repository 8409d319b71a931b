package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const restTimeout = 30 * time.Second

// RESTClient performs weight-budgeted GETs against a venue REST API and
// translates rate-limit responses into the venue error taxonomy.
type RESTClient struct {
	venue   string
	baseURL string
	budget  *RateBudget
	client  *http.Client
}

// NewRESTClient creates a client for one venue base URL sharing the venue's
// rate budget.
func NewRESTClient(venue, baseURL string, budget *RateBudget) *RESTClient {
	return &RESTClient{
		venue:   venue,
		baseURL: baseURL,
		budget:  budget,
		client:  &http.Client{Timeout: restTimeout},
	}
}

// Get fetches path (already query-encoded) charging weight against the
// venue budget and returns the response body.
func (c *RESTClient) Get(ctx context.Context, path string, weight int) ([]byte, error) {
	if c.budget != nil {
		if err := c.budget.Acquire(ctx, weight); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s GET %s: %w", c.venue, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%s read body %s: %w", c.venue, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if c.budget != nil {
			c.budget.Reset()
		}
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if c.budget != nil {
			c.budget.Penalize(retryAfter)
		}
		return nil, &RateLimitError{Venue: c.venue, RetryAfter: retryAfter, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s GET %s: server error %d: %s", c.venue, path, resp.StatusCode, truncate(body, 256))
	default:
		return nil, fmt.Errorf("%s GET %s: unexpected status %d: %s", c.venue, path, resp.StatusCode, truncate(body, 256))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

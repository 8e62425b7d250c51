// Package apiclient calls third-party HTTP elevation APIs with
// token-bucket rate limiting, daily quota tracking and capped retries.
// The wire shape follows the opentopodata family:
//
//	GET {endpoint}?locations=lat,lon|lat,lon -> {"results":[{"elevation":...}]}
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MeKo-Tech/terrapoint/internal/config"
	"github.com/MeKo-Tech/terrapoint/internal/reliability"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// Client is a rate-limited elevation API client for one provider.
type Client struct {
	id         string
	endpoint   string
	authToken  string
	http       *http.Client
	limiter    *rate.Limiter
	quota      *quotaCounter
	batchLimit int
	logger     *slog.Logger
}

// New builds a Client from a provider descriptor. A nil httpClient gets
// a default; per-request deadlines come from the context.
func New(p config.Provider, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if p.RateLimitRPS > 0 {
		// Bucket capacity equals the sustained rate; sub-1 rps still
		// needs one token to ever fire.
		limiter = rate.NewLimiter(rate.Limit(p.RateLimitRPS), max(int(p.RateLimitRPS), 1))
	}
	batchLimit := p.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 512
	}
	return &Client{
		id:         p.ID,
		endpoint:   p.Endpoint,
		authToken:  p.AuthToken,
		http:       httpClient,
		limiter:    limiter,
		quota:      newQuotaCounter(p.DailyQuota, p.QuotaReset, p.Location),
		batchLimit: batchLimit,
		logger:     logger.With("provider", p.ID),
	}
}

// Point fetches one elevation. A nil value with nil error is a valid
// nodata answer from the provider.
func (c *Client) Point(ctx context.Context, lat, lon float64) (*float64, error) {
	out, err := c.Batch(ctx, []types.Point{{Lat: lat, Lon: lon}})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Batch fetches elevations for all points, chunked to the provider's
// batch limit. The result slice matches the input in length and order.
func (c *Client) Batch(ctx context.Context, points []types.Point) ([]*float64, error) {
	out := make([]*float64, len(points))
	for start := 0; start < len(points); start += c.batchLimit {
		end := min(start+c.batchLimit, len(points))
		chunk, err := c.fetch(ctx, points[start:end])
		if err != nil {
			return nil, err
		}
		copy(out[start:end], chunk)
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, points []types.Point) ([]*float64, error) {
	if err := c.quota.take(int64(len(points))); err != nil {
		return nil, err
	}
	if c.limiter != nil {
		// Waits only as long as the deadline allows; a failed wait means
		// no token in time and no outbound call is made.
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrRateLimited, c.id)
		}
	}

	var locs strings.Builder
	for i, p := range points {
		if i > 0 {
			locs.WriteByte('|')
		}
		fmt.Fprintf(&locs, "%.6f,%.6f", p.Lat, p.Lon)
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad endpoint %q: %w", c.endpoint, err)
	}
	q := u.Query()
	q.Set("locations", locs.String())
	u.RawQuery = q.Encode()

	var elevations []*float64
	retry := reliability.DefaultRetry(retryable)
	err = reliability.Retry(ctx, retry, func(ctx context.Context) error {
		var attemptErr error
		elevations, attemptErr = c.do(ctx, u.String(), len(points))
		return attemptErr
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.ErrTimeout
		}
		return nil, err
	}
	return elevations, nil
}

func (c *Client) do(ctx context.Context, rawURL string, want int) ([]*float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.ErrTimeout
		}
		return nil, fmt.Errorf("elevation api %s: %w", c.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, &statusError{provider: c.id, code: resp.StatusCode}
	}

	var body struct {
		Results []struct {
			Elevation *float64 `json:"elevation"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("elevation api %s: bad response: %w", c.id, err)
	}
	if len(body.Results) != want {
		return nil, fmt.Errorf("elevation api %s: %d results for %d points", c.id, len(body.Results), want)
	}

	out := make([]*float64, want)
	for i, r := range body.Results {
		out[i] = r.Elevation
	}
	return out, nil
}

// statusError carries a non-200 response for retry classification.
type statusError struct {
	provider string
	code     int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("elevation api %s: status %d", e.provider, e.code)
}

// retryable permits retries on 5xx, 429 and transport errors. Other 4xx
// responses are the caller's fault and retried never.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, types.ErrTimeout) {
		return false
	}
	// Transport-level failure.
	return !errors.Is(err, types.ErrRateLimited) && !errors.Is(err, types.ErrQuotaExhausted)
}

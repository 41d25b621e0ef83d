package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kjstillabower/sismos-service/internal/models"
	"github.com/kjstillabower/sismos-service/internal/observability"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "sismos-service/1.0"

// maxBodyBytes bounds the feed body; the real feed is well under 1 MiB.
const maxBodyBytes = 16 << 20

// Fetcher retrieves the raw FUNVISIS feed. Implementations apply their own timeout and
// never retry; retry policy belongs to the caller.
type Fetcher interface {
	Fetch(ctx context.Context) ([]models.RawFeature, error)
}

type FunvisisClient struct {
	feedURL   string
	userAgent string
	timeout   time.Duration
	client    *http.Client
}

// NewFunvisisClient validates feedURL and returns a client with a per-call timeout.
func NewFunvisisClient(feedURL string, timeout time.Duration, userAgent string) (*FunvisisClient, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid feed URL: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid feed URL: missing host")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &FunvisisClient{
		feedURL:   u.String(),
		userAgent: userAgent,
		timeout:   timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Fetch performs one GET of the feed. Every failure is a *FetchError. A feed with no
// features is reported as KindEmptyFeed.
func (c *FunvisisClient) Fetch(ctx context.Context) ([]models.RawFeature, error) {
	start := time.Now()
	features, err := c.fetch(ctx)

	status := "success"
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			status = string(fe.Kind)
		} else {
			status = "error"
		}
	}
	observability.UpstreamFetchTotal.WithLabelValues(status).Inc()
	observability.UpstreamFetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	return features, err
}

func (c *FunvisisClient) fetch(ctx context.Context) ([]models.RawFeature, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Kind: KindUpstreamStatus, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(fmt.Errorf("read response body: %w", err))
	}

	// FUNVISIS has served the feed as text/plain; decode regardless of Content-Type.
	var collection models.RawCollection
	if err := json.Unmarshal(body, &collection); err != nil {
		return nil, &FetchError{Kind: KindDecode, Err: fmt.Errorf("parse response: %w", err)}
	}
	if len(collection.Features) == 0 {
		return nil, &FetchError{Kind: KindEmptyFeed}
	}

	return collection.Features, nil
}

func classifyTransportError(err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	return &FetchError{Kind: KindNetwork, Err: err}
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

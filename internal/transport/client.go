// Package transport performs byte-range HTTP GETs against the music server.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cesargomez89/offtrack/internal/constants"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Response is an open response body plus the metadata the callers need.
type Response struct {
	Body        io.ReadCloser
	ContentType string
	StatusCode  int
	// ContentLength is the number of bytes in Body, or -1 when unknown.
	ContentLength int64
	// TotalLength is the size of the whole resource, or 0 when unknown.
	TotalLength int64
	// Partial is true for a 206 response whose body starts at the requested offset.
	Partial bool
}

type Options struct {
	HTTPClient *http.Client
	// HeaderTimeout bounds the wait for response headers. Body reads are not
	// bounded here; callers enforce their own stall timeout.
	HeaderTimeout time.Duration
	RetryBase     time.Duration
	Retries       int
}

// Client wraps an http.Client to provide ranged GETs and automatic retries.
type Client struct {
	httpClient *http.Client
	retryBase  time.Duration
	retries    int
}

// NewClient creates a retrying HTTP client instrumented with otelhttp.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		headerTimeout := opts.HeaderTimeout
		if headerTimeout <= 0 {
			headerTimeout = constants.DefaultHTTPTimeout
		}
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: headerTimeout,
			}),
		}
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = constants.DefaultRetryBase
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = constants.DefaultRequestRetries
	}
	return &Client{
		httpClient: httpClient,
		retryBase:  retryBase,
		retries:    retries,
	}
}

// Get requests url starting at offset. An offset of zero sends no Range header.
// The caller must close the returned body.
func (c *Client) Get(ctx context.Context, url string, offset int64) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	out := &Response{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
	}

	if resp.StatusCode == http.StatusPartialContent {
		start, total, ok := ParseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("unexpected Content-Range %q for offset %d", resp.Header.Get("Content-Range"), offset)
		}
		out.Partial = true
		out.TotalLength = total
		if total == 0 && resp.ContentLength >= 0 {
			out.TotalLength = offset + resp.ContentLength
		}
		return out, nil
	}

	// A full response: the server ignored the range or none was sent.
	if resp.ContentLength >= 0 {
		out.TotalLength = resp.ContentLength
	}
	return out, nil
}

// do executes the request, retrying connection errors and throttling
// responses with linear backoff.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := c.httpClient.Do(req)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
			wait = parseRetryAfter(resp)
			_ = resp.Body.Close()
			lastErr = &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
		default:
			return resp, nil
		}

		if attempt == c.retries-1 {
			break
		}

		backoff := time.Duration(attempt+1) * c.retryBase
		if wait > backoff {
			backoff = wait
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// ParseContentRange parses "bytes start-end/total" and "bytes */total".
// total is 0 when the server reports it as "*".
func ParseContentRange(h string) (start, total int64, ok bool) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "bytes ") {
		return 0, 0, false
	}
	rangeSpec := strings.TrimSpace(strings.TrimPrefix(h, "bytes "))
	rng, size, found := strings.Cut(rangeSpec, "/")
	if !found {
		return 0, 0, false
	}

	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		total = n
	}

	if rng == "*" {
		return 0, total, true
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(first, 10, 64)
	if err != nil || s < 0 {
		return 0, 0, false
	}
	return s, total, true
}

// parseRetryAfter reads a Retry-After header and returns the duration to wait.
func parseRetryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		return time.Until(t)
	}
	return 0
}

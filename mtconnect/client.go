package mtconnect

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPClient allows injecting a custom transport, mainly for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches current snapshots and sample slices from one agent.
// Each call performs exactly one GET; the response body is drained and closed
// before the call returns.
type Client struct {
	base       string
	httpClient HTTPClient
	timeout    time.Duration
	userAgent  string
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds each fetch, including reading the body, whatever
// HTTPClient is in use. Zero means no timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger used for per-fetch debug records.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the agent at baseURL, e.g.
// "http://mtconnect.mazakcorp.com:5609" or "http://agent:5000/Mazak".
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid agent URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid agent URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid agent URL %q: missing host", baseURL)
	}
	u.RawQuery = ""
	u.Fragment = ""

	c := &Client{
		base:       strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{},
		userAgent:  "mtcollect",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized agent address.
func (c *Client) BaseURL() string {
	return c.base
}

// CurrentURL returns the address of the current snapshot.
func (c *Client) CurrentURL() string {
	return c.base + "/current"
}

// SampleURL returns the address of the slice starting at sequence from.
func (c *Client) SampleURL(from uint64) string {
	return c.base + "/sample?from=" + strconv.FormatUint(from, 10)
}

// Current fetches the current snapshot.
func (c *Client) Current(ctx context.Context) (*Document, error) {
	return c.Fetch(ctx, c.CurrentURL())
}

// Sample fetches the slice starting at sequence from.
func (c *Client) Sample(ctx context.Context, from uint64) (*Document, error) {
	return c.Fetch(ctx, c.SampleURL(from))
}

// Fetch performs one GET against rawURL and parses the body.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrConnectionFailure, err)
	}
	req.Header.Set("Accept", "application/xml, text/xml")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrConnectionFailure, rawURL, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: GET %s: nil response received", ErrConnectionFailure, rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: failed to read response body: %w", ErrConnectionFailure, rawURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: GET %s: HTTP %s", ErrConnectionFailure, rawURL, resp.Status)
	}

	c.logger.Debug("fetched document",
		"url", rawURL,
		"bytes", len(body),
		"elapsed", time.Since(start))

	return Parse(rawURL, body)
}

// Package client calls peer endpoints: version discovery, credentials,
// token authorization and resource pushes. Every call unwraps the response
// envelope and honours the caller's context, so abandoning a call closes its
// connection.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	// DefaultUserAgent identifies this hub to peers
	DefaultUserAgent = "roaming-hub/1.0"
	// DefaultTimeout for HTTP requests
	DefaultTimeout = 10 * time.Second
	// DefaultRateLimit per peer, in requests per second
	DefaultRateLimit = rate.Limit(10)
	// DefaultMaxRetries for transient errors on idempotent requests
	DefaultMaxRetries = 2
	// RetryBaseDelay is the initial backoff delay
	RetryBaseDelay = 500 * time.Millisecond

	// maxBodySize caps how much of a peer response is read.
	maxBodySize = 4 << 20

	tracerName = "github.com/Togather-Foundation/roaming/internal/ocpi/client"
)

// ErrTransport marks failures reaching a peer: network errors, timeouts,
// throttling and server errors.
var ErrTransport = errors.New("peer transport failure")

// HTTPError is returned for a non-success HTTP status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Body)
}

// Config describes how to reach one peer.
type Config struct {
	Token              string
	Base64Encoded      bool
	Timeout            time.Duration
	MaxRetries         int
	RequestsPerSecond  float64
	TLSServerName      string
	InsecureSkipVerify bool
	Headers            map[string]string
}

// Client calls a single peer with one set of credentials.
type Client struct {
	httpClient *http.Client
	authHeader string
	headers    map[string]string
	userAgent  string
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRetryDelay sets the initial backoff delay.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// New builds a client from a peer transport configuration.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := DefaultRateLimit
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	maxRetries := DefaultMaxRetries
	if cfg.MaxRetries > 0 {
		maxRetries = cfg.MaxRetries
	}

	token := cfg.Token
	if cfg.Base64Encoded {
		token = base64.StdEncoding.EncodeToString([]byte(token))
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transportFor(cfg),
		},
		authHeader: "Token " + token,
		headers:    cfg.Headers,
		userAgent:  DefaultUserAgent,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: maxRetries,
		retryDelay: RetryBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func transportFor(cfg Config) http.RoundTripper {
	if cfg.TLSServerName == "" && !cfg.InsecureSkipVerify {
		return http.DefaultTransport
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{
		ServerName:         cfg.TLSServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	return t
}

// GetVersions calls a versions discovery endpoint.
func (c *Client) GetVersions(ctx context.Context, versionsURL string) ([]ocpi.Version, error) {
	var versions []ocpi.Version
	if err := c.do(ctx, http.MethodGet, versionsURL, nil, &versions); err != nil {
		return nil, fmt.Errorf("get versions: %w", err)
	}
	return versions, nil
}

// GetVersionDetail calls a version detail endpoint.
func (c *Client) GetVersionDetail(ctx context.Context, detailURL string) (ocpi.VersionDetail, error) {
	var detail ocpi.VersionDetail
	if err := c.do(ctx, http.MethodGet, detailURL, nil, &detail); err != nil {
		return ocpi.VersionDetail{}, fmt.Errorf("get version detail: %w", err)
	}
	return detail, nil
}

// PostCredentials sends our credentials and returns the ones the peer issued.
// update selects PUT, used when we are already registered with the peer.
func (c *Client) PostCredentials(ctx context.Context, credentialsURL string, creds ocpi.Credentials, update bool) (ocpi.Credentials, error) {
	method := http.MethodPost
	if update {
		method = http.MethodPut
	}
	var issued ocpi.Credentials
	if err := c.do(ctx, method, credentialsURL, creds, &issued); err != nil {
		return ocpi.Credentials{}, fmt.Errorf("%s credentials: %w", method, err)
	}
	return issued, nil
}

// DeleteCredentials unregisters us from the peer.
func (c *Client) DeleteCredentials(ctx context.Context, credentialsURL string) error {
	if err := c.do(ctx, http.MethodDelete, credentialsURL, nil, nil); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// AuthorizeToken asks the peer owning tokenUID whether it may charge.
func (c *Client) AuthorizeToken(ctx context.Context, tokensURL, tokenUID string, tokenType ocpi.TokenType, location *ocpi.LocationReferences) (ocpi.AuthorizationInfo, error) {
	target, err := url.JoinPath(tokensURL, url.PathEscape(tokenUID), "authorize")
	if err != nil {
		return ocpi.AuthorizationInfo{}, fmt.Errorf("build authorize url: %w", err)
	}
	if tokenType != "" {
		target += "?" + url.Values{"type": {string(tokenType)}}.Encode()
	}

	var body any
	if location != nil {
		body = location
	}
	var info ocpi.AuthorizationInfo
	if err := c.do(ctx, http.MethodPost, target, body, &info); err != nil {
		return ocpi.AuthorizationInfo{}, fmt.Errorf("authorize token: %w", err)
	}
	if !info.Allowed.Valid() {
		return ocpi.AuthorizationInfo{}, fmt.Errorf("authorize token: %w: allowed %q", ocpi.ErrMalformedResponse, info.Allowed)
	}
	return info, nil
}

// Push sends a resource object to a peer module endpoint with PUT or PATCH,
// or POST for records the receiver stores under its own id.
func (c *Client) Push(ctx context.Context, method, objectURL string, body json.RawMessage) error {
	if method != http.MethodPut && method != http.MethodPatch && method != http.MethodPost {
		return fmt.Errorf("push: unsupported method %s", method)
	}
	if err := c.do(ctx, method, objectURL, body, nil); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodPut || method == http.MethodDelete
}

// do executes a request with exponential backoff on transient failures and
// decodes the envelope data into result.
func (c *Client) do(ctx context.Context, method, target string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "ocpi.client "+method)
	defer span.End()
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.url", target))

	retries := 0
	if idempotent(method) {
		retries = c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return c.fail(span, fmt.Errorf("%w: %w", ErrTransport, ctx.Err()))
			}
		}

		raw, retry, err := c.attempt(ctx, method, target, payload)
		if err != nil {
			lastErr = err
			if retry && ctx.Err() == nil {
				continue
			}
			return c.fail(span, err)
		}

		if err := ocpi.DecodeResponse(raw, result); err != nil {
			return c.fail(span, err)
		}
		return nil
	}
	return c.fail(span, fmt.Errorf("max retries exceeded: %w", lastErr))
}

// attempt performs one HTTP round trip. retry reports whether the failure is
// transient.
func (c *Client) attempt(ctx context.Context, method, target string, payload []byte) ([]byte, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, fmt.Errorf("%w: rate limiter: %w", ErrTransport, err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: http request: %w", ErrTransport, err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	_ = resp.Body.Close()
	if err != nil {
		return nil, true, fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("%w: rate limited (429)", ErrTransport)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: %w", ErrTransport, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(body)})
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// Peers often answer 4xx with an envelope; prefer its status.
		if derr := ocpi.DecodeResponse(body, nil); derr != nil {
			var se *ocpi.StatusError
			if errors.As(derr, &se) {
				return nil, false, derr
			}
		}
		return nil, false, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(body)}
	}
	return body, false, nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}

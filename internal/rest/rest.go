// Package rest is the HTTP plumbing shared by the auth, relay and lobby
// service clients. It builds an azcore pipeline with bearer-token and
// request-id policies, disables automatic retries (a failed remote call is
// reported to the caller, never replayed), and classifies error responses.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/google/uuid"
)

const (
	moduleName    = "lobbyrelay"
	moduleVersion = "v1.0.0"
)

var (
	// ErrNotFound wraps 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized wraps 401 and 403 responses.
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenSource supplies the bearer token attached to each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// CallObserver is notified once per remote call.
type CallObserver interface {
	ObserveCall(service, operation string, seconds float64, err error)
}

// Options configures a Client. All fields are optional.
type Options struct {
	// Transport sends the HTTP requests. Nil uses the azcore default.
	Transport policy.Transporter
	// Tokens, if set, adds an Authorization: Bearer header to every request.
	Tokens   TokenSource
	Observer CallObserver
	Logger   *slog.Logger
}

// Client issues JSON requests against one service base URL.
type Client struct {
	service  string
	base     string
	pl       runtime.Pipeline
	observer CallObserver
	logger   *slog.Logger
}

// NewClient creates a Client for the named service rooted at baseURL.
func NewClient(service, baseURL string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s url: %w", service, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%s url must be http or https, got %q", service, baseURL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	perCall := []policy.Policy{requestIDPolicy{}}
	if opts.Tokens != nil {
		perCall = append(perCall, &tokenPolicy{tokens: opts.Tokens})
	}
	clientOpts := &policy.ClientOptions{
		Retry: policy.RetryOptions{MaxRetries: -1},
	}
	if opts.Transport != nil {
		clientOpts.Transport = opts.Transport
	}

	return &Client{
		service:  service,
		base:     baseURL,
		pl:       runtime.NewPipeline(moduleName, moduleVersion, runtime.PipelineOptions{PerCall: perCall}, clientOpts),
		observer: opts.Observer,
		logger:   logger,
	}, nil
}

// Do sends a request with body marshalled as JSON (if non-nil) and decodes
// a successful response into out (if non-nil). operation names the call in
// logs, errors and metrics.
func (c *Client) Do(ctx context.Context, method, operation, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveCall(c.service, operation, time.Since(start).Seconds(), err)
		}
	}()

	req, err := runtime.NewRequest(ctx, method, runtime.JoinPaths(c.base, path))
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.service, operation, err)
	}
	if body != nil {
		if err := runtime.MarshalAsJSON(req, body); err != nil {
			return fmt.Errorf("%s %s: encode: %w", c.service, operation, err)
		}
	}

	c.logger.Debug("remote call", "service", c.service, "op", operation)
	resp, err := c.pl.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.service, operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusCreated, http.StatusNoContent) {
		return fmt.Errorf("%s %s: %w", c.service, operation, classify(runtime.NewResponseError(resp)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := runtime.UnmarshalAsJSON(resp, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", c.service, operation, err)
	}
	return nil
}

// IsNotFound reports whether err came from a 404 response.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func classify(err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch respErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

type requestIDPolicy struct{}

func (requestIDPolicy) Do(req *policy.Request) (*http.Response, error) {
	req.Raw().Header.Set("X-Request-Id", uuid.NewString())
	return req.Next()
}

type tokenPolicy struct {
	tokens TokenSource
}

func (p *tokenPolicy) Do(req *policy.Request) (*http.Response, error) {
	tok, err := p.tokens.Token(req.Raw().Context())
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	req.Raw().Header.Set("Authorization", "Bearer "+tok)
	return req.Next()
}

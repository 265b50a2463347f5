// Package verifier calls the third-party deliverability API and maps its
// loosely structured answers onto the pipeline's status and outcome enums.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ignite/email-validator/internal/config"
)

var (
	// ErrRateLimited is returned for HTTP 429.
	ErrRateLimited = errors.New("verifier: rate limited")
	// ErrTransient covers 5xx, timeouts and network failures.
	ErrTransient = errors.New("verifier: transient failure")
)

// DefaultTimeout applies when the config leaves the timeout unset.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is the provider's JSON body.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Domain  string `json:"domain"`
	MX      string `json:"mx"`
	// Raw is the untouched body, stored with the result.
	Raw json.RawMessage `json:"-"`
}

// Client verifies one address per call. It does not retry; rate limiting and
// backoff belong to the caller.
type Client struct {
	baseURL    string
	httpClient HTTPDoer
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg config.VerificationConfig) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithDoer is NewClient with a caller-supplied transport.
func NewClientWithDoer(baseURL string, doer HTTPDoer) *Client {
	return &Client{baseURL: baseURL, httpClient: doer}
}

// Verify asks the provider about email using credential key.
func (c *Client) Verify(ctx context.Context, email, key string) (*Response, error) {
	params := url.Values{}
	params.Set("email", email)
	params.Set("key", key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %v", stripURL(err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransient, req.Method, req.URL.Host, stripURL(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("verifier response exceeds %d bytes", maxResponseBytes)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w (status %d)", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w (status %d)", ErrTransient, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("verifier API error (status %d): %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parsing verifier response: %w", err)
	}
	out.Raw = body
	return &out, nil
}

// stripURL drops the request URL, credential included, that *url.Error
// prints.
func stripURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

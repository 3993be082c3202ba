package openid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxRedirects bounds how many HTTP redirects a single fetch follows
const MaxRedirects = 5

// maxBodySize caps how much of a provider response is read
const maxBodySize = 1 << 20

// DefaultUserAgent is sent on every discovery and direct request
const DefaultUserAgent = "openid-relying-party/1.0"

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final URL after redirects
	URL string
}

// Fetcher performs the network requests of discovery, association and
// stateless verification. Errors are transport failures; non-2xx statuses
// are returned in the Response.
type Fetcher interface {
	Get(ctx context.Context, target string) (*Response, error)
	Post(ctx context.Context, target string, form url.Values) (*Response, error)
}

// defaultFetcher serves components whose Fetcher field is left nil
var defaultFetcher = NewHTTPFetcher()

// HTTPFetcher is the default Fetcher on top of net/http
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// FetcherOption configures an HTTPFetcher
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient sets the base client (for timeouts, TLS config, etc.).
// Its redirect policy is replaced by the MaxRedirects bound.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *HTTPFetcher) {
		if client == nil {
			return
		}
		f.client.Timeout = client.Timeout
		f.client.Jar = client.Jar
		if client.Transport != nil {
			f.client.Transport = client.Transport
		}
	}
}

// WithUserAgent overrides DefaultUserAgent
func WithUserAgent(userAgent string) FetcherOption {
	return func(f *HTTPFetcher) {
		f.userAgent = userAgent
	}
}

// NewHTTPFetcher creates a Fetcher with a 30 second timeout and bounded redirects
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client.Transport = &userAgentTransport{Base: f.client.Transport, UserAgent: f.userAgent}
	f.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", MaxRedirects)
		}
		return nil
	}
	return f
}

// Get fetches target
func (f *HTTPFetcher) Get(ctx context.Context, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/xrds+xml, text/html;q=0.9, */*;q=0.1")
	return f.do(req)
}

// Post sends form as application/x-www-form-urlencoded
func (f *HTTPFetcher) Post(ctx context.Context, target string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(req)
}

func (f *HTTPFetcher) do(req *http.Request) (*Response, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: reading body: %v", ErrTransport, err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        resp.Request.URL.String(),
	}, nil
}

// userAgentTransport wraps an http.RoundTripper to set the User-Agent header
type userAgentTransport struct {
	Base      http.RoundTripper
	UserAgent string
}

// RoundTrip implements http.RoundTripper
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		// Clone the request to avoid mutating the original
		req2 := req.Clone(req.Context())
		req2.Header.Set("User-Agent", t.UserAgent)
		req = req2
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

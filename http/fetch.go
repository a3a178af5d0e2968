// Package http fetches image bytes over HTTP the way a browser image
// request would, recording the response metadata needed for cross-origin
// decisions.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"

	"github.com/meigma/pixcache/internal/dataurl"
)

// DefaultMaxBodyBytes bounds a single response body.
const DefaultMaxBodyBytes = 32 << 20

const acceptImage = "image/avif,image/webp,image/png,image/jpeg,image/gif,image/*;q=0.8,*/*;q=0.5"

var (
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.New("unexpected response status")
	// ErrBodyTooLarge is returned when a body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("response body too large")
)

// Fetcher retrieves resources by URL. It is safe for concurrent use.
type Fetcher struct {
	client       *nethttp.Client
	headers      nethttp.Header
	maxBodyBytes int64
	origin       string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithMaxBodyBytes limits the size of a response body.
// Values <= 0 restore [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBodyBytes = n
	}
}

// WithOrigin sets the origin announced on cross-origin requests.
func WithOrigin(origin string) Option {
	return func(f *Fetcher) {
		f.origin = strings.TrimSuffix(origin, "/")
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:       nethttp.DefaultClient,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	if f.maxBodyBytes <= 0 {
		f.maxBodyBytes = DefaultMaxBodyBytes
	}
	return f
}

// Response is a fully read response.
type Response struct {
	// URL is the final URL after redirects.
	URL         string
	StatusCode  int
	Header      nethttp.Header
	ContentType string
	Body        []byte
}

// AllowsOrigin reports whether the response's Access-Control-Allow-Origin
// header admits origin.
func (r *Response) AllowsOrigin(origin string) bool {
	if r == nil || r.Header == nil {
		return false
	}
	allowed := strings.TrimSpace(r.Header.Get("Access-Control-Allow-Origin"))
	if allowed == "" {
		return false
	}
	return allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), strings.TrimSuffix(origin, "/"))
}

// Fetch retrieves rawURL. When cors is set the request is sent in CORS mode
// and carries the configured Origin header. Data URLs are decoded in place
// without network access.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, cors bool) (*Response, error) {
	if dataurl.Is(rawURL) {
		mimeType, body, err := dataurl.Decode(rawURL)
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > f.maxBodyBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
		}
		return &Response{
			URL:         rawURL,
			StatusCode:  nethttp.StatusOK,
			Header:      nethttp.Header{"Content-Type": []string{mimeType}},
			ContentType: mimeType,
			Body:        body,
		}, nil
	}

	req, err := f.newRequest(ctx, rawURL, cors)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: %s", ErrStatus, rawURL, resp.Status)
	}
	if resp.ContentLength > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, resp.ContentLength)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.maxBodyBytes)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		URL:         finalURL,
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (f *Fetcher) newRequest(ctx context.Context, rawURL string, cors bool) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", acceptImage)
	}
	req.Header.Set("Sec-Fetch-Dest", "image")
	if cors {
		req.Header.Set("Sec-Fetch-Mode", "cors")
		if f.origin != "" {
			req.Header.Set("Origin", f.origin)
		}
	} else {
		req.Header.Set("Sec-Fetch-Mode", "no-cors")
	}
	return req, nil
}

package reencode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pixhttp "github.com/meigma/pixcache/http"
	"github.com/meigma/pixcache/internal/dataurl"
	"github.com/meigma/pixcache/origin"
)

// DefaultTimeout bounds one fetch-and-decode attempt.
const DefaultTimeout = 10 * time.Second

// Fetcher retrieves image bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string, cors bool) (*pixhttp.Response, error)
}

// Policy selects encoding quality and the payload ceiling.
type Policy struct {
	// Quality is the lossy encoding quality, 1-100.
	Quality int
	// MaxPayloadBytes bounds the data URL length; 0 disables the check.
	MaxPayloadBytes int64
}

// Result is a successful re-encode.
type Result struct {
	// Payload is the data URL carrying the encoded image.
	Payload   string
	MIMEType  string
	SizeBytes int64
	Width     int
	Height    int
	// SourceFormat is the decoded format, e.g. "png".
	SourceFormat string
}

// Reencoder fetches images, checks that their pixels are readable from the
// host origin, and re-encodes them. It is safe for concurrent use.
type Reencoder struct {
	fetcher   Fetcher
	origin    string
	timeout   time.Duration
	encoders  []Encoder
	maxPixels int64
	logger    *slog.Logger
}

// Option configures a Reencoder.
type Option func(*Reencoder)

// WithTimeout bounds each attempt. Values <= 0 restore [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(r *Reencoder) {
		r.timeout = d
	}
}

// WithEncoders sets the encoders tried in order.
func WithEncoders(encoders ...Encoder) Option {
	return func(r *Reencoder) {
		if len(encoders) > 0 {
			r.encoders = encoders
		}
	}
}

// WithMaxPixels bounds the decoded surface area.
func WithMaxPixels(n int64) Option {
	return func(r *Reencoder) {
		r.maxPixels = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reencoder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Reencoder reading images on behalf of hostOrigin.
func New(fetcher Fetcher, hostOrigin string, opts ...Option) *Reencoder {
	r := &Reencoder{
		fetcher:   fetcher,
		origin:    hostOrigin,
		timeout:   DefaultTimeout,
		encoders:  DefaultEncoders(),
		maxPixels: DefaultMaxPixels,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	return r
}

// Reencode loads url, in CORS mode when cors is set, and returns the image
// re-encoded under policy.
//
// Errors wrap one of ErrNetwork (fetch failed or timed out), ErrDecode
// (no surface could be created, or no encoder accepted it), ErrTainted
// (pixels are not readable from the host origin) or ErrPayloadTooLarge.
// ErrPayloadTooLarge is returned with a populated Result.
func (r *Reencoder) Reencode(ctx context.Context, url string, cors bool, policy Policy) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.fetcher.Fetch(ctx, url, cors)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrNetwork, url, err)
	}

	surface, err := NewSurface(resp.Body, r.maxPixels)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", url, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrNetwork, url, err)
	}
	if r.taints(resp, cors) {
		surface.Taint()
	}
	if _, err := surface.ReadPixel(0, 0); err != nil {
		return Result{}, fmt.Errorf("%s: %w", url, err)
	}
	img, err := surface.Image()
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", url, err)
	}

	width, height := surface.Size()
	var buf bytes.Buffer
	for _, enc := range r.encoders {
		buf.Reset()
		err := enc.Encode(&buf, img, policy.Quality)
		if err == nil {
			res := Result{
				MIMEType:     enc.MIMEType(),
				SizeBytes:    int64(dataurl.EncodedLen(enc.MIMEType(), buf.Len())),
				Width:        width,
				Height:       height,
				SourceFormat: surface.Format(),
			}
			// Oversized payloads are never built.
			if policy.MaxPayloadBytes > 0 && res.SizeBytes > policy.MaxPayloadBytes {
				return res, fmt.Errorf("%w: %s: %d bytes, limit %d", ErrPayloadTooLarge, url, res.SizeBytes, policy.MaxPayloadBytes)
			}
			res.Payload = dataurl.Encode(enc.MIMEType(), buf.Bytes())
			return res, nil
		}
		if !errors.Is(err, ErrFormatRejected) {
			r.logger.Debug("encoder failed",
				slog.String("url", url),
				slog.String("mime", enc.MIMEType()),
				slog.Any("error", err))
		}
	}
	return Result{}, fmt.Errorf("%w: %s: no encoder accepted %dx%d %s image", ErrDecode, url, width, height, surface.Format())
}

// taints reports whether resp's pixels are unreadable from the host origin.
// Same-origin and local responses are always readable; cross-origin ones
// only when requested in CORS mode and granted to the host origin.
func (r *Reencoder) taints(resp *pixhttp.Response, cors bool) bool {
	if origin.IsLocal(resp.URL) || origin.Same(resp.URL, r.origin) {
		return false
	}
	if !cors {
		return true
	}
	return !resp.AllowsOrigin(r.origin)
}

// Package testutil provides image fixtures and fake transports for tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	nethttp "net/http"
	"sync"

	pixhttp "github.com/meigma/pixcache/http"
)

// OpaquePNG returns a w×h PNG with a fully opaque gradient.
func OpaquePNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 13), B: 0x80, A: 0xff})
		}
	}
	return encodePNG(img)
}

// TransparentPNG returns a w×h PNG whose pixels are half transparent.
func TransparentPNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 0x20, G: 0x40, B: 0x60, A: 0x80})
		}
	}
	return encodePNG(img)
}

// OpaqueGIF returns a w×h single-frame GIF.
func OpaqueGIF(w, h int) []byte {
	img := image.NewPaletted(image.Rect(0, 0, w, h), color.Palette{color.Black, color.White})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetColorIndex(x, y, uint8((x+y)%2))
		}
	}
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func encodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ErrFakeNetwork is returned by FakeFetcher for URLs marked as failing.
var ErrFakeNetwork = errors.New("fake network failure")

// FakeResponse describes how FakeFetcher answers one URL.
type FakeResponse struct {
	Body []byte
	// AllowOrigin is sent as Access-Control-Allow-Origin when non-empty.
	AllowOrigin string
	// FinalURL overrides the response URL, as after a redirect.
	FinalURL string
	// Fail makes the fetch return ErrFakeNetwork.
	Fail bool
	// Gate, when non-nil, blocks the fetch until it is closed or the
	// context ends.
	Gate chan struct{}
}

// Call records one Fetch invocation.
type Call struct {
	URL  string
	CORS bool
}

// FakeFetcher serves canned responses and records every call.
// Unknown URLs fail with ErrFakeNetwork.
type FakeFetcher struct {
	mu        sync.Mutex
	responses map[string]FakeResponse
	calls     []Call
}

// NewFakeFetcher returns an empty FakeFetcher.
func NewFakeFetcher() *FakeFetcher {
	return &FakeFetcher{responses: make(map[string]FakeResponse)}
}

// Serve registers the response for url.
func (f *FakeFetcher) Serve(url string, resp FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = resp
}

// Calls returns a copy of the recorded calls.
func (f *FakeFetcher) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many fetches were made.
func (f *FakeFetcher) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Fetch implements the fetcher interface used by the re-encoder.
func (f *FakeFetcher) Fetch(ctx context.Context, url string, cors bool) (*pixhttp.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{URL: url, CORS: cors})
	resp, ok := f.responses[url]
	f.mu.Unlock()

	if resp.Gate != nil {
		select {
		case <-resp.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok || resp.Fail {
		return nil, ErrFakeNetwork
	}

	header := nethttp.Header{}
	if resp.AllowOrigin != "" {
		header.Set("Access-Control-Allow-Origin", resp.AllowOrigin)
	}
	finalURL := url
	if resp.FinalURL != "" {
		finalURL = resp.FinalURL
	}
	return &pixhttp.Response{
		URL:        finalURL,
		StatusCode: nethttp.StatusOK,
		Header:     header,
		Body:       append([]byte(nil), resp.Body...),
	}, nil
}

// Package reencode loads image bytes onto an in-memory raster surface and
// re-encodes the pixels into a compact data URL.
package reencode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// DefaultMaxPixels bounds the surface area a decode may allocate.
const DefaultMaxPixels = 40_000_000

var (
	// ErrTainted is returned when pixels drawn from a cross-origin response
	// are read back.
	ErrTainted = errors.New("surface tainted by cross-origin data")
	// ErrNetwork is returned when the image could not be fetched in time.
	ErrNetwork = errors.New("image load failed")
	// ErrDecode is returned when no surface can be created for the image.
	ErrDecode = errors.New("image decode failed")
	// ErrPayloadTooLarge is returned when the encoded payload exceeds the
	// policy ceiling. The image is displayable but not cacheable.
	ErrPayloadTooLarge = errors.New("encoded payload too large")
	// ErrFormatRejected is returned by an Encoder that cannot represent
	// the image.
	ErrFormatRejected = errors.New("format rejected")
)

// Surface holds decoded pixels at the image's native dimensions. Once
// tainted, its pixels can no longer be read.
type Surface struct {
	img     image.Image
	format  string
	tainted bool
}

// NewSurface decodes data onto a new surface. Images with no pixels or with
// more than maxPixels pixels are rejected with ErrDecode; maxPixels <= 0
// means [DefaultMaxPixels].
func NewSurface(data []byte, maxPixels int64) (*Surface, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty %s image", ErrDecode, format)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d %s image exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, format, maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &Surface{img: img, format: format}, nil
}

// Taint marks the surface unreadable.
func (s *Surface) Taint() { s.tainted = true }

// Tainted reports whether the surface is unreadable.
func (s *Surface) Tainted() bool { return s.tainted }

// Format returns the name of the source format, e.g. "png".
func (s *Surface) Format() string { return s.format }

// Size returns the surface dimensions.
func (s *Surface) Size() (width, height int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// ReadPixel returns the color at (x, y) relative to the surface origin.
func (s *Surface) ReadPixel(x, y int) (color.RGBA, error) {
	if s.tainted {
		return color.RGBA{}, ErrTainted
	}
	b := s.img.Bounds()
	p := image.Pt(b.Min.X+x, b.Min.Y+y)
	if !p.In(b) {
		return color.RGBA{}, fmt.Errorf("pixel (%d, %d) outside %dx%d surface", x, y, b.Dx(), b.Dy())
	}
	return color.RGBAModel.Convert(s.img.At(p.X, p.Y)).(color.RGBA), nil
}

// Image returns the pixels for encoding.
func (s *Surface) Image() (image.Image, error) {
	if s.tainted {
		return nil, ErrTainted
	}
	return s.img, nil
}

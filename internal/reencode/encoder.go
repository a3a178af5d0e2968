package reencode

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
)

// Encoder writes an image in one transport format.
type Encoder interface {
	MIMEType() string
	// Encode writes img at the given quality (1-100). Encoders that cannot
	// represent img return an error wrapping ErrFormatRejected.
	Encode(w io.Writer, img image.Image, quality int) error
}

// JPEG encodes opaque images as JPEG. Images with transparency are rejected
// since JPEG would flatten them.
type JPEG struct{}

// MIMEType implements Encoder.
func (JPEG) MIMEType() string { return "image/jpeg" }

// Encode implements Encoder.
func (JPEG) Encode(w io.Writer, img image.Image, quality int) error {
	if !isOpaque(img) {
		return fmt.Errorf("jpeg: %w: image has transparency", ErrFormatRejected)
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: clampQuality(quality)})
}

// PNG encodes any image losslessly. Quality selects the compression level.
type PNG struct{}

// MIMEType implements Encoder.
func (PNG) MIMEType() string { return "image/png" }

// Encode implements Encoder.
func (PNG) Encode(w io.Writer, img image.Image, quality int) error {
	level := png.DefaultCompression
	if quality < 70 {
		level = png.BestCompression
	}
	enc := &png.Encoder{CompressionLevel: level}
	return enc.Encode(w, img)
}

// DefaultEncoders returns the preferred encoder order: JPEG, then PNG.
func DefaultEncoders() []Encoder {
	return []Encoder{JPEG{}, PNG{}}
}

func clampQuality(q int) int {
	switch {
	case q <= 0:
		return jpeg.DefaultQuality
	case q > 100:
		return 100
	default:
		return q
	}
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return false
			}
		}
	}
	return true
}

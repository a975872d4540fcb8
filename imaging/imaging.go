// Package imaging provides image decoding, recompression, and the perceptual
// fingerprint used by the style guard.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

var (
	ErrEmptyImage   = errors.New("imaging: empty image data")
	ErrInvalidImage = errors.New("imaging: invalid image data")
)

// Decode decodes image data from the common raster formats (PNG, JPEG, GIF).
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// Recompress re-encodes a raster image as JPEG with the given quality,
// scaling it down first when its longest edge exceeds maxEdge. Images already
// within bounds are re-encoded without scaling.
//
// Returns ErrInvalidImage for non-raster data so the caller can fall back to
// the original bytes.
func Recompress(data []byte, maxEdge, quality int) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if longest := max(w, h); longest > maxEdge {
		scale := float64(maxEdge) / float64(longest)
		nw := int(float64(w) * scale)
		nh := int(float64(h) * scale)
		if nw < 1 {
			nw = 1
		}
		if nh < 1 {
			nh = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("imaging: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// SniffMIME reports the MIME type for known raster magic bytes, or
// "application/octet-stream" when the format is not recognized.
func SniffMIME(data []byte) string {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

package artifacts

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// DefaultThumbnailWidth is used when the configured width is zero.
const DefaultThumbnailWidth = 320

// Thumbnail scales a PNG down to maxWidth, keeping the aspect ratio. Images
// already narrower than maxWidth are returned unchanged.
func Thumbnail(data []byte, maxWidth int) ([]byte, error) {
	if maxWidth <= 0 {
		maxWidth = DefaultThumbnailWidth
	}
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("thumbnail: decode: %w", err)
	}
	b := src.Bounds()
	if b.Dx() <= maxWidth {
		return data, nil
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("thumbnail: encode: %w", err)
	}
	return buf.Bytes(), nil
}

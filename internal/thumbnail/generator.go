// Package thumbnail renders small JPEG previews of image files.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
)

const (
	// maxEdge is the bounding box for generated thumbnails. Aspect ratio is
	// preserved, so the longer edge lands on this value.
	maxEdge = 320
	// jpegQuality balances preview fidelity against storage cost.
	jpegQuality = 80
)

// Generator renders JPEG thumbnails from image files on disk.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate decodes the image at path and returns JPEG bytes scaled to fit
// within the thumbnail bounding box. Images already within the box are
// re-encoded at original size.
func (g *Generator) Generate(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("decode image: empty bounds %dx%d", w, h)
	}

	tw, th := fitWithin(w, h, maxEdge)
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin scales (w, h) down to fit a square box of the given edge,
// preserving aspect ratio. Dimensions already inside the box are unchanged.
func fitWithin(w, h, edge int) (int, int) {
	if w <= edge && h <= edge {
		return w, h
	}
	if w >= h {
		scaled := h * edge / w
		if scaled < 1 {
			scaled = 1
		}
		return edge, scaled
	}
	scaled := w * edge / h
	if scaled < 1 {
		scaled = 1
	}
	return scaled, edge
}

package webp_converter

import (
	"bytes"
	"fmt"
	"image"

	"github.com/chai2010/webp"
)

const (
	Ext         = ".webp"
	ContentType = "image/webp"
)

type Converter struct{}

// Encode writes img as lossy webp at quality (0-100).
func (Converter) Encode(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		return nil, fmt.Errorf("quality %d out of range", quality)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, fmt.Errorf("error encoding to webp: %w", err)
	}

	return buf.Bytes(), nil
}

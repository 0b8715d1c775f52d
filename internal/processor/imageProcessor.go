package processor

import (
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// ImageModifier defines an image modifier
type ImageModifier interface {
	Modify(img image.Image) image.Image
}

// WidthResizer scales an image down to Width keeping the aspect ratio.
// Images already narrower than Width are returned unchanged.
type WidthResizer struct {
	Width int
}

// Modify to implement ImageModifier interface
func (r WidthResizer) Modify(img image.Image) image.Image {
	w := img.Bounds().Dx()
	if w == 0 || r.Width <= 0 || w <= r.Width {
		return img
	}
	return imaging.Resize(img, r.Width, 0, imaging.Lanczos)
}

// LoadFile decodes the image at path, applying the EXIF orientation, then runs
// the modifiers in order.
func LoadFile(path string, modifiers ...ImageModifier) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	for _, modifier := range modifiers {
		img = modifier.Modify(img)
	}

	return img, nil
}

package variants

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/apperr"
	"github.com/trunov/mediaopt/internal/processor"
	webp_converter "github.com/trunov/mediaopt/internal/webp-converter"
)

// CacheControl is set on every variant; a variant key changes whenever its width does.
const CacheControl = "public, max-age=31536000, immutable"

type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	DownloadFile(ctx context.Context, key, dir string) (string, func(), error)
	Upload(ctx context.Context, key, contentType, cacheControl string, payload []byte) error
}

type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

type Generator struct {
	store   ObjectStore
	enc     Encoder
	tempDir string
	logger  *zap.Logger
}

func NewGenerator(store ObjectStore, tempDir string, logger *zap.Logger) *Generator {
	return &Generator{
		store:   store,
		enc:     webp_converter.Converter{},
		tempDir: tempDir,
		logger:  logger.With(zap.String("component", "variants")),
	}
}

// Exists reports whether a source object is present.
func (g *Generator) Exists(ctx context.Context, src string) (bool, error) {
	return g.store.Exists(ctx, src)
}

// Generate produces one webp object per spec under prefix and returns name -> object key.
// Variants uploaded before a failing spec are left in place.
func (g *Generator) Generate(ctx context.Context, src, prefix string, specs []Spec) (map[string]string, error) {
	ok, err := g.store.Exists(ctx, src)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.CodeSourceNotFound, "generate", fmt.Errorf("object %q", src))
	}

	local, cleanup, err := g.store.DownloadFile(ctx, src, g.tempDir)
	defer cleanup()
	if err != nil {
		return nil, err
	}

	if err := checkImage(local); err != nil {
		return nil, err
	}

	img, err := processor.LoadFile(local)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDecode, "generate "+src, err)
	}

	out := make(map[string]string, len(specs))
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resized := processor.WidthResizer{Width: spec.Width}.Modify(img)
		payload, err := g.enc.Encode(resized, spec.Quality)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeEncode, fmt.Sprintf("encode %s@%d", src, spec.Width), err)
		}

		key := Key(prefix, spec.Width, webp_converter.Ext)
		if err := g.store.Upload(ctx, key, webp_converter.ContentType, CacheControl, payload); err != nil {
			return nil, err
		}
		out[spec.Name] = key

		g.logger.Debug("variant uploaded",
			zap.String("src", src),
			zap.String("key", key),
			zap.Int("bytes", len(payload)),
		)
	}

	return out, nil
}

func checkImage(path string) error {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("detect content type: %w", err)
	}
	if !strings.HasPrefix(mtype.String(), "image/") {
		return apperr.New(apperr.CodeDecode, "generate", fmt.Errorf("source is %s, not an image", mtype.String()))
	}
	return nil
}

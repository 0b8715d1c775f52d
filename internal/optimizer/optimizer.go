package optimizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/apperr"
	"github.com/trunov/mediaopt/internal/entities"
	"github.com/trunov/mediaopt/internal/steprecorder"
	"github.com/trunov/mediaopt/internal/variants"
)

// Role names double as step names and as the role segment of variant keys.
const (
	RoleCover   = "cover"
	RoleQuality = "quality"
	RoleGallery = "gallery"
)

// maxQualityRefs is how many quality slots a product carries.
const maxQualityRefs = 2

// Skip reasons written to media.debug.
const (
	ReasonHasCard     = "already_has_variants_" + variants.Card
	ReasonHasDetail   = "already_has_variants_" + variants.Detail
	ReasonNoCoverRef  = "no_cover_ref"
	ReasonNoQuality   = "no_quality_refs"
	ReasonNoGallery   = "no_gallery"
	ReasonUnparseable = "unparseable_ref"
)

type Repository interface {
	GetProduct(ctx context.Context, id string) (entities.Product, error)
	ListGallery(ctx context.Context, productID string) ([]entities.GalleryItem, error)
	MergeProductMedia(ctx context.Context, id, key string, patch map[string]any) error
	MergeGalleryMedia(ctx context.Context, productID, itemID string, patch map[string]any) error
}

type Generator interface {
	Exists(ctx context.Context, src string) (bool, error)
	Generate(ctx context.Context, src, prefix string, specs []variants.Spec) (map[string]string, error)
}

type Resolver interface {
	Resolve(ref string) (string, bool)
}

type StepRecorder interface {
	Record(ctx context.Context, productID, step string, o steprecorder.Outcome)
}

// Result reports what happened to each role of one product.
type Result struct {
	ID      string
	Cover   steprecorder.Outcome
	Quality steprecorder.Outcome
	Gallery steprecorder.Outcome
}

// Failed reports whether any role failed.
func (r Result) Failed() bool {
	return r.Cover.Kind == steprecorder.Failed ||
		r.Quality.Kind == steprecorder.Failed ||
		r.Gallery.Kind == steprecorder.Failed
}

type Optimizer struct {
	repo       Repository
	gen        Generator
	resolver   Resolver
	rec        StepRecorder
	collection string
	now        func() time.Time
	logger     *zap.Logger
}

func New(repo Repository, gen Generator, resolver Resolver, rec StepRecorder, collection string, logger *zap.Logger) *Optimizer {
	return &Optimizer{
		repo:       repo,
		gen:        gen,
		resolver:   resolver,
		rec:        rec,
		collection: collection,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "optimizer")),
	}
}

// OptimizeProduct runs the cover, quality and gallery steps for one product. Step
// failures never abort sibling steps and are not returned; only failing to load the
// product is an error. A quality or gallery step fails when any of its items failed,
// after the items that did complete are written.
func (o *Optimizer) OptimizeProduct(ctx context.Context, id string) (Result, error) {
	p, err := o.repo.GetProduct(ctx, id)
	if err != nil {
		return Result{ID: id}, fmt.Errorf("load product %s: %w", id, err)
	}

	res := Result{ID: p.ID}
	res.Cover = o.step(ctx, p.ID, RoleCover, func() steprecorder.Outcome { return o.cover(ctx, p) })
	res.Quality = o.step(ctx, p.ID, RoleQuality, func() steprecorder.Outcome { return o.quality(ctx, p) })
	res.Gallery = o.step(ctx, p.ID, RoleGallery, func() steprecorder.Outcome { return o.gallery(ctx, p) })

	o.logger.Info("product optimized",
		zap.String("product_id", p.ID),
		zap.Stringer("cover", res.Cover.Kind),
		zap.Stringer("quality", res.Quality.Kind),
		zap.Stringer("gallery", res.Gallery.Kind),
	)
	return res, nil
}

// step runs fn, turning a panic into a failure, then logs and records the outcome.
func (o *Optimizer) step(ctx context.Context, productID, name string, fn func() steprecorder.Outcome) (out steprecorder.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = steprecorder.Fail(apperr.New(apperr.CodeInternal, name, fmt.Errorf("panic: %v", r)))
		}
		switch out.Kind {
		case steprecorder.Failed:
			o.logger.Error("step failed",
				zap.String("product_id", productID),
				zap.String("step", name),
				zap.Error(out.Err),
			)
		case steprecorder.Skipped:
			o.logger.Debug("step skipped",
				zap.String("product_id", productID),
				zap.String("step", name),
				zap.String("reason", out.Reason),
			)
		}
		o.rec.Record(ctx, productID, name, out)
	}()
	return fn()
}

func (o *Optimizer) cover(ctx context.Context, p entities.Product) steprecorder.Outcome {
	if p.Media.Cover.HasVariant(variants.Card) {
		return steprecorder.Skip(ReasonHasCard)
	}

	src, ok := o.resolver.Resolve(p.CoverSrc)
	if !ok {
		return steprecorder.Skip(ReasonNoCoverRef)
	}
	if err := o.ensureSource(ctx, src); err != nil {
		return steprecorder.Fail(err)
	}

	generated, err := o.gen.Generate(ctx, src, variants.Prefix(o.collection, p.ID, RoleCover, ""), variants.CoverSet)
	if err != nil {
		return steprecorder.Fail(err)
	}

	var existing map[string]string
	if p.Media.Cover != nil {
		existing = p.Media.Cover.Variants
	}
	err = o.repo.MergeProductMedia(ctx, p.ID, RoleCover, map[string]any{
		"variants":     mergeVariants(existing, generated),
		"originalPath": src,
		"updatedAt":    o.now().UTC(),
	})
	if err != nil {
		return steprecorder.Fail(err)
	}
	return steprecorder.Done()
}

func (o *Optimizer) quality(ctx context.Context, p entities.Product) steprecorder.Outcome {
	type slot struct {
		index int
		ref   string
	}
	var slots []slot
	for i, ref := range p.QualitySrcs {
		if i >= maxQualityRefs {
			break
		}
		if strings.TrimSpace(ref) != "" {
			slots = append(slots, slot{index: i, ref: ref})
		}
	}
	if len(slots) == 0 {
		return steprecorder.Skip(ReasonNoQuality)
	}

	var entries []entities.QualityEntry
	failed := 0
	for _, s := range slots {
		var entry entities.QualityEntry
		sub := o.step(ctx, p.ID, RoleQuality+"_"+strconv.Itoa(s.index), func() steprecorder.Outcome {
			src, ok := o.resolver.Resolve(s.ref)
			if !ok {
				return steprecorder.Fail(apperr.New(apperr.CodeInvalidInput, "resolve", fmt.Errorf("quality ref %d is not a storage reference", s.index)))
			}
			if err := o.ensureSource(ctx, src); err != nil {
				return steprecorder.Fail(err)
			}
			prefix := variants.Prefix(o.collection, p.ID, RoleQuality, strconv.Itoa(s.index))
			generated, err := o.gen.Generate(ctx, src, prefix, variants.DetailSet)
			if err != nil {
				return steprecorder.Fail(err)
			}
			entry = entities.QualityEntry{Index: s.index, OriginalPath: src, Variants: generated, UpdatedAt: o.now().UTC()}
			return steprecorder.Done()
		})
		switch sub.Kind {
		case steprecorder.Completed:
			entries = append(entries, entry)
		case steprecorder.Failed:
			failed++
		}
	}

	if len(entries) == 0 {
		return steprecorder.Fail(apperr.New(apperr.CodeInternal, "quality", errors.New("no quality image could be processed")))
	}

	err := o.repo.MergeProductMedia(ctx, p.ID, RoleQuality, map[string]any{
		"items":     entries,
		"count":     len(entries),
		"updatedAt": o.now().UTC(),
	})
	if err != nil {
		return steprecorder.Fail(err)
	}
	if failed > 0 {
		return steprecorder.Fail(apperr.New(apperr.CodeInternal, "quality", fmt.Errorf("%d of %d quality images failed", failed, len(slots))))
	}
	return steprecorder.Done()
}

func (o *Optimizer) gallery(ctx context.Context, p entities.Product) steprecorder.Outcome {
	items, err := o.repo.ListGallery(ctx, p.ID)
	if err != nil {
		return steprecorder.Fail(err)
	}
	if len(items) == 0 {
		return steprecorder.Skip(ReasonNoGallery)
	}

	failed := 0
	for _, it := range items {
		sub := o.step(ctx, p.ID, RoleGallery+"_"+it.ID, func() steprecorder.Outcome {
			return o.galleryItem(ctx, p, it)
		})
		if sub.Kind == steprecorder.Failed {
			failed++
		}
	}
	if failed > 0 {
		return steprecorder.Fail(apperr.New(apperr.CodeInternal, "gallery", fmt.Errorf("%d of %d gallery items failed", failed, len(items))))
	}
	return steprecorder.Done()
}

func (o *Optimizer) galleryItem(ctx context.Context, p entities.Product, it entities.GalleryItem) steprecorder.Outcome {
	if it.Media.HasVariant(variants.Detail) {
		return steprecorder.Skip(ReasonHasDetail)
	}
	src, ok := o.resolver.Resolve(it.Src)
	if !ok {
		return steprecorder.Skip(ReasonUnparseable)
	}
	if err := o.ensureSource(ctx, src); err != nil {
		return steprecorder.Fail(err)
	}

	prefix := variants.Prefix(o.collection, p.ID, RoleGallery, variants.SafeKey(p.Code, it.ID))
	generated, err := o.gen.Generate(ctx, src, prefix, variants.DetailSet)
	if err != nil {
		return steprecorder.Fail(err)
	}

	err = o.repo.MergeGalleryMedia(ctx, p.ID, it.ID, map[string]any{
		"variants":     mergeVariants(it.Media.Variants, generated),
		"originalPath": src,
		"updatedAt":    o.now().UTC(),
	})
	if err != nil {
		return steprecorder.Fail(err)
	}
	return steprecorder.Done()
}

// OptimizeRole generates the variant set of a single uploaded source. Cover results
// are merged onto the product; quality and gallery results are only produced.
func (o *Optimizer) OptimizeRole(ctx context.Context, productID, role, key, src string) (map[string]string, error) {
	specs := variants.DetailSet
	switch role {
	case RoleCover:
		specs = variants.CoverSet
		key = ""
	case RoleQuality, RoleGallery:
	default:
		return nil, apperr.New(apperr.CodeInvalidInput, "optimize role", fmt.Errorf("unknown role %q", role))
	}

	generated, err := o.gen.Generate(ctx, src, variants.Prefix(o.collection, productID, role, key), specs)
	if err != nil {
		return nil, err
	}
	if role != RoleCover {
		return generated, nil
	}

	err = o.repo.MergeProductMedia(ctx, productID, RoleCover, map[string]any{
		"variants":     generated,
		"originalPath": src,
		"updatedAt":    o.now().UTC(),
	})
	return generated, err
}

func (o *Optimizer) ensureSource(ctx context.Context, src string) error {
	ok, err := o.gen.Exists(ctx, src)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.CodeSourceNotFound, "check source", fmt.Errorf("object %q", src))
	}
	return nil
}

func mergeVariants(existing, generated map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(generated))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range generated {
		out[k] = v
	}
	return out
}

package optimizer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trunov/mediaopt/internal/apperr"
	"github.com/trunov/mediaopt/internal/entities"
	"github.com/trunov/mediaopt/internal/pathresolver"
	"github.com/trunov/mediaopt/internal/steprecorder"
	"github.com/trunov/mediaopt/internal/variants"
)

type merge struct {
	id, item, key string
	patch         map[string]any
}

type fakeRepo struct {
	mu       sync.Mutex
	products map[string]entities.Product
	gallery  map[string][]entities.GalleryItem
	merges   []merge
}

func (f *fakeRepo) GetProduct(_ context.Context, id string) (entities.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return p, apperr.New(apperr.CodeNotFound, "get product", nil)
	}
	return p, nil
}

func (f *fakeRepo) ListGallery(_ context.Context, id string) ([]entities.GalleryItem, error) {
	return f.gallery[id], nil
}

func (f *fakeRepo) MergeProductMedia(_ context.Context, id, key string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, merge{id: id, key: key, patch: patch})
	return nil
}

func (f *fakeRepo) MergeGalleryMedia(_ context.Context, id, item string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, merge{id: id, item: item, patch: patch})
	return nil
}

func (f *fakeRepo) find(id, item, key string) (map[string]any, bool) {
	for _, m := range f.merges {
		if m.id == id && m.item == item && m.key == key {
			return m.patch, true
		}
	}
	return nil, false
}

type fakeGen struct {
	sources   map[string]bool
	generated []string // prefixes
	panicOn   string
}

func (g *fakeGen) Exists(_ context.Context, src string) (bool, error) {
	return g.sources[src], nil
}

func (g *fakeGen) Generate(_ context.Context, src, prefix string, specs []variants.Spec) (map[string]string, error) {
	if src == g.panicOn {
		panic("decoder exploded")
	}
	g.generated = append(g.generated, prefix)
	out := map[string]string{}
	for _, s := range specs {
		out[s.Name] = variants.Key(prefix, s.Width, ".webp")
	}
	return out, nil
}

type recorded struct {
	id, step string
	o        steprecorder.Outcome
}

type fakeRecorder struct {
	mu   sync.Mutex
	outs []recorded
}

func (r *fakeRecorder) Record(_ context.Context, id, step string, o steprecorder.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = append(r.outs, recorded{id, step, o})
}

func (r *fakeRecorder) get(step string) (steprecorder.Outcome, bool) {
	for _, x := range r.outs {
		if x.step == step {
			return x.o, true
		}
	}
	return steprecorder.Outcome{}, false
}

func setup(t *testing.T) (*Optimizer, *fakeRepo, *fakeGen, *fakeRecorder) {
	repo := &fakeRepo{
		products: map[string]entities.Product{},
		gallery:  map[string][]entities.GalleryItem{},
	}
	gen := &fakeGen{sources: map[string]bool{}}
	rec := &fakeRecorder{}
	o := New(repo, gen, pathresolver.New("media"), rec, "products", zaptest.NewLogger(t))
	return o, repo, gen, rec
}

func TestOptimizeProductAllRoles(t *testing.T) {
	o, repo, gen, rec := setup(t)
	repo.products["p1"] = entities.Product{
		ID:          "p1",
		Code:        "VX 12",
		CoverSrc:    "https://firebasestorage.googleapis.com/v0/b/media/o/products%2Fp1%2Foriginal%2Fcover%2Fc.jpg?alt=media",
		QualitySrcs: []string{"products/p1/original/quality/q0.jpg", "", "products/p1/original/quality/ignored.jpg"},
	}
	repo.gallery["p1"] = []entities.GalleryItem{
		{ProductID: "p1", ID: "g1", Src: "products/p1/original/gallery/g1.jpg"},
		{ProductID: "p1", ID: "g2", Src: "products/p1/original/gallery/g2.jpg",
			Media: entities.RoleMedia{Variants: map[string]string{variants.Detail: "x"}}},
		{ProductID: "p1", ID: "g3", Src: "   "},
		{ProductID: "p1", ID: "g4", Src: "products/p1/original/gallery/missing.jpg"},
	}
	for _, s := range []string{
		"products/p1/original/cover/c.jpg",
		"products/p1/original/quality/q0.jpg",
		"products/p1/original/gallery/g1.jpg",
	} {
		gen.sources[s] = true
	}

	res, err := o.OptimizeProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", res.ID)
	assert.Equal(t, steprecorder.Completed, res.Cover.Kind)
	assert.Equal(t, steprecorder.Completed, res.Quality.Kind)
	assert.Equal(t, steprecorder.Failed, res.Gallery.Kind, "g4 has no source")
	assert.True(t, res.Failed())

	cover, ok := repo.find("p1", "", RoleCover)
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		variants.Thumb:  "products/p1/optimized/cover_320.webp",
		variants.Card:   "products/p1/optimized/cover_640.webp",
		variants.Detail: "products/p1/optimized/cover_1024.webp",
	}, cover["variants"])
	assert.Equal(t, "products/p1/original/cover/c.jpg", cover["originalPath"])

	quality, ok := repo.find("p1", "", RoleQuality)
	require.True(t, ok)
	assert.Equal(t, 1, quality["count"])
	items := quality["items"].([]entities.QualityEntry)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Index)
	assert.Equal(t, "products/p1/optimized/quality_0_640.webp", items[0].Variants[variants.Card])

	g1, ok := repo.find("p1", "g1", "")
	require.True(t, ok)
	assert.Equal(t, "products/p1/optimized/gallery_VX-12_g1_1024.webp", g1["variants"].(map[string]string)[variants.Detail])

	_, ok = repo.find("p1", "g2", "")
	assert.False(t, ok)

	g2, _ := rec.get("gallery_g2")
	assert.Equal(t, ReasonHasDetail, g2.Reason)
	g3, _ := rec.get("gallery_g3")
	assert.Equal(t, ReasonUnparseable, g3.Reason)
	g4, _ := rec.get("gallery_g4")
	assert.Equal(t, steprecorder.Failed, g4.Kind)
	assert.True(t, apperr.Is(g4.Err, apperr.CodeSourceNotFound))

	assert.NotContains(t, gen.generated, "products/p1/optimized/quality_2", "only two quality slots are read")
}

func TestOptimizeProductSkipsOptimizedCover(t *testing.T) {
	o, repo, gen, rec := setup(t)
	repo.products["p1"] = entities.Product{
		ID:       "p1",
		CoverSrc: "products/p1/original/cover/c.jpg",
		Media: entities.Media{Cover: &entities.RoleMedia{
			Variants: map[string]string{variants.Card: "products/p1/optimized/cover_640.webp"},
		}},
	}
	gen.sources["products/p1/original/cover/c.jpg"] = true

	for i := 0; i < 2; i++ {
		res, err := o.OptimizeProduct(context.Background(), "p1")
		require.NoError(t, err)
		assert.Equal(t, steprecorder.Skipped, res.Cover.Kind)
	}

	assert.Empty(t, gen.generated)
	skip, ok := rec.get(RoleCover)
	require.True(t, ok)
	assert.Equal(t, "already_has_variants_card", skip.Reason)

	q, _ := rec.get(RoleQuality)
	assert.Equal(t, ReasonNoQuality, q.Reason)
	g, _ := rec.get(RoleGallery)
	assert.Equal(t, ReasonNoGallery, g.Reason)
}

func TestOptimizeProductFailureDoesNotAbortSiblings(t *testing.T) {
	o, repo, gen, rec := setup(t)
	repo.products["p1"] = entities.Product{
		ID:          "p1",
		CoverSrc:    "products/p1/original/cover/gone.jpg",
		QualitySrcs: []string{"products/p1/original/quality/boom.jpg", "products/p1/original/quality/q1.jpg"},
	}
	gen.sources["products/p1/original/quality/boom.jpg"] = true
	gen.sources["products/p1/original/quality/q1.jpg"] = true
	gen.panicOn = "products/p1/original/quality/boom.jpg"

	res, err := o.OptimizeProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, res.Failed())

	assert.Equal(t, steprecorder.Failed, res.Cover.Kind)
	assert.True(t, apperr.Is(res.Cover.Err, apperr.CodeSourceNotFound))

	q0, ok := rec.get("quality_0")
	require.True(t, ok)
	assert.Equal(t, steprecorder.Failed, q0.Kind)
	assert.Contains(t, q0.Err.Error(), "decoder exploded")

	assert.Equal(t, steprecorder.Failed, res.Quality.Kind)
	assert.Contains(t, res.Quality.Err.Error(), "1 of 2 quality images failed")
	quality, ok := repo.find("p1", "", RoleQuality)
	require.True(t, ok, "completed slots are still written")
	assert.Equal(t, 1, quality["count"])
}

func TestOptimizeProductGalleryItemFailureFailsProduct(t *testing.T) {
	o, repo, gen, rec := setup(t)
	repo.products["p1"] = entities.Product{ID: "p1", Code: "C1"}
	repo.gallery["p1"] = []entities.GalleryItem{
		{ProductID: "p1", ID: "g1", Src: "products/p1/original/gallery/gone.jpg"},
		{ProductID: "p1", ID: "g2", Src: "products/p1/original/gallery/g2.jpg"},
	}
	gen.sources["products/p1/original/gallery/g2.jpg"] = true

	res, err := o.OptimizeProduct(context.Background(), "p1")
	require.NoError(t, err)

	g1, ok := rec.get("gallery_g1")
	require.True(t, ok)
	assert.Equal(t, steprecorder.Failed, g1.Kind)
	assert.Equal(t, steprecorder.Failed, res.Gallery.Kind)
	assert.True(t, res.Failed())

	_, ok = repo.find("p1", "g2", "")
	assert.True(t, ok, "sibling item is still written")
	gallery, ok := rec.get(RoleGallery)
	require.True(t, ok)
	assert.Contains(t, gallery.Err.Error(), "1 of 2 gallery items failed")
}

func TestOptimizeProductGallerySkipsAreNotFailures(t *testing.T) {
	o, repo, _, _ := setup(t)
	repo.products["p1"] = entities.Product{ID: "p1"}
	repo.gallery["p1"] = []entities.GalleryItem{
		{ProductID: "p1", ID: "g1", Src: "  "},
		{ProductID: "p1", ID: "g2", Media: entities.RoleMedia{Variants: map[string]string{variants.Detail: "x"}}},
	}

	res, err := o.OptimizeProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, steprecorder.Completed, res.Gallery.Kind)
	assert.False(t, res.Failed())
}

func TestOptimizeProductNotFound(t *testing.T) {
	o, _, _, _ := setup(t)

	_, err := o.OptimizeProduct(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestOptimizeRole(t *testing.T) {
	o, repo, gen, _ := setup(t)
	gen.sources["products/p9/original/cover/a.jpg"] = true
	gen.sources["products/p9/original/gallery/b.jpg"] = true

	got, err := o.OptimizeRole(context.Background(), "p9", RoleCover, "ignored", "products/p9/original/cover/a.jpg")
	require.NoError(t, err)
	assert.Len(t, got, 3)
	_, ok := repo.find("p9", "", RoleCover)
	assert.True(t, ok)

	got, err = o.OptimizeRole(context.Background(), "p9", RoleGallery, "b", "products/p9/original/gallery/b.jpg")
	require.NoError(t, err)
	assert.Equal(t, "products/p9/optimized/gallery_b_640.webp", got[variants.Card])
	assert.Len(t, repo.merges, 1, "gallery uploads are not reconciled onto records")

	_, err = o.OptimizeRole(context.Background(), "p9", "banner", "", "x.jpg")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidInput))
}

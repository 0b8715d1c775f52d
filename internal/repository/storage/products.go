package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trunov/mediaopt/internal/apperr"
	"github.com/trunov/mediaopt/internal/entities"
)

const productColumns = `id, code, subcat, cover_src, quality_srcs, media`

func scanProduct(row pgx.Row) (entities.Product, error) {
	var (
		p     entities.Product
		media []byte
	)
	if err := row.Scan(&p.ID, &p.Code, &p.Subcat, &p.CoverSrc, &p.QualitySrcs, &media); err != nil {
		return p, err
	}
	if len(media) > 0 {
		if err := json.Unmarshal(media, &p.Media); err != nil {
			return p, fmt.Errorf("decode media of %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func (s *dbStorage) GetProduct(ctx context.Context, id string) (entities.Product, error) {
	row := s.dbpool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, apperr.New(apperr.CodeNotFound, "get product", fmt.Errorf("product %q", id))
	}
	return p, err
}

// ListProductsAfter returns up to limit products with id > after in ascending id order.
// An empty after starts from the beginning.
func (s *dbStorage) ListProductsAfter(ctx context.Context, after string, limit int) ([]entities.Product, error) {
	rows, err := s.dbpool.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id COLLATE "C" > $1
		ORDER BY id COLLATE "C"
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entities.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Non-object values (SQL NULL, JSON null, scalars) are replaced by an empty object
// before merging; "||" on them would build an array instead.
const mergeProductMediaSQL = `
		UPDATE products
		SET media = jsonb_set(
				CASE WHEN jsonb_typeof(media) = 'object' THEN media ELSE '{}'::jsonb END,
				ARRAY[$2::text],
				CASE WHEN jsonb_typeof(media -> $2::text) = 'object' THEN media -> $2::text ELSE '{}'::jsonb END
					|| $3::jsonb,
				true),
			updated_at = now()
		WHERE id = $1`

const mergeGalleryMediaSQL = `
		UPDATE product_gallery
		SET media = CASE WHEN jsonb_typeof(media) = 'object' THEN media ELSE '{}'::jsonb END || $3::jsonb,
			updated_at = now()
		WHERE product_id = $1 AND id = $2`

// MergeProductMedia merges patch into media.<key>, leaving every other key untouched.
func (s *dbStorage) MergeProductMedia(ctx context.Context, id, key string, patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	tag, err := s.dbpool.Exec(ctx, mergeProductMediaSQL, id, key, string(raw))
	if err != nil {
		return fmt.Errorf("merge media.%s of %s: %w", key, id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeNotFound, "merge media", fmt.Errorf("product %q", id))
	}
	return nil
}

func (s *dbStorage) ListGallery(ctx context.Context, productID string) ([]entities.GalleryItem, error) {
	rows, err := s.dbpool.Query(ctx, `
		SELECT product_id, id, position, src, media
		FROM product_gallery
		WHERE product_id = $1
		ORDER BY position, id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entities.GalleryItem
	for rows.Next() {
		var (
			it    entities.GalleryItem
			media []byte
		)
		if err := rows.Scan(&it.ProductID, &it.ID, &it.Position, &it.Src, &media); err != nil {
			return nil, err
		}
		if len(media) > 0 {
			if err := json.Unmarshal(media, &it.Media); err != nil {
				return nil, fmt.Errorf("decode gallery media %s/%s: %w", productID, it.ID, err)
			}
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MergeGalleryMedia merges patch into the top level of the child's media document.
func (s *dbStorage) MergeGalleryMedia(ctx context.Context, productID, itemID string, patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	_, err = s.dbpool.Exec(ctx, mergeGalleryMediaSQL, productID, itemID, string(raw))
	if err != nil {
		return fmt.Errorf("merge gallery media %s/%s: %w", productID, itemID, err)
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trunov/mediaopt/internal/entities"
)

const jobColumns = `id, status, subcat, subcat_norm, page_size, concurrency, cursor,
	scanned, matched, processed, ok, fail,
	lock_locked, lock_until, lock_updated_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (entities.Job, error) {
	var j entities.Job
	err := row.Scan(&j.ID, &j.Status, &j.Subcat, &j.SubcatNorm, &j.PageSize, &j.Concurrency, &j.Cursor,
		&j.Totals.Scanned, &j.Totals.Matched, &j.Totals.Processed, &j.Totals.OK, &j.Totals.Fail,
		&j.Lock.Locked, &j.Lock.Until, &j.Lock.UpdatedAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// GetJob reports false when no job document exists for id.
func (s *dbStorage) GetJob(ctx context.Context, id string) (entities.Job, bool, error) {
	j, err := scanJob(s.dbpool.QueryRow(ctx, `SELECT `+jobColumns+` FROM optimize_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return j, false, nil
	}
	if err != nil {
		return j, false, err
	}
	return j, true, nil
}

// SaveJob upserts every field except the lock columns.
func (s *dbStorage) SaveJob(ctx context.Context, j entities.Job) error {
	_, err := s.dbpool.Exec(ctx, `
		INSERT INTO optimize_jobs (id, status, subcat, subcat_norm, page_size, concurrency, cursor,
			scanned, matched, processed, ok, fail, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			subcat = EXCLUDED.subcat,
			subcat_norm = EXCLUDED.subcat_norm,
			page_size = EXCLUDED.page_size,
			concurrency = EXCLUDED.concurrency,
			cursor = EXCLUDED.cursor,
			scanned = EXCLUDED.scanned,
			matched = EXCLUDED.matched,
			processed = EXCLUDED.processed,
			ok = EXCLUDED.ok,
			fail = EXCLUDED.fail,
			last_error = EXCLUDED.last_error,
			updated_at = now()`,
		j.ID, j.Status, j.Subcat, j.SubcatNorm, j.PageSize, j.Concurrency, j.Cursor,
		j.Totals.Scanned, j.Totals.Matched, j.Totals.Processed, j.Totals.OK, j.Totals.Fail, j.LastError)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

// UpdateLock runs fn against the current lock of job id inside a transaction that
// holds the row lock, and writes back what fn returns. The job row is created when
// missing. An error from fn rolls the transaction back.
func (s *dbStorage) UpdateLock(ctx context.Context, id string, fn func(cur entities.Lock) (entities.Lock, error)) error {
	tx, err := s.dbpool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO optimize_jobs (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
		return fmt.Errorf("ensure job %s: %w", id, err)
	}

	var cur entities.Lock
	err = tx.QueryRow(ctx, `
		SELECT lock_locked, lock_until, lock_updated_at
		FROM optimize_jobs
		WHERE id = $1
		FOR UPDATE`, id).Scan(&cur.Locked, &cur.Until, &cur.UpdatedAt)
	if err != nil {
		return fmt.Errorf("read lock %s: %w", id, err)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE optimize_jobs
		SET lock_locked = $2, lock_until = $3, lock_updated_at = $4, updated_at = now()
		WHERE id = $1`, id, next.Locked, next.Until, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write lock %s: %w", id, err)
	}

	return tx.Commit(ctx)
}

// MarkJobError sets status error, keeping totals and cursor as they are.
func (s *dbStorage) MarkJobError(ctx context.Context, id, msg string) error {
	_, err := s.dbpool.Exec(ctx, `
		INSERT INTO optimize_jobs (id, status, last_error) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = now()`, id, entities.JobError, msg)
	if err != nil {
		return fmt.Errorf("mark job %s errored: %w", id, err)
	}
	return nil
}

package scanner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/apperr"
	"github.com/trunov/mediaopt/internal/entities"
	"github.com/trunov/mediaopt/internal/optimizer"
	"github.com/trunov/mediaopt/internal/pool"
)

// RenewAfter is the pass age after which the lease is renewed at every chunk.
const RenewAfter = 60 * time.Second

// ContinuationURL is the route a paused pass is queued under.
const ContinuationURL = "/api/optimize/bulk"

type ProductLister interface {
	ListProductsAfter(ctx context.Context, after string, limit int) ([]entities.Product, error)
}

type JobStore interface {
	GetJob(ctx context.Context, id string) (entities.Job, bool, error)
	SaveJob(ctx context.Context, j entities.Job) error
	MarkJobError(ctx context.Context, id, msg string) error
}

type Locker interface {
	Acquire(ctx context.Context, jobID string) error
	Renew(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
}

type Optimizer interface {
	OptimizeProduct(ctx context.Context, id string) (optimizer.Result, error)
}

// Enqueuer is the optional task queue. A nil Enqueuer means paused passes are
// resumed by the caller.
type Enqueuer interface {
	Enqueue(ctx context.Context, url string, payload any) error
}

type Request struct {
	Subcat      string `json:"subcat"`
	PageSize    int    `json:"pageSize"`
	Concurrency int    `json:"concurrency"`
	StartAfter  string `json:"startAfter,omitempty"`
}

type Response struct {
	OK             bool   `json:"ok"`
	Done           bool   `json:"done"`
	NextStartAfter string `json:"nextStartAfter,omitempty"`
	Scanned        int    `json:"scanned"`
	Matched        int    `json:"matched"`
	Processed      int    `json:"processed"`
	OKCount        int    `json:"okCount"`
	FailCount      int    `json:"failCount"`
	JobID          string `json:"jobId"`
	Queued         bool   `json:"queued,omitempty"`
}

type Scanner struct {
	products      ProductLister
	jobs          JobStore
	lock          Locker
	opt           Optimizer
	queue         Enqueuer
	budget        time.Duration
	defaultSubcat string
	now           func() time.Time
	logger        *zap.Logger
}

func New(products ProductLister, jobs JobStore, lock Locker, opt Optimizer, queue Enqueuer,
	budget time.Duration, defaultSubcat string, logger *zap.Logger) *Scanner {
	return &Scanner{
		products:      products,
		jobs:          jobs,
		lock:          lock,
		opt:           opt,
		queue:         queue,
		budget:        budget,
		defaultSubcat: defaultSubcat,
		now:           time.Now,
		logger:        logger.With(zap.String("component", "scanner")),
	}
}

// Normalize fills defaults and clamps the numeric fields of req.
func (s *Scanner) Normalize(req Request) Request {
	if Normalize(req.Subcat) == "" {
		req.Subcat = s.defaultSubcat
	}
	req.PageSize = ClampPageSize(req.PageSize)
	req.Concurrency = ClampConcurrency(req.Concurrency)
	return req
}

// Status returns the persisted job for a filter value.
func (s *Scanner) Status(ctx context.Context, subcat string) (entities.Job, bool, error) {
	if Normalize(subcat) == "" {
		subcat = s.defaultSubcat
	}
	return s.jobs.GetJob(ctx, JobID(Normalize(subcat)))
}

// Run starts a pass when req has no cursor, or resumes the pass at req.StartAfter.
// A fresh start fails with apperr.CodeLocked while another pass holds the job.
// Any other error marks the job as errored and releases its lock before returning.
func (s *Scanner) Run(ctx context.Context, req Request) (Response, error) {
	req = s.Normalize(req)
	start := s.now()
	norm := Normalize(req.Subcat)
	jobID := JobID(norm)
	log := s.logger.With(zap.String("job_id", jobID))

	job, err := s.begin(ctx, jobID, norm, req)
	if err != nil {
		return Response{JobID: jobID}, err
	}

	log.Info("pass started",
		zap.String("subcat", req.Subcat),
		zap.String("start_after", req.StartAfter),
		zap.Int("page_size", req.PageSize),
		zap.Int("concurrency", req.Concurrency),
	)

	res, err := s.loop(ctx, &job, req, start, log)
	if err != nil {
		s.abort(ctx, job, err, log)
		return Response{JobID: jobID}, err
	}
	return res, nil
}

// Continue runs a queued continuation. The pass resumes from the cursor persisted
// on the job rather than the one in req, so a retried task never replays pages
// already counted. It takes the lock like a fresh start; a finished job, or one
// another pass holds, is left alone and the task is dropped.
func (s *Scanner) Continue(ctx context.Context, req Request) (Response, error) {
	req = s.Normalize(req)
	norm := Normalize(req.Subcat)
	jobID := JobID(norm)
	log := s.logger.With(zap.String("job_id", jobID))

	prev, ok, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Response{JobID: jobID}, fmt.Errorf("load job: %w", err)
	}
	if !ok || prev.Status == entities.JobDone {
		log.Info("continuation dropped: job finished or missing")
		return Response{OK: true, Done: ok, JobID: jobID}, nil
	}

	start := s.now()
	job := entities.Job{
		ID:          jobID,
		Status:      entities.JobRunning,
		Subcat:      req.Subcat,
		SubcatNorm:  norm,
		PageSize:    req.PageSize,
		Concurrency: req.Concurrency,
		Cursor:      prev.Cursor,
		Totals:      prev.Totals,
		CreatedAt:   prev.CreatedAt,
	}

	if err := s.lock.Acquire(ctx, jobID); err != nil {
		if apperr.Is(err, apperr.CodeLocked) {
			log.Info("continuation dropped: pass already running")
			return Response{OK: true, JobID: jobID}, nil
		}
		s.abort(ctx, job, err, log)
		return Response{JobID: jobID}, err
	}

	req.StartAfter = ""
	if prev.Cursor != nil {
		req.StartAfter = *prev.Cursor
	}
	if err := s.jobs.SaveJob(ctx, job); err != nil {
		s.abort(ctx, job, err, log)
		return Response{JobID: jobID}, fmt.Errorf("save job: %w", err)
	}

	log.Info("continuation started", zap.String("start_after", req.StartAfter), zap.String("prev_status", string(prev.Status)))

	res, err := s.loop(ctx, &job, req, start, log)
	if err != nil {
		s.abort(ctx, job, err, log)
		return Response{JobID: jobID}, err
	}
	return res, nil
}

func (s *Scanner) begin(ctx context.Context, jobID, norm string, req Request) (entities.Job, error) {
	job := entities.Job{
		ID:          jobID,
		Status:      entities.JobRunning,
		Subcat:      req.Subcat,
		SubcatNorm:  norm,
		PageSize:    req.PageSize,
		Concurrency: req.Concurrency,
	}

	if req.StartAfter == "" {
		if err := s.lock.Acquire(ctx, jobID); err != nil {
			if !apperr.Is(err, apperr.CodeLocked) {
				s.abort(ctx, job, err, s.logger)
			}
			return job, err
		}
	} else {
		if err := s.lock.Renew(ctx, jobID); err != nil {
			s.abort(ctx, job, err, s.logger)
			return job, fmt.Errorf("renew lock: %w", err)
		}
		prev, ok, err := s.jobs.GetJob(ctx, jobID)
		if err != nil {
			s.abort(ctx, job, err, s.logger)
			return job, fmt.Errorf("load job: %w", err)
		}
		if ok {
			job.Totals = prev.Totals
			job.CreatedAt = prev.CreatedAt
		}
		cursor := req.StartAfter
		job.Cursor = &cursor
	}

	if err := s.jobs.SaveJob(ctx, job); err != nil {
		s.abort(ctx, job, err, s.logger)
		return job, fmt.Errorf("save job: %w", err)
	}
	return job, nil
}

func (s *Scanner) loop(ctx context.Context, job *entities.Job, req Request, start time.Time, log *zap.Logger) (Response, error) {
	norm := job.SubcatNorm
	cursor := req.StartAfter

	for {
		if s.now().Sub(start) >= s.budget {
			return s.pause(ctx, job, cursor, log)
		}

		page, err := s.products.ListProductsAfter(ctx, cursor, req.PageSize)
		if err != nil {
			return Response{}, fmt.Errorf("list products after %q: %w", cursor, err)
		}

		if len(page) == 0 {
			job.Status = entities.JobDone
			job.Cursor = nil
			if err := s.jobs.SaveJob(ctx, *job); err != nil {
				return Response{}, fmt.Errorf("save job: %w", err)
			}
			s.release(ctx, job.ID, log)
			log.Info("pass done", zap.Any("totals", job.Totals))
			return respond(*job, true), nil
		}

		job.Totals.Scanned += len(page)
		var matched []string
		for _, p := range page {
			if Normalize(p.Subcat) == norm {
				matched = append(matched, p.ID)
			}
		}
		job.Totals.Matched += len(matched)

		for i := 0; i < len(matched); i += req.Concurrency {
			end := min(i+req.Concurrency, len(matched))
			job.Totals.Add(s.dispatch(ctx, matched[i:end], log))

			if s.now().Sub(start) > RenewAfter {
				if err := s.lock.Renew(ctx, job.ID); err != nil {
					return Response{}, fmt.Errorf("renew lock: %w", err)
				}
			}
		}

		cursor = page[len(page)-1].ID
		job.Cursor = &cursor
		if err := s.jobs.SaveJob(ctx, *job); err != nil {
			return Response{}, fmt.Errorf("save job: %w", err)
		}
	}
}

// dispatch optimizes one chunk concurrently and counts its outcomes once all are back.
// A product counts as failed when it could not be loaded or any of its steps failed.
func (s *Scanner) dispatch(ctx context.Context, ids []string, log *zap.Logger) entities.Totals {
	results := make([]optimizer.Result, len(ids))
	errs := make([]error, len(ids))
	wp := pool.NewWorkerPool(len(ids))
	for i, id := range ids {
		errs[i] = context.Canceled
		wp.Submit(ctx, func(ctx context.Context) {
			results[i], errs[i] = s.opt.OptimizeProduct(ctx, id)
		})
	}
	wp.Wait()

	t := entities.Totals{Processed: len(ids)}
	for i, err := range errs {
		switch {
		case err != nil:
			t.Fail++
			log.Warn("product failed", zap.String("product_id", ids[i]), zap.Error(err))
		case results[i].Failed():
			t.Fail++
			log.Debug("product had failed steps", zap.String("product_id", ids[i]))
		default:
			t.OK++
		}
	}
	return t
}

func (s *Scanner) pause(ctx context.Context, job *entities.Job, cursor string, log *zap.Logger) (Response, error) {
	job.Status = entities.JobPausedTimeout
	job.Cursor = &cursor
	if err := s.jobs.SaveJob(ctx, *job); err != nil {
		return Response{}, fmt.Errorf("save job: %w", err)
	}
	s.release(ctx, job.ID, log)

	res := respond(*job, false)
	res.NextStartAfter = cursor

	// A queued continuation owns the rest of the pass; the cursor is withheld
	// so the caller does not resume alongside it.
	if s.queue != nil {
		next := Request{Subcat: job.Subcat, PageSize: job.PageSize, Concurrency: job.Concurrency, StartAfter: cursor}
		if err := s.queue.Enqueue(ctx, ContinuationURL, next); err != nil {
			log.Warn("continuation not queued", zap.Error(err))
		} else {
			res.Queued = true
			res.NextStartAfter = ""
		}
	}

	log.Info("pass paused on time budget", zap.String("next_start_after", cursor), zap.Any("totals", job.Totals))
	return res, nil
}

// abort marks the job errored and frees the lock, best effort. Totals and cursor
// are left as last persisted.
func (s *Scanner) abort(ctx context.Context, job entities.Job, cause error, log *zap.Logger) {
	log.Error("pass failed", zap.Error(cause))
	if err := s.jobs.MarkJobError(ctx, job.ID, cause.Error()); err != nil {
		log.Warn("job error status not saved", zap.Error(err))
	}
	s.release(ctx, job.ID, log)
}

func (s *Scanner) release(ctx context.Context, jobID string, log *zap.Logger) {
	if err := s.lock.Release(ctx, jobID); err != nil {
		log.Warn("lock release failed", zap.Error(err))
	}
}

func respond(job entities.Job, done bool) Response {
	return Response{
		OK:        true,
		Done:      done,
		Scanned:   job.Totals.Scanned,
		Matched:   job.Totals.Matched,
		Processed: job.Totals.Processed,
		OKCount:   job.Totals.OK,
		FailCount: job.Totals.Fail,
		JobID:     job.ID,
	}
}

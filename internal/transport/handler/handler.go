package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/apperr"
	"github.com/trunov/mediaopt/internal/entities"
	"github.com/trunov/mediaopt/internal/optimizer"
	"github.com/trunov/mediaopt/internal/scanner"
	"github.com/trunov/mediaopt/internal/transport/middleware"
	"github.com/trunov/mediaopt/internal/trigger"
)

type Optimizer interface {
	OptimizeProduct(ctx context.Context, id string) (optimizer.Result, error)
}

type BulkRunner interface {
	Run(ctx context.Context, req scanner.Request) (scanner.Response, error)
	Status(ctx context.Context, subcat string) (entities.Job, bool, error)
}

type FinalizeHandler interface {
	Handle(ctx context.Context, ev trigger.Event) error
}

type Handler struct {
	opt       Optimizer
	bulk      BulkRunner
	finalize  FinalizeHandler
	checks    []HealthCheck
	validator *validator.Validate
	logger    *zap.Logger
}

func New(opt Optimizer, bulk BulkRunner, finalize FinalizeHandler, logger *zap.Logger, checks ...HealthCheck) *Handler {
	return &Handler{
		opt:       opt,
		bulk:      bulk,
		finalize:  finalize,
		checks:    checks,
		validator: validator.New(),
		logger:    logger.With(zap.String("component", "http")),
	}
}

// OptimizeProduct runs every optimization step for one product. Step failures
// are not request failures; they are kept in the product's debug trail.
func (h *Handler) OptimizeProduct(w http.ResponseWriter, r *http.Request) {
	var params OptimizeProductParams
	if err := decodeBody(r, &params); err != nil {
		writeJSONError(w, "invalid JSON body: "+err.Error(), apperr.CodeInvalidInput, http.StatusBadRequest)
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		params.ID = id
	}

	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return
	}

	if _, err := h.opt.OptimizeProduct(r.Context(), params.ID); err != nil {
		h.logger.Error("optimize product failed",
			zap.String("trace_id", middleware.GetTraceID(r.Context())),
			zap.String("product_id", params.ID),
			zap.Error(err),
		)
		writeJSONError(w, err.Error(), apperr.CodeOf(err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, OptimizeProductResponse{OK: true, ID: params.ID})
}

// RunBulk starts or resumes a bulk pass. The pass is detached from the client
// connection so a dropped request still saves the cursor and releases the lock.
func (h *Handler) RunBulk(w http.ResponseWriter, r *http.Request) {
	req, err := bulkRequest(r)
	if err != nil {
		writeJSONError(w, "invalid JSON body: "+err.Error(), apperr.CodeInvalidInput, http.StatusBadRequest)
		return
	}

	res, err := h.bulk.Run(context.WithoutCancel(r.Context()), req)
	if err != nil {
		if apperr.Is(err, apperr.CodeLocked) {
			writeJSON(w, http.StatusConflict, BulkErrorResponse{OK: false, Error: JobAlreadyRunning, JobID: res.JobID})
			return
		}
		h.logger.Error("bulk pass failed",
			zap.String("trace_id", middleware.GetTraceID(r.Context())),
			zap.String("job_id", res.JobID),
			zap.Error(err),
		)
		sentry.CaptureException(err)
		writeJSON(w, http.StatusInternalServerError, BulkErrorResponse{OK: false, Error: err.Error(), JobID: res.JobID})
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	subcat := chi.URLParam(r, "subcat")

	job, found, err := h.bulk.Status(r.Context(), subcat)
	if err != nil {
		writeJSONError(w, err.Error(), apperr.CodeOf(err), http.StatusInternalServerError)
		return
	}
	if !found {
		writeJSONError(w, "job not found", apperr.CodeNotFound, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ObjectFinalized feeds an upload notification to the trigger. Trigger
// failures are reported but never returned to the sender.
func (h *Handler) ObjectFinalized(w http.ResponseWriter, r *http.Request) {
	var ev trigger.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSONError(w, "invalid JSON body: "+err.Error(), apperr.CodeInvalidInput, http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(ev); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return
	}

	if err := h.finalize.Handle(r.Context(), ev); err != nil {
		h.logger.Error("finalize event failed",
			zap.String("trace_id", middleware.GetTraceID(r.Context())),
			zap.String("object", ev.Name),
			zap.Error(err),
		)
		sentry.CaptureException(err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	res := HealthResponse{OK: true, Checks: make(map[string]string, len(h.checks))}

	for _, c := range h.checks {
		if err := c.Check(r.Context()); err != nil {
			res.OK = false
			res.Checks[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	writeJSON(w, status, res)
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Method == http.MethodGet {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// bulkRequest reads the JSON body first and lets query parameters override it.
func bulkRequest(r *http.Request) (scanner.Request, error) {
	var req scanner.Request
	if err := decodeBody(r, &req); err != nil {
		return req, err
	}

	q := r.URL.Query()
	if v := q.Get("subcat"); v != "" {
		req.Subcat = v
	}
	if v := q.Get("startAfter"); v != "" {
		req.StartAfter = v
	}
	req.PageSize = int(parseInt64Default(q.Get("pageSize"), int64(req.PageSize)))
	req.Concurrency = int(parseInt64Default(q.Get("concurrency"), int64(req.Concurrency)))
	return req, nil
}

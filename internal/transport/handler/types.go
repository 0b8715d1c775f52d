package handler

import "context"

// JobAlreadyRunning is the error returned when a fresh bulk pass finds its job locked.
const JobAlreadyRunning = "JOB_ALREADY_RUNNING"

type OptimizeProductParams struct {
	ID string `json:"id" validate:"required,max=128"`
}

type OptimizeProductResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

type BulkErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	JobID string `json:"jobId,omitempty"`
}

// HealthCheck is one dependency checked by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type HealthResponse struct {
	OK     bool              `json:"ok"`
	Checks map[string]string `json:"checks"`
}

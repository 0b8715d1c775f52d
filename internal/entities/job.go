package entities

import "time"

type JobStatus string

const (
	JobRunning       JobStatus = "running"
	JobPausedTimeout JobStatus = "paused_timeout"
	JobDone          JobStatus = "done"
	JobError         JobStatus = "error"
)

type Totals struct {
	Scanned   int `json:"scanned"`
	Matched   int `json:"matched"`
	Processed int `json:"processed"`
	OK        int `json:"ok"`
	Fail      int `json:"fail"`
}

func (t *Totals) Add(o Totals) {
	t.Scanned += o.Scanned
	t.Matched += o.Matched
	t.Processed += o.Processed
	t.OK += o.OK
	t.Fail += o.Fail
}

// Lock is the lease sub-structure of a job. Only the joblock package writes it.
type Lock struct {
	Locked    bool       `json:"locked"`
	Until     *time.Time `json:"until"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// HeldAt reports whether the lease is still valid at now.
func (l Lock) HeldAt(now time.Time) bool {
	return l.Locked && l.Until != nil && l.Until.After(now)
}

// Job is the durable progress document of a bulk pass, keyed by the normalized filter.
type Job struct {
	ID          string    `json:"id"`
	Status      JobStatus `json:"status"`
	Subcat      string    `json:"subcat"`
	SubcatNorm  string    `json:"subcatNorm"`
	PageSize    int       `json:"pageSize"`
	Concurrency int       `json:"concurrency"`
	Cursor      *string   `json:"cursor"`
	Totals      Totals    `json:"totals"`
	Lock        Lock      `json:"lock"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

package entities

import "time"

// Product is a catalog record. Only the fields the optimizer reads or writes are mapped.
type Product struct {
	ID          string   `json:"id"`
	Code        string   `json:"code"`
	Subcat      string   `json:"subcat"`
	CoverSrc    string   `json:"coverSrc"`
	QualitySrcs []string `json:"qualitySrcs"` // at most two are processed
	Media       Media    `json:"media"`
}

// Media is the nested media document of a product. Writers merge into it key by key.
type Media struct {
	Cover   *RoleMedia            `json:"cover,omitempty"`
	Quality *QualityMedia         `json:"quality,omitempty"`
	Debug   map[string]StepRecord `json:"debug,omitempty"`
}

// RoleMedia holds the generated variants of one source image.
type RoleMedia struct {
	OriginalPath string            `json:"originalPath,omitempty"`
	Variants     map[string]string `json:"variants,omitempty"`
	UpdatedAt    *time.Time        `json:"updatedAt,omitempty"`
}

// HasVariant is safe on a nil receiver.
func (m *RoleMedia) HasVariant(name string) bool {
	if m == nil {
		return false
	}
	_, ok := m.Variants[name]
	return ok
}

type QualityEntry struct {
	Index        int               `json:"index"`
	OriginalPath string            `json:"originalPath"`
	Variants     map[string]string `json:"variants"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

type QualityMedia struct {
	Items     []QualityEntry `json:"items"`
	Count     int            `json:"count"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// GalleryItem is one child of a product's ordered gallery.
type GalleryItem struct {
	ProductID string    `json:"productId"`
	ID        string    `json:"id"`
	Position  int       `json:"position"`
	Src       string    `json:"src"`
	Media     RoleMedia `json:"media"`
}

type StepStatus string

const (
	StepSkip StepStatus = "skip"
	StepFail StepStatus = "fail"
)

// StepRecord is one entry of media.debug.
type StepRecord struct {
	Status StepStatus   `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
	At     time.Time    `json:"at"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
}

package steprecorder

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/apperr"
	"github.com/trunov/mediaopt/internal/entities"
)

// DebugKey is the media key holding the step trail.
const DebugKey = "debug"

type MediaWriter interface {
	MergeProductMedia(ctx context.Context, id, key string, patch map[string]any) error
}

// Recorder persists skip and fail outcomes into media.debug of a product.
// Successful steps are not written.
type Recorder struct {
	writer MediaWriter
	now    func() time.Time
	logger *zap.Logger
}

func New(writer MediaWriter, logger *zap.Logger) *Recorder {
	return &Recorder{
		writer: writer,
		now:    time.Now,
		logger: logger.With(zap.String("component", "steprecorder")),
	}
}

// Record is best effort: a write failure is logged and swallowed.
func (r *Recorder) Record(ctx context.Context, productID, step string, o Outcome) {
	var rec entities.StepRecord
	switch o.Kind {
	case Skipped:
		rec = entities.StepRecord{Status: entities.StepSkip, Reason: o.Reason, At: r.now().UTC()}
	case Failed:
		rec = entities.StepRecord{Status: entities.StepFail, Error: Detail(o.Err), At: r.now().UTC()}
	default:
		return
	}

	if err := r.writer.MergeProductMedia(ctx, productID, DebugKey, map[string]any{step: rec}); err != nil {
		r.logger.Warn("step outcome not persisted",
			zap.String("product_id", productID),
			zap.String("step", step),
			zap.Stringer("outcome", o.Kind),
			zap.Error(err),
		)
	}
}

// Detail flattens err into the structured form stored on the record.
func Detail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}
	d := &entities.ErrorDetail{Code: string(apperr.CodeOf(err)), Message: err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		d.Op = ae.Op
	}
	return d
}

package trigger

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/optimizer"
	"github.com/trunov/mediaopt/internal/variants"
)

const dedupeTTL = 24 * time.Hour

// Event describes one finalized object upload.
type Event struct {
	Name        string `json:"name" validate:"required"`
	ContentType string `json:"contentType"`
	Bucket      string `json:"bucket"`
	Generation  string `json:"generation"`
}

type RoleOptimizer interface {
	OptimizeRole(ctx context.Context, productID, role, key, src string) (map[string]string, error)
}

// Deduper drops redelivered events. Optional.
type Deduper interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Remove(ctx context.Context, key string) error
}

// Target is what an upload path resolves to.
type Target struct {
	ProductID string
	Role      string
	Key       string
}

type Trigger struct {
	opt        RoleOptimizer
	dedupe     Deduper
	collection string
	logger     *zap.Logger
}

func New(opt RoleOptimizer, dedupe Deduper, collection string, logger *zap.Logger) *Trigger {
	return &Trigger{
		opt:        opt,
		dedupe:     dedupe,
		collection: collection,
		logger:     logger.With(zap.String("component", "trigger")),
	}
}

// Parse maps "<collection>/<id>/original/<role>/.../<file>" to a target. Paths
// containing an "optimized" segment never match.
func (t *Trigger) Parse(name string) (Target, bool) {
	segs := strings.Split(strings.Trim(name, "/"), "/")
	if len(segs) < 5 {
		return Target{}, false
	}
	for _, s := range segs {
		if s == "optimized" || s == "" {
			return Target{}, false
		}
	}
	if segs[0] != t.collection || segs[2] != "original" {
		return Target{}, false
	}

	role := segs[3]
	switch role {
	case optimizer.RoleCover, optimizer.RoleQuality, optimizer.RoleGallery:
	default:
		return Target{}, false
	}

	file := segs[len(segs)-1]
	key := variants.SafeKey(strings.TrimSuffix(file, path.Ext(file)))
	if key == "" {
		return Target{}, false
	}
	return Target{ProductID: segs[1], Role: role, Key: key}, true
}

// Handle processes ev. Ignored events return nil; failures are returned for the
// caller to log, the event source decides on redelivery.
func (t *Trigger) Handle(ctx context.Context, ev Event) error {
	log := t.logger.With(zap.String("object", ev.Name))

	if !isImage(ev) {
		log.Debug("ignored: not an image", zap.String("content_type", ev.ContentType))
		return nil
	}
	target, ok := t.Parse(ev.Name)
	if !ok {
		log.Debug("ignored: path does not match an original upload")
		return nil
	}

	dedupeKey := ""
	if t.dedupe != nil && ev.Generation != "" {
		dedupeKey = ev.Name + "#" + ev.Generation
		first, err := t.dedupe.MarkOnce(ctx, dedupeKey, dedupeTTL)
		if err != nil {
			log.Warn("dedupe unavailable", zap.Error(err))
			dedupeKey = ""
		} else if !first {
			log.Info("ignored: already handled", zap.String("generation", ev.Generation))
			return nil
		}
	}

	generated, err := t.opt.OptimizeRole(ctx, target.ProductID, target.Role, target.Key, ev.Name)
	if err != nil {
		if dedupeKey != "" {
			if rmErr := t.dedupe.Remove(ctx, dedupeKey); rmErr != nil {
				log.Warn("dedupe marker not cleared", zap.Error(rmErr))
			}
		}
		return fmt.Errorf("optimize %s of %s: %w", target.Role, target.ProductID, err)
	}

	log.Info("upload optimized",
		zap.String("product_id", target.ProductID),
		zap.String("role", target.Role),
		zap.Int("variants", len(generated)),
	)
	return nil
}

func isImage(ev Event) bool {
	ct := ev.ContentType
	if ct == "" {
		ct = mime.TypeByExtension(strings.ToLower(path.Ext(ev.Name)))
	}
	return strings.HasPrefix(ct, "image/")
}

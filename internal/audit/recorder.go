package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mallpanel.org/internal/ids"
	"mallpanel.org/internal/obs"
)

const defaultWriteTimeout = 3 * time.Second

// Appender persists activity entries. Implementations only ever insert.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

// Publisher receives every entry after it has been stored.
type Publisher interface {
	Publish(e Entry)
}

// Recorder writes activity entries on a best-effort basis: failures are logged
// and counted, never returned.
type Recorder struct {
	store   Appender
	log     *zap.Logger
	timeout time.Duration
	mirror  bool
	pub     Publisher
	now     func() time.Time
}

// RecorderOption configures Recorder.
type RecorderOption func(*Recorder)

func WithLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithWriteTimeout bounds a single append. The request context's cancellation
// does not apply to the write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogMirror also emits each stored entry as a type=audit log line.
func WithLogMirror(enabled bool) RecorderOption {
	return func(r *Recorder) { r.mirror = enabled }
}

// WithPublisher forwards stored entries to a live feed.
func WithPublisher(p Publisher) RecorderOption {
	return func(r *Recorder) { r.pub = p }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRecorder(store Appender, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		log:     zap.NewNop(),
		timeout: defaultWriteTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends e. ID and CreatedAt are assigned here; an empty ActorID becomes SystemActor.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.store == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			obs.ObserveAuditWrite("failed")
			r.log.Error("activity log write panicked",
				zap.String("action", e.Action),
				zap.String("module", e.Module),
				zap.Any("panic", rec),
			)
		}
	}()

	e.Action = strings.TrimSpace(e.Action)
	e.Module = strings.TrimSpace(e.Module)
	e.ActorID = strings.TrimSpace(e.ActorID)
	if e.Action == "" || e.Module == "" {
		obs.ObserveAuditWrite("dropped")
		r.log.Warn("activity entry dropped: action and module are required",
			zap.String("action", e.Action),
			zap.String("module", e.Module),
		)
		return
	}
	if e.ActorID == "" {
		e.ActorID = SystemActor
	}
	now := r.now().UTC()
	e.ID = ids.NewAt(now)
	e.CreatedAt = now

	var err error
	if e.OldValues, err = Normalize(e.OldValues); err == nil {
		if e.NewValues, err = Normalize(e.NewValues); err == nil {
			e.Metadata, err = Normalize(e.Metadata)
		}
	}
	if err != nil {
		obs.ObserveAuditWrite("dropped")
		r.log.Warn("activity entry dropped: values are not JSON encodable",
			zap.String("action", e.Action),
			zap.String("module", e.Module),
			zap.Error(err),
		)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.store.Append(writeCtx, e); err != nil {
		obs.ObserveAuditWrite("failed")
		r.log.Warn("activity log write failed",
			zap.String("actor_id", e.ActorID),
			zap.String("action", e.Action),
			zap.String("module", e.Module),
			zap.String("resource_type", e.ResourceType),
			zap.String("resource_id", e.ResourceID),
			zap.String("request_id", RequestIDFromContext(ctx)),
			zap.Error(err),
		)
		return
	}
	obs.ObserveAuditWrite("ok")
	if r.mirror {
		r.logEvent(ctx, e)
	}
	if r.pub != nil {
		r.pub.Publish(e)
	}
}

// logEvent writes the entry to the operational log enriched with request context.
func (r *Recorder) logEvent(ctx context.Context, e Entry) {
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", fmt.Sprintf("%s.%s", e.Module, e.Action)),
		zap.String("entry_id", e.ID),
		zap.String("actor_id", e.ActorID),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	if e.ResourceType != "" {
		fields = append(fields, zap.String("resource_type", e.ResourceType))
	}
	if e.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", e.ResourceID))
	}
	if len(e.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", map[string]any(e.Metadata)))
	}
	r.log.Info("audit", fields...)
}

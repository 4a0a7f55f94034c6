// Package eventlog records audit events to the store and fans them out to
// the log, metrics and an optional publisher.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/metrics"
)

// Entry describes an event before it is persisted.
type Entry struct {
	Type     database.EventType
	Severity database.Severity
	Message  string
	Details  map[string]any
	UserID   *uint
	VMID     *uint
}

type Recorder struct {
	store   *database.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	pub     Publisher
	nowFn   func() time.Time
}

// New builds a Recorder. metrics and pub may be nil.
func New(store *database.Store, log *zap.Logger, m *metrics.Metrics, pub Publisher) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		store:   store,
		log:     log.Named("events"),
		metrics: m,
		pub:     pub,
		nowFn:   time.Now,
	}
}

// SetClock replaces the time source used to stamp events.
func (r *Recorder) SetClock(fn func() time.Time) { r.nowFn = fn }

// Now returns the recorder's current time.
func (r *Recorder) Now() time.Time { return r.nowFn() }

func (r *Recorder) Store() *database.Store { return r.store }

// Record persists the entry. Publishing is best-effort and never fails the
// call.
func (r *Recorder) Record(ctx context.Context, e Entry) (*database.Event, error) {
	ev := &database.Event{
		Type:      e.Type,
		Severity:  e.Severity,
		Message:   e.Message,
		Details:   datatypes.JSONMap(e.Details),
		UserID:    e.UserID,
		VMID:      e.VMID,
		CreatedAt: r.nowFn().UTC(),
	}
	if ev.Details == nil {
		ev.Details = datatypes.JSONMap{}
	}
	if err := r.store.CreateEvent(ctx, ev); err != nil {
		r.log.Error("persist event failed", zap.String("type", string(e.Type)), zap.String("message", e.Message), zap.Error(err))
		return nil, fmt.Errorf("record event: %w", err)
	}

	r.metrics.ObserveEvent(string(ev.Type), string(ev.Severity))
	fields := []zap.Field{
		zap.Uint("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
	}
	switch ev.Severity {
	case database.SeverityCritical:
		r.log.Error(ev.Message, fields...)
	case database.SeverityWarning:
		r.log.Warn(ev.Message, fields...)
	default:
		r.log.Info(ev.Message, fields...)
	}

	if r.pub != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = r.pub.Publish(ctx, Subject(ev.Type), payload)
		}
		if err != nil {
			r.log.Warn("publish event failed", zap.Uint("event_id", ev.ID), zap.Error(err))
		}
	}
	return ev, nil
}

// Subject is the NATS subject an event type is published on.
func Subject(t database.EventType) string {
	return "fleet.events." + string(t)
}

// Ref returns a pointer to id for the optional Event references.
func Ref(id uint) *uint { return &id }

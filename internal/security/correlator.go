// Package security turns raw events into security findings: authentication
// attempt tracking, brute-force detection and activity summaries.
package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
	"github.com/gluk-w/vmfleet/internal/logging"
	"github.com/gluk-w/vmfleet/internal/metrics"
)

const (
	DefaultWindow        = 10 * time.Minute
	DefaultThreshold     = 5
	DefaultRetentionDays = 90

	// criticalUsage is the resource usage percentage at which an alert
	// becomes critical.
	criticalUsage  = 95.0
	recentCritical = 10

	kindAuthAttempt = "auth_attempt"
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
)

var (
	eventTypes = []database.EventType{
		database.EventVM, database.EventAuth, database.EventSystem,
		database.EventSecurity, database.EventAdmin, database.EventTerminal,
	}
	severities = []database.Severity{database.SeverityInfo, database.SeverityWarning, database.SeverityCritical}
)

type Correlator struct {
	store     *database.Store
	events    *eventlog.Recorder
	attempts  *AttemptLog
	log       *zap.Logger
	metrics   *metrics.Metrics
	window    time.Duration
	threshold int
	retention int
	nowFn     func() time.Time
}

type Options struct {
	Window        time.Duration
	Threshold     int
	RetentionDays int
}

// New builds a Correlator. attempts, log and m may be nil.
func New(store *database.Store, events *eventlog.Recorder, attempts *AttemptLog, log *zap.Logger, m *metrics.Metrics, opts Options) *Correlator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	return &Correlator{
		store:     store,
		events:    events,
		attempts:  attempts,
		log:       log.Named("security"),
		metrics:   m,
		window:    opts.Window,
		threshold: opts.Threshold,
		retention: opts.RetentionDays,
		nowFn:     time.Now,
	}
}

// SetNowFunc sets the clock used for trailing windows.
func (c *Correlator) SetNowFunc(fn func() time.Time) { c.nowFn = fn }

// RecordAttempt stores an authentication attempt against a VM as a security
// event attributed to the VM's owner, and appends it to the attempt log.
func (c *Correlator) RecordAttempt(ctx context.Context, vmID uint, success bool, username, sourceIP string) (*database.Event, error) {
	const op = "record_attempt"
	vm, err := c.store.GetVM(ctx, vmID)
	if errors.Is(err, database.ErrNotFound) {
		c.log.Warn("attempt for unknown VM", zap.Uint("vm_id", vmID))
		return nil, apperr.NotFound(op, "VM %d not found", vmID)
	}
	if err != nil {
		return nil, fmt.Errorf("load vm %d: %w", vmID, err)
	}

	user := logging.Sanitize(username)
	ip := logging.Sanitize(sourceIP)
	severity := database.SeverityInfo
	outcome := outcomeSuccess
	status := "Successful"
	if !success {
		severity = database.SeverityWarning
		outcome = outcomeFailure
		status = "Failed"
	}

	ev, err := c.events.Record(ctx, eventlog.Entry{
		Type:     database.EventSecurity,
		Severity: severity,
		Message:  fmt.Sprintf("%s login attempt on VM '%s' (user: %s, from: %s)", status, vm.Name, user, ip),
		Details: map[string]any{
			"kind":      kindAuthAttempt,
			"outcome":   outcome,
			"success":   success,
			"vm_name":   vm.Name,
			"username":  user,
			"source_ip": ip,
		},
		UserID: &vm.OwnerID,
		VMID:   &vm.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	if c.attempts != nil {
		if err := c.attempts.Append(Attempt{
			VMID:     vm.ID,
			OwnerID:  vm.OwnerID,
			Username: user,
			SourceIP: ip,
			Success:  success,
			At:       ev.CreatedAt,
		}); err != nil {
			c.log.Error("append attempt log", zap.Uint("vm_id", vm.ID), zap.Error(err))
		}
	}
	return ev, nil
}

// DetectBruteForce counts failed attempts on the VM inside the trailing
// window. Reaching threshold emits one critical event per call. Zero values
// select the configured defaults.
func (c *Correlator) DetectBruteForce(ctx context.Context, vmID uint, window time.Duration, threshold int) (bool, int, error) {
	if window <= 0 {
		window = c.window
	}
	if threshold <= 0 {
		threshold = c.threshold
	}
	n, err := c.store.CountEvents(ctx, database.EventFilter{
		VMID:    &vmID,
		Types:   []database.EventType{database.EventSecurity},
		Since:   c.nowFn().Add(-window),
		Details: map[string]string{"kind": kindAuthAttempt, "outcome": outcomeFailure},
	})
	if err != nil {
		return false, 0, fmt.Errorf("count failed attempts: %w", err)
	}
	failed := int(n)
	if failed < threshold {
		return false, failed, nil
	}

	name := fmt.Sprintf("#%d", vmID)
	var owner *uint
	if vm, err := c.store.GetVM(ctx, vmID); err == nil {
		name = vm.Name
		owner = &vm.OwnerID
	}
	minutes := int(window / time.Minute)
	if _, err := c.events.Record(ctx, eventlog.Entry{
		Type:     database.EventSecurity,
		Severity: database.SeverityCritical,
		Message:  fmt.Sprintf("Potential brute force attack detected on VM '%s' (%d failed attempts in %d minutes)", name, failed, minutes),
		Details: map[string]any{
			"attack_type":         "brute_force",
			"failed_attempts":     failed,
			"threshold":           threshold,
			"time_window_minutes": minutes,
		},
		UserID: owner,
		VMID:   &vmID,
	}); err != nil {
		return true, failed, fmt.Errorf("record brute force alert: %w", err)
	}
	c.metrics.ObserveBruteForce()
	c.log.Warn("brute force detected", zap.Uint("vm_id", vmID), zap.Int("failed", failed), zap.Duration("window", window))
	return true, failed, nil
}

type Statistics struct {
	Window     time.Duration    `json:"window"`
	Total      int64            `json:"total_events"`
	ByType     map[string]int64 `json:"events_by_type"`
	BySeverity map[string]int64 `json:"events_by_severity"`
	// Critical holds the most recent critical events, newest first.
	Critical []database.Event `json:"critical_events"`
}

// Statistics aggregates the events of the trailing window.
func (c *Correlator) Statistics(ctx context.Context, window time.Duration) (*Statistics, error) {
	f := database.EventFilter{Since: c.nowFn().Add(-window)}
	total, err := c.store.CountEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	byType, err := c.store.CountEventsBy(ctx, "type", f)
	if err != nil {
		return nil, err
	}
	bySeverity, err := c.store.CountEventsBy(ctx, "severity", f)
	if err != nil {
		return nil, err
	}
	for _, t := range eventTypes {
		if _, ok := byType[string(t)]; !ok {
			byType[string(t)] = 0
		}
	}
	for _, s := range severities {
		if _, ok := bySeverity[string(s)]; !ok {
			bySeverity[string(s)] = 0
		}
	}

	cf := f
	cf.Severities = []database.Severity{database.SeverityCritical}
	cf.Limit = recentCritical
	critical, err := c.store.ListEvents(ctx, cf)
	if err != nil {
		return nil, fmt.Errorf("list critical events: %w", err)
	}
	return &Statistics{
		Window:     window,
		Total:      total,
		ByType:     byType,
		BySeverity: bySeverity,
		Critical:   critical,
	}, nil
}

type ActivitySummary struct {
	UserID      uint          `json:"user_id"`
	Username    string        `json:"username"`
	Window      time.Duration `json:"window"`
	TotalEvents int64         `json:"total_events"`
	VMEvents    int64         `json:"vm_events"`
	FailedAuth  int64         `json:"failed_auth_attempts"`
	RunningVMs  int64         `json:"active_vms"`
}

// UserActivity summarizes what a user did in the trailing window. Failed
// authentication counts auth warnings plus failed attempts against the
// user's VMs.
func (c *Correlator) UserActivity(ctx context.Context, userID uint, window time.Duration) (*ActivitySummary, error) {
	const op = "user_activity"
	user, err := c.store.GetUser(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound(op, "user %d not found", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}

	base := database.EventFilter{UserID: &userID, Since: c.nowFn().Add(-window)}
	count := func(mod func(*database.EventFilter)) (int64, error) {
		f := base
		mod(&f)
		return c.store.CountEvents(ctx, f)
	}

	s := &ActivitySummary{UserID: user.ID, Username: user.Username, Window: window}
	if s.TotalEvents, err = count(func(*database.EventFilter) {}); err != nil {
		return nil, err
	}
	if s.VMEvents, err = count(func(f *database.EventFilter) {
		f.Types = []database.EventType{database.EventVM}
	}); err != nil {
		return nil, err
	}
	authWarnings, err := count(func(f *database.EventFilter) {
		f.Types = []database.EventType{database.EventAuth}
		f.Severities = []database.Severity{database.SeverityWarning}
	})
	if err != nil {
		return nil, err
	}
	failedAttempts, err := count(func(f *database.EventFilter) {
		f.Types = []database.EventType{database.EventSecurity}
		f.Details = map[string]string{"kind": kindAuthAttempt, "outcome": outcomeFailure}
	})
	if err != nil {
		return nil, err
	}
	s.FailedAuth = authWarnings + failedAttempts
	if s.RunningVMs, err = c.store.CountVMs(ctx, userID, database.StatusRunning); err != nil {
		return nil, err
	}
	return s, nil
}

// RecentEvents lists events matching f, newest first. Without a lower bound
// the last 24 hours are searched.
func (c *Correlator) RecentEvents(ctx context.Context, f database.EventFilter) ([]database.Event, error) {
	if f.Since.IsZero() {
		f.Since = c.nowFn().Add(-24 * time.Hour)
	}
	return c.store.ListEvents(ctx, f)
}

// Attempts reads back the VM's durable attempt log.
func (c *Correlator) Attempts(vmID uint, since time.Time) ([]Attempt, error) {
	if c.attempts == nil {
		return nil, errors.New("attempt log is not configured")
	}
	return c.attempts.Since(vmID, since)
}

// RecordResourceAlert records a usage alert for a VM, or for the host when
// vmID is nil. Usage at or above 95% is critical.
func (c *Correlator) RecordResourceAlert(ctx context.Context, resource string, value, threshold float64, vmID *uint) (*database.Event, error) {
	resource = logging.Sanitize(resource)
	msg := fmt.Sprintf("High host %s usage: %.1f%% (threshold: %g%%)", resource, value, threshold)
	var owner *uint
	if vmID != nil {
		vm, err := c.store.GetVM(ctx, *vmID)
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.NotFound("resource_alert", "VM %d not found", *vmID)
		}
		if err != nil {
			return nil, fmt.Errorf("load vm %d: %w", *vmID, err)
		}
		owner = &vm.OwnerID
		msg = fmt.Sprintf("High %s usage on VM '%s': %.1f%% (threshold: %g%%)", resource, vm.Name, value, threshold)
	}
	severity := database.SeverityWarning
	if value >= criticalUsage {
		severity = database.SeverityCritical
	}
	return c.events.Record(ctx, eventlog.Entry{
		Type:     database.EventSystem,
		Severity: severity,
		Message:  msg,
		Details: map[string]any{
			"resource_type": resource,
			"current_value": value,
			"threshold":     threshold,
			"unit":          "%",
		},
		UserID: owner,
		VMID:   vmID,
	})
}

// PurgeOlderThan removes events older than days, or the configured
// retention when days is not positive.
func (c *Correlator) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = c.retention
	}
	cutoff := c.nowFn().AddDate(0, 0, -days)
	n, err := c.store.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		c.log.Error("purge events failed", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		c.log.Info("purged events", zap.Int64("count", n), zap.Int("days", days))
	}
	return n, nil
}

func (c *Correlator) RetentionDays() int { return c.retention }

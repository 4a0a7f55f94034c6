// Package fleet owns the VM state machine. Every lifecycle operation holds a
// per-VM lock for its whole duration, including the bounded backend call.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
	"github.com/gluk-w/vmfleet/internal/keylock"
	"github.com/gluk-w/vmfleet/internal/logging"
	"github.com/gluk-w/vmfleet/internal/metrics"
	"github.com/gluk-w/vmfleet/internal/provision"
	"github.com/gluk-w/vmfleet/internal/quota"
	"github.com/gluk-w/vmfleet/internal/telemetry"
)

const (
	MinRAMMB  = 512
	MaxRAMMB  = 16384
	MinDiskGB = 10
	MaxDiskGB = 500
	MinCPU    = 1
	MaxCPU    = 8

	DefaultBackendTimeout = 5 * time.Minute
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{3,100}$`)

// Outcome is the caller-facing result of a lifecycle operation.
type Outcome struct {
	OK      bool         `json:"success"`
	Message string       `json:"message"`
	VM      *database.VM `json:"vm,omitempty"`
}

type CreateRequest struct {
	// OwnerID defaults to the actor. Only admins may create for others.
	OwnerID  uint
	Name     string
	OSType   string
	RAMMB    int
	DiskGB   int
	CPUCores int
	Metadata map[string]any
}

// SessionStopper tears down terminal sessions attached to VMs.
type SessionStopper interface {
	StopForVMs(ctx context.Context, vmIDs []uint) int
}

type Deps struct {
	Store          *database.Store
	Backend        provision.Backend
	Quota          *quota.Engine
	Events         *eventlog.Recorder
	Catalog        *provision.Catalog
	Sessions       SessionStopper
	Log            *zap.Logger
	Metrics        *metrics.Metrics
	Tracer         trace.Tracer
	BackendTimeout time.Duration
	// Locks is shared with components that must not act on a VM while a
	// lifecycle operation holds it.
	Locks *keylock.Map[uint]
}

type Manager struct {
	store    *database.Store
	backend  provision.Backend
	quota    *quota.Engine
	events   *eventlog.Recorder
	catalog  *provision.Catalog
	sessions SessionStopper
	log      *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	timeout  time.Duration

	vmLocks   *keylock.Map[uint]
	nameLocks *keylock.Map[string]
	nowFn     func() time.Time
}

func NewManager(d Deps) *Manager {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Tracer == nil {
		d.Tracer = telemetry.Noop()
	}
	if d.BackendTimeout <= 0 {
		d.BackendTimeout = DefaultBackendTimeout
	}
	if d.Locks == nil {
		d.Locks = keylock.New[uint]()
	}
	return &Manager{
		store:     d.Store,
		backend:   d.Backend,
		quota:     d.Quota,
		events:    d.Events,
		catalog:   d.Catalog,
		sessions:  d.Sessions,
		log:       d.Log.Named("fleet"),
		metrics:   d.Metrics,
		tracer:    d.Tracer,
		timeout:   d.BackendTimeout,
		vmLocks:   d.Locks,
		nameLocks: keylock.New[string](),
		nowFn:     time.Now,
	}
}

// SetClock replaces the time source used for uptime accounting.
func (m *Manager) SetClock(fn func() time.Time) { m.nowFn = fn }

// Create validates the request, reserves credits and provisions the VM.
// Credits are returned if provisioning fails.
func (m *Manager) Create(ctx context.Context, actor *database.User, req CreateRequest) (*Outcome, error) {
	const op = "create"
	if actor == nil {
		return m.fail(op, nil, apperr.Permission(op, "no actor"))
	}
	ownerID := req.OwnerID
	if ownerID == 0 {
		ownerID = actor.ID
	}
	if ownerID != actor.ID && !actor.IsAdmin {
		return m.fail(op, nil, apperr.Permission(op, "only admins may create VMs for other users"))
	}
	name, err := m.validate(req)
	if err != nil {
		return m.fail(op, nil, err)
	}

	unlockName := m.nameLocks.Lock(fmt.Sprintf("%d/%s", ownerID, name))
	defer unlockName()

	owner, err := m.store.GetUser(ctx, ownerID)
	if errors.Is(err, database.ErrNotFound) {
		return m.fail(op, nil, apperr.NotFound(op, "user %d not found", ownerID))
	}
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	if _, err := m.store.GetVMByName(ctx, ownerID, name); err == nil {
		return m.fail(op, nil, apperr.Validation(op, "VM name %q already exists", name))
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("check duplicate name: %w", err)
	}

	decision := m.quota.Check(ctx, owner, req.RAMMB, req.DiskGB, req.CPUCores)
	if !decision.Allowed {
		m.record(ctx, database.EventVM, database.SeverityWarning,
			fmt.Sprintf("VM creation denied for %s: %s", logging.Sanitize(name), decision.Reason),
			map[string]any{"name": name, "cost": decision.Cost, "credits": owner.Credits, "reason": decision.Reason},
			&owner.ID, nil)
		return m.fail(op, nil, apperr.Quota(op, "%s", decision.Reason))
	}
	ok, err := m.quota.Reserve(ctx, ownerID, decision.Cost, "create vm "+name)
	if err != nil {
		return nil, fmt.Errorf("reserve credits: %w", err)
	}
	if !ok {
		return m.fail(op, nil, apperr.Quota(op, "insufficient credits: need %d", decision.Cost))
	}

	vm := &database.VM{
		OwnerID:  ownerID,
		Name:     name,
		OSType:   req.OSType,
		RAMMB:    req.RAMMB,
		DiskGB:   req.DiskGB,
		CPUCores: req.CPUCores,
		Cost:     decision.Cost,
		Status:   database.StatusPending,
		Handle:   handleFor(ownerID, name),
		Metadata: req.Metadata,
	}
	if vm.Metadata == nil {
		vm.Metadata = map[string]any{}
	}
	if err := m.store.CreateVM(ctx, vm); err != nil {
		m.refund(ctx, ownerID, decision.Cost, "create vm "+name+" not stored")
		if errors.Is(err, database.ErrDuplicate) {
			return m.fail(op, nil, apperr.Validation(op, "VM name %q already exists", name))
		}
		return nil, fmt.Errorf("insert vm: %w", err)
	}

	unlock := m.vmLocks.Lock(vm.ID)
	defer unlock()

	m.record(ctx, database.EventVM, database.SeverityInfo,
		fmt.Sprintf("User %s initiated VM creation: %s", logging.Sanitize(actor.Username), vm.Name),
		map[string]any{"os_type": vm.OSType, "ram_mb": vm.RAMMB, "disk_gb": vm.DiskGB, "cpu_cores": vm.CPUCores, "cost": vm.Cost},
		&ownerID, &vm.ID)

	spec := provision.Spec{
		Handle:   vm.Handle,
		OSType:   vm.OSType,
		RAMMB:    vm.RAMMB,
		DiskGB:   vm.DiskGB,
		CPUCores: vm.CPUCores,
		VMID:     vm.ID,
		OwnerID:  ownerID,
	}
	var res provision.Result
	err = m.call(ctx, "create", vm, func(ctx context.Context) error {
		r, err := m.backend.Create(ctx, spec)
		res = r
		return err
	})
	if err == nil && res.IP == "" {
		err = errors.New("backend reported no IP address")
	}
	if err != nil {
		vm.Status = database.StatusFailed
		if saveErr := m.store.SaveVM(ctx, vm); saveErr != nil {
			m.log.Error("mark vm failed", zap.Uint("vm_id", vm.ID), zap.Error(saveErr))
		}
		m.refund(ctx, ownerID, vm.Cost, "create vm "+name+" failed")
		m.record(ctx, database.EventVM, database.SeverityCritical,
			fmt.Sprintf("Failed to create VM %s: %v", vm.Name, err),
			map[string]any{"error": err.Error(), "timeout": isTimeout(err), "refunded": vm.Cost},
			&ownerID, &vm.ID)
		m.metrics.ObserveOp(op, false)
		return &Outcome{Message: "Failed to create VM: " + err.Error(), VM: vm}, apperr.Backend(op, err)
	}

	now := m.nowFn()
	ip := res.IP
	vm.Status = database.StatusRunning
	vm.IPAddress = &ip
	vm.StartedAt = &now
	if err := m.store.SaveVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("save vm: %w", err)
	}
	m.record(ctx, database.EventVM, database.SeverityInfo,
		fmt.Sprintf("VM %s created successfully with IP %s", vm.Name, ip),
		map[string]any{"ip": ip, "status": string(vm.Status), "cost": vm.Cost},
		&ownerID, &vm.ID)
	m.metrics.ObserveOp(op, true)
	return &Outcome{OK: true, Message: "VM created successfully with IP " + ip, VM: vm}, nil
}

func (m *Manager) validate(req CreateRequest) (string, error) {
	const op = "create"
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if !namePattern.MatchString(name) {
		return "", apperr.Validation(op, "name must be 3-100 characters of a-z, 0-9, '_' or '-'")
	}
	if req.OSType == "" {
		return "", apperr.Validation(op, "os_type is required")
	}
	if m.catalog != nil {
		if _, ok := m.catalog.Lookup(req.OSType); !ok {
			return "", apperr.Validation(op, "unsupported os_type %q", req.OSType)
		}
	}
	if req.RAMMB < MinRAMMB || req.RAMMB > MaxRAMMB {
		return "", apperr.Validation(op, "ram_mb must be between %d and %d", MinRAMMB, MaxRAMMB)
	}
	if req.DiskGB < MinDiskGB || req.DiskGB > MaxDiskGB {
		return "", apperr.Validation(op, "disk_gb must be between %d and %d", MinDiskGB, MaxDiskGB)
	}
	if req.CPUCores < MinCPU || req.CPUCores > MaxCPU {
		return "", apperr.Validation(op, "cpu_cores must be between %d and %d", MinCPU, MaxCPU)
	}
	return name, nil
}

func handleFor(ownerID uint, name string) string {
	return fmt.Sprintf("vmfleet-%d-%s", ownerID, name)
}

var errTimeout = errors.New("backend call timed out")

func isTimeout(err error) bool {
	return errors.Is(err, errTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// call runs fn with the backend timeout. Caller cancellation does not abort
// an in-flight call; only the timeout does.
func (m *Manager) call(ctx context.Context, op string, vm *database.VM, fn func(context.Context) error) error {
	ctx, span := m.tracer.Start(context.WithoutCancel(ctx), "backend."+op, telemetry.VMAttrs(vm.ID, vm.Handle))
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("%s after %s: %w", op, m.timeout, errTimeout)
	}
	m.metrics.ObserveBackend(op, started)
	telemetry.Finish(span, err)
	if err != nil {
		m.log.Warn("backend call failed", zap.String("op", op), zap.Uint("vm_id", vm.ID), zap.String("handle", vm.Handle), zap.Error(err))
	}
	return err
}

// load fetches a VM and checks the actor may operate on it.
func (m *Manager) load(ctx context.Context, op string, actor *database.User, vmID uint) (*database.VM, error) {
	vm, err := m.store.GetVM(ctx, vmID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound(op, "VM %d not found", vmID)
	}
	if err != nil {
		return nil, fmt.Errorf("load vm %d: %w", vmID, err)
	}
	if !canAccess(actor, vm) {
		return nil, apperr.Permission(op, "VM %d belongs to another user", vmID)
	}
	return vm, nil
}

func canAccess(actor *database.User, vm *database.VM) bool {
	return actor != nil && (actor.IsAdmin || actor.ID == vm.OwnerID)
}

func (m *Manager) fail(op string, vm *database.VM, err error) (*Outcome, error) {
	m.metrics.ObserveOp(op, false)
	return &Outcome{Message: err.Error(), VM: vm}, err
}

func (m *Manager) refund(ctx context.Context, userID uint, amount int, reason string) {
	if err := m.quota.Refund(ctx, userID, amount, reason); err != nil {
		m.log.Error("refund failed", zap.Uint("user_id", userID), zap.Int("amount", amount), zap.Error(err))
	}
}

func (m *Manager) record(ctx context.Context, typ database.EventType, sev database.Severity, msg string, details map[string]any, userID, vmID *uint) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Record(ctx, eventlog.Entry{
		Type:     typ,
		Severity: sev,
		Message:  msg,
		Details:  details,
		UserID:   userID,
		VMID:     vmID,
	}); err != nil {
		m.log.Error("record event failed", zap.String("message", msg), zap.Error(err))
	}
}

// accrueUptime folds the current run into UptimeSeconds and clears the
// running-only fields.
func (m *Manager) accrueUptime(vm *database.VM) {
	if vm.StartedAt != nil {
		if d := m.nowFn().Sub(*vm.StartedAt); d > 0 {
			vm.UptimeSeconds += int64(d / time.Second)
		}
	}
	vm.StartedAt = nil
	vm.IPAddress = nil
}

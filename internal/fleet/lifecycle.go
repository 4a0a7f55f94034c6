package fleet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/provision"
)

func (m *Manager) Start(ctx context.Context, actor *database.User, vmID uint) (*Outcome, error) {
	unlock := m.vmLocks.Lock(vmID)
	defer unlock()

	vm, err := m.load(ctx, "start", actor, vmID)
	if err != nil {
		return m.fail("start", nil, err)
	}
	return m.startLocked(ctx, vm)
}

func (m *Manager) Stop(ctx context.Context, actor *database.User, vmID uint) (*Outcome, error) {
	unlock := m.vmLocks.Lock(vmID)
	defer unlock()

	vm, err := m.load(ctx, "stop", actor, vmID)
	if err != nil {
		return m.fail("stop", nil, err)
	}
	return m.stopLocked(ctx, vm)
}

// Restart stops then starts the VM under a single lock. A failed stop
// aborts before start is attempted.
func (m *Manager) Restart(ctx context.Context, actor *database.User, vmID uint) (*Outcome, error) {
	unlock := m.vmLocks.Lock(vmID)
	defer unlock()

	vm, err := m.load(ctx, "restart", actor, vmID)
	if err != nil {
		return m.fail("restart", nil, err)
	}
	out, err := m.stopLocked(ctx, vm)
	if err != nil {
		m.metrics.ObserveOp("restart", false)
		return restartFailed("Restart aborted, stop failed: ", vm, out, err)
	}
	out, err = m.startLocked(ctx, out.VM)
	m.metrics.ObserveOp("restart", err == nil)
	if err != nil {
		return restartFailed("Restart failed, start failed: ", vm, out, err)
	}
	return &Outcome{OK: true, Message: "VM restarted successfully", VM: out.VM}, nil
}

// restartFailed wraps a phase failure. Store errors come back without an
// Outcome, so the message falls back to err.
func restartFailed(prefix string, vm *database.VM, out *Outcome, err error) (*Outcome, error) {
	if out == nil {
		return &Outcome{Message: prefix + err.Error(), VM: vm}, err
	}
	return &Outcome{Message: prefix + out.Message, VM: out.VM}, err
}

func (m *Manager) startLocked(ctx context.Context, vm *database.VM) (*Outcome, error) {
	const op = "start"
	if err := checkTransition(op, vm, database.StatusRunning); err != nil {
		return m.fail(op, vm, err)
	}
	owner, err := m.store.GetUser(ctx, vm.OwnerID)
	if errors.Is(err, database.ErrNotFound) {
		return m.fail(op, vm, apperr.NotFound(op, "owner %d of VM %s not found", vm.OwnerID, vm.Name))
	}
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	if !owner.IsActive {
		return m.fail(op, vm, apperr.Quota(op, "account is inactive"))
	}

	var res provision.Result
	err = m.call(ctx, op, vm, func(ctx context.Context) error {
		r, err := m.backend.Start(ctx, vm.Handle)
		res = r
		return err
	})
	if err == nil && res.IP == "" {
		err = errors.New("backend reported no IP address")
	}
	if err != nil {
		return m.backendFailed(ctx, op, vm, err)
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
		fmt.Sprintf("VM %s started successfully", vm.Name),
		map[string]any{"ip": ip}, &vm.OwnerID, &vm.ID)
	m.metrics.ObserveOp(op, true)
	return &Outcome{OK: true, Message: "VM started successfully", VM: vm}, nil
}

func (m *Manager) stopLocked(ctx context.Context, vm *database.VM) (*Outcome, error) {
	const op = "stop"
	if err := checkTransition(op, vm, database.StatusStopped); err != nil {
		return m.fail(op, vm, err)
	}
	err := m.call(ctx, op, vm, func(ctx context.Context) error {
		return m.backend.Stop(ctx, vm.Handle)
	})
	if err != nil {
		return m.backendFailed(ctx, op, vm, err)
	}

	m.accrueUptime(vm)
	vm.Status = database.StatusStopped
	if err := m.store.SaveVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("save vm: %w", err)
	}
	if m.sessions != nil {
		m.sessions.StopForVMs(ctx, []uint{vm.ID})
	}
	m.record(ctx, database.EventVM, database.SeverityInfo,
		fmt.Sprintf("VM %s stopped successfully", vm.Name),
		map[string]any{"uptime_seconds": vm.UptimeSeconds}, &vm.OwnerID, &vm.ID)
	m.metrics.ObserveOp(op, true)
	return &Outcome{OK: true, Message: "VM stopped successfully", VM: vm}, nil
}

// backendFailed handles a failed start or stop. A timeout moves the VM to
// error; any other failure leaves the status as it was.
func (m *Manager) backendFailed(ctx context.Context, op string, vm *database.VM, cause error) (*Outcome, error) {
	m.metrics.ObserveOp(op, false)
	if isTimeout(cause) && CanTransition(vm.Status, database.StatusError) {
		prev := vm.Status
		m.accrueUptime(vm)
		vm.Status = database.StatusError
		if err := m.store.SaveVM(ctx, vm); err != nil {
			m.log.Error("mark vm error", zap.Uint("vm_id", vm.ID), zap.Error(err))
		}
		if m.sessions != nil {
			m.sessions.StopForVMs(ctx, []uint{vm.ID})
		}
		m.record(ctx, database.EventVM, database.SeverityCritical,
			fmt.Sprintf("VM %s %s timed out", vm.Name, op),
			map[string]any{"error": cause.Error(), "previous_status": string(prev), "timeout": true},
			&vm.OwnerID, &vm.ID)
		return &Outcome{Message: fmt.Sprintf("Failed to %s VM: %v", op, cause), VM: vm}, apperr.Backend(op, cause)
	}

	m.record(ctx, database.EventVM, database.SeverityWarning,
		fmt.Sprintf("Failed to %s VM %s: %v", op, vm.Name, cause),
		map[string]any{"error": cause.Error(), "status": string(vm.Status)},
		&vm.OwnerID, &vm.ID)
	return &Outcome{Message: fmt.Sprintf("Failed to %s VM: %v", op, cause), VM: vm}, apperr.Backend(op, cause)
}

// Refresh asks the backend for the VM's real status and reconciles the
// record through the transition table. It never invents an IP address.
func (m *Manager) Refresh(ctx context.Context, vmID uint) (*Outcome, error) {
	const op = "refresh"
	unlock := m.vmLocks.Lock(vmID)
	defer unlock()

	vm, err := m.store.GetVM(ctx, vmID)
	if errors.Is(err, database.ErrNotFound) {
		return m.fail(op, nil, apperr.NotFound(op, "VM %d not found", vmID))
	}
	if err != nil {
		return nil, fmt.Errorf("load vm %d: %w", vmID, err)
	}
	return m.refreshLocked(ctx, vm)
}

func (m *Manager) refreshLocked(ctx context.Context, vm *database.VM) (*Outcome, error) {
	const op = "refresh"
	var observed provision.Status
	err := m.call(ctx, "status", vm, func(ctx context.Context) error {
		st, err := m.backend.Status(ctx, vm.Handle)
		observed = st
		return err
	})
	if err != nil {
		return &Outcome{Message: "Status query failed: " + err.Error(), VM: vm}, apperr.Backend(op, err)
	}

	prev := vm.Status
	switch observed {
	case provision.StatusRunning:
		if vm.Status == database.StatusRunning || !CanTransition(vm.Status, database.StatusRunning) {
			break
		}
		ip := m.address(ctx, vm)
		if ip == "" {
			return &Outcome{OK: true, Message: "backend reports running without an address; status left as " + string(vm.Status), VM: vm}, nil
		}
		now := m.nowFn()
		vm.Status = database.StatusRunning
		vm.IPAddress = &ip
		vm.StartedAt = &now
	case provision.StatusStopped:
		if vm.Status != database.StatusStopped && CanTransition(vm.Status, database.StatusStopped) {
			m.accrueUptime(vm)
			vm.Status = database.StatusStopped
		}
	case provision.StatusNotCreated:
		if vm.Status != database.StatusError && CanTransition(vm.Status, database.StatusError) {
			m.accrueUptime(vm)
			vm.Status = database.StatusError
		}
	}

	if vm.Status == prev {
		return &Outcome{OK: true, Message: "status unchanged: " + string(prev), VM: vm}, nil
	}
	if err := m.store.SaveVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("save vm: %w", err)
	}
	m.record(ctx, database.EventVM, database.SeverityWarning,
		fmt.Sprintf("VM %s status drifted from %s to %s", vm.Name, prev, vm.Status),
		map[string]any{"previous_status": string(prev), "status": string(vm.Status), "backend_status": string(observed)},
		&vm.OwnerID, &vm.ID)
	return &Outcome{OK: true, Message: fmt.Sprintf("status reconciled from %s to %s", prev, vm.Status), VM: vm}, nil
}

// address asks an Addresser backend for the VM's IP, or returns "".
func (m *Manager) address(ctx context.Context, vm *database.VM) string {
	a, ok := m.backend.(provision.Addresser)
	if !ok {
		return ""
	}
	var ip string
	err := m.call(ctx, "address", vm, func(ctx context.Context) error {
		v, err := a.Address(ctx, vm.Handle)
		ip = v
		return err
	})
	if err != nil {
		return ""
	}
	return ip
}

// RefreshAll reconciles every VM that is not already in a terminal failure
// state and reports how many records changed.
func (m *Manager) RefreshAll(ctx context.Context) (int, error) {
	vms, err := m.store.ListVMs(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list vms: %w", err)
	}
	changed := 0
	for _, v := range vms {
		if v.Status == database.StatusFailed || v.Status == database.StatusPending {
			continue
		}
		out, err := m.Refresh(ctx, v.ID)
		if err != nil {
			m.log.Warn("refresh failed", zap.Uint("vm_id", v.ID), zap.Error(err))
			continue
		}
		if out.VM != nil && out.VM.Status != v.Status {
			changed++
		}
	}
	return changed, nil
}

package fleet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/provision"
)

// Destroy tears down the backend resource and removes the record. A VM that
// no longer exists is reported as a successful no-op.
func (m *Manager) Destroy(ctx context.Context, actor *database.User, vmID uint) (*Outcome, error) {
	const op = "destroy"
	unlock := m.vmLocks.Lock(vmID)
	defer unlock()

	vm, err := m.load(ctx, op, actor, vmID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &Outcome{OK: true, Message: fmt.Sprintf("VM %d not found, nothing to destroy", vmID)}, nil
	}
	if err != nil {
		return m.fail(op, nil, err)
	}
	if err := checkTransition(op, vm, database.StatusDestroyed); err != nil {
		return m.fail(op, vm, err)
	}
	return m.destroyLocked(ctx, vm)
}

func (m *Manager) destroyLocked(ctx context.Context, vm *database.VM) (*Outcome, error) {
	const op = "destroy"
	if m.sessions != nil {
		m.sessions.StopForVMs(ctx, []uint{vm.ID})
	}

	var observed provision.Status
	statusErr := m.call(ctx, "status", vm, func(ctx context.Context) error {
		st, err := m.backend.Status(ctx, vm.Handle)
		observed = st
		return err
	})

	if statusErr == nil && observed == provision.StatusNotCreated {
		if err := m.store.DeleteVM(ctx, vm.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("delete vm: %w", err)
		}
		missing := apperr.ResourceMissing(op, "backend resource %s not found", vm.Handle)
		m.record(ctx, database.EventVM, database.SeverityWarning,
			fmt.Sprintf("VM %s backend resource not found, removing from database", vm.Name),
			map[string]any{"handle": vm.Handle, "reason": missing.Error()},
			&vm.OwnerID, &vm.ID)
		m.metrics.ObserveOp(op, true)
		vm.Status = database.StatusDestroyed
		return &Outcome{OK: true, Message: "VM removed from database (backend resource not found)", VM: vm}, nil
	}

	// Phase one removes the backend resource, phase two any host-side state.
	// Neither blocks deletion of the record.
	var teardown error
	if statusErr != nil {
		teardown = multierr.Append(teardown, fmt.Errorf("status: %w", statusErr))
	}
	if err := m.call(ctx, op, vm, func(ctx context.Context) error {
		return m.backend.Destroy(ctx, vm.Handle)
	}); err != nil {
		teardown = multierr.Append(teardown, fmt.Errorf("backend destroy: %w", err))
	}
	if cleaner, ok := m.backend.(provision.Cleaner); ok {
		if err := m.call(ctx, "cleanup", vm, func(ctx context.Context) error {
			return cleaner.Cleanup(ctx, vm.Handle)
		}); err != nil {
			teardown = multierr.Append(teardown, fmt.Errorf("local cleanup: %w", err))
		}
	}

	if err := m.store.DeleteVM(ctx, vm.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("delete vm: %w", err)
	}
	vm.Status = database.StatusDestroyed
	vm.IPAddress = nil

	details := map[string]any{"handle": vm.Handle, "uptime_seconds": vm.UptimeSeconds}
	severity := database.SeverityInfo
	msg := "VM destroyed successfully"
	if teardown != nil {
		errs := multierr.Errors(teardown)
		list := make([]string, len(errs))
		for i, e := range errs {
			list[i] = e.Error()
		}
		details["cleanup_errors"] = list
		severity = database.SeverityWarning
		msg = "VM destroyed with cleanup errors: " + teardown.Error()
		m.log.Warn("destroy cleanup incomplete", zap.Uint("vm_id", vm.ID), zap.Error(teardown))
	}
	m.record(ctx, database.EventVM, severity, fmt.Sprintf("VM %s destroyed", vm.Name), details, &vm.OwnerID, &vm.ID)
	m.metrics.ObserveOp(op, true)
	return &Outcome{OK: true, Message: msg, VM: vm}, nil
}

// PurgeOwner removes a user and everything they own. Running VMs are
// stopped before being destroyed; each VM is handled under its own lock.
func (m *Manager) PurgeOwner(ctx context.Context, actor *database.User, userID uint) (*Outcome, error) {
	const op = "purge"
	if actor == nil || !actor.IsAdmin {
		return m.fail(op, nil, apperr.Permission(op, "only admins may remove users"))
	}
	if actor.ID == userID {
		return m.fail(op, nil, apperr.Validation(op, "admins cannot remove themselves"))
	}
	user, err := m.store.GetUser(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return m.fail(op, nil, apperr.NotFound(op, "user %d not found", userID))
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	vms, err := m.store.ListVMs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	ids := make([]uint, len(vms))
	for i, v := range vms {
		ids[i] = v.ID
	}
	if m.sessions != nil && len(ids) > 0 {
		m.sessions.StopForVMs(ctx, ids)
	}

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, m.purgeVM(ctx, id))
	}
	if errs != nil {
		m.record(ctx, database.EventAdmin, database.SeverityCritical,
			fmt.Sprintf("Removal of user %d incomplete", userID),
			map[string]any{"errors": errs.Error()}, &user.ID, nil)
		m.metrics.ObserveOp(op, false)
		return &Outcome{Message: "user not removed: " + errs.Error()}, errs
	}

	if err := m.store.DeleteUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("delete user: %w", err)
	}
	m.record(ctx, database.EventAdmin, database.SeverityWarning,
		fmt.Sprintf("User %d removed by %d", userID, actor.ID),
		map[string]any{"vms_destroyed": len(ids), "actor_id": actor.ID}, &user.ID, nil)
	m.metrics.ObserveOp(op, true)
	return &Outcome{OK: true, Message: fmt.Sprintf("user removed, %d VMs destroyed", len(ids))}, nil
}

func (m *Manager) purgeVM(ctx context.Context, vmID uint) error {
	unlock := m.vmLocks.Lock(vmID)
	defer unlock()

	vm, err := m.store.GetVM(ctx, vmID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if vm.Status == database.StatusRunning {
		// a timed-out stop leaves the VM in error, which can still be destroyed
		if _, err := m.stopLocked(ctx, vm); err != nil && !CanTransition(vm.Status, database.StatusDestroyed) {
			return fmt.Errorf("stop vm %d: %w", vmID, err)
		}
	}
	if !CanTransition(vm.Status, database.StatusDestroyed) {
		return apperr.Validation("purge", "VM %d cannot be destroyed from %s", vmID, vm.Status)
	}
	_, err = m.destroyLocked(ctx, vm)
	return err
}

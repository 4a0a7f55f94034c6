package fleet

import (
	"context"
	"fmt"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
)

func (m *Manager) Get(ctx context.Context, actor *database.User, vmID uint) (*database.VM, error) {
	return m.load(ctx, "get", actor, vmID)
}

// List returns the VMs of ownerID. Non-admins only see their own; an admin
// passing 0 sees the whole fleet.
func (m *Manager) List(ctx context.Context, actor *database.User, ownerID uint) ([]database.VM, error) {
	if actor == nil {
		return nil, apperr.Permission("list", "no actor")
	}
	if !actor.IsAdmin {
		if ownerID != 0 && ownerID != actor.ID {
			return nil, apperr.Permission("list", "cannot list another user's VMs")
		}
		ownerID = actor.ID
	}
	return m.store.ListVMs(ctx, ownerID)
}

// UpdateMetadata merges patch into the VM's metadata. A nil value removes
// the key.
func (m *Manager) UpdateMetadata(ctx context.Context, actor *database.User, vmID uint, patch map[string]any) (*Outcome, error) {
	const op = "update_metadata"
	unlock := m.vmLocks.Lock(vmID)
	defer unlock()

	vm, err := m.load(ctx, op, actor, vmID)
	if err != nil {
		return m.fail(op, nil, err)
	}
	if vm.Metadata == nil {
		vm.Metadata = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(vm.Metadata, k)
			continue
		}
		vm.Metadata[k] = v
	}
	if err := m.store.SaveVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("save vm: %w", err)
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	m.record(ctx, database.EventVM, database.SeverityInfo,
		fmt.Sprintf("VM %s metadata updated", vm.Name),
		map[string]any{"keys": keys}, &vm.OwnerID, &vm.ID)
	return &Outcome{OK: true, Message: "metadata updated", VM: vm}, nil
}

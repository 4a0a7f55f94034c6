package fleet

import (
	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/database"
)

// transitions lists every permitted status change. Anything absent is
// rejected.
var transitions = map[database.VMStatus][]database.VMStatus{
	database.StatusPending: {database.StatusRunning, database.StatusFailed, database.StatusError},
	database.StatusRunning: {database.StatusStopped, database.StatusFailed, database.StatusError},
	database.StatusStopped: {database.StatusRunning, database.StatusFailed, database.StatusError, database.StatusDestroyed},
	database.StatusError:   {database.StatusRunning, database.StatusStopped, database.StatusDestroyed},
	database.StatusFailed:  {database.StatusDestroyed},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to database.VMStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(op string, vm *database.VM, to database.VMStatus) error {
	if !vm.Status.Valid() {
		return apperr.Validation(op, "VM %s has unknown status %q", vm.Name, vm.Status)
	}
	if !CanTransition(vm.Status, to) {
		return apperr.Validation(op, "cannot move VM %s from %s to %s", vm.Name, vm.Status, to)
	}
	return nil
}

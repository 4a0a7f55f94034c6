// Package provision defines the contract with the system that actually runs
// VM resources, plus a Docker-backed implementation.
package provision

import (
	"context"
	"errors"
)

type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusNotCreated Status = "not_created"
	StatusUnknown    Status = "unknown"
)

// Spec describes the resource to create.
type Spec struct {
	Handle   string
	OSType   string
	RAMMB    int
	DiskGB   int
	CPUCores int
	VMID     uint
	OwnerID  uint
}

// Result is what a create or start reports back.
type Result struct {
	IP string
}

// ErrUnavailable is returned when no backend could be initialized.
var ErrUnavailable = errors.New("no provisioning backend available")

type Backend interface {
	Name() string
	Create(ctx context.Context, spec Spec) (Result, error)
	Start(ctx context.Context, handle string) (Result, error)
	Stop(ctx context.Context, handle string) error
	Destroy(ctx context.Context, handle string) error
	Status(ctx context.Context, handle string) (Status, error)
	// ConsoleCommand is the argv that attaches an interactive shell to handle.
	ConsoleCommand(handle string) []string
}

// Cleaner removes host-side state left behind after Destroy.
type Cleaner interface {
	Cleanup(ctx context.Context, handle string) error
}

// Addresser reports the current IP of a running resource.
type Addresser interface {
	Address(ctx context.Context, handle string) (string, error)
}

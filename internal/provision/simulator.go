package provision

import (
	"context"
	"fmt"
	"sync"
)

// Simulator is an in-memory backend used when no container runtime is
// reachable. It assigns addresses from 10.88.0.0/16.
type Simulator struct {
	mu      sync.Mutex
	state   map[string]Status
	ips     map[string]string
	nextIP  int
	catalog *Catalog
}

func NewSimulator(catalog *Catalog) *Simulator {
	return &Simulator{
		state:   make(map[string]Status),
		ips:     make(map[string]string),
		nextIP:  2,
		catalog: catalog,
	}
}

func (s *Simulator) Name() string { return "simulator" }

func (s *Simulator) Create(_ context.Context, spec Spec) (Result, error) {
	if s.catalog != nil {
		if _, ok := s.catalog.Lookup(spec.OSType); !ok {
			return Result{}, fmt.Errorf("unknown os type %q", spec.OSType)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state[spec.Handle]; exists {
		return Result{}, fmt.Errorf("resource %s already exists", spec.Handle)
	}
	ip := fmt.Sprintf("10.88.%d.%d", s.nextIP/250, s.nextIP%250+2)
	s.nextIP++
	s.state[spec.Handle] = StatusRunning
	s.ips[spec.Handle] = ip
	return Result{IP: ip}, nil
}

func (s *Simulator) Start(_ context.Context, handle string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[handle]; !ok {
		return Result{}, fmt.Errorf("resource %s not created", handle)
	}
	s.state[handle] = StatusRunning
	return Result{IP: s.ips[handle]}, nil
}

func (s *Simulator) Stop(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state[handle]; !ok {
		return fmt.Errorf("resource %s not created", handle)
	}
	s.state[handle] = StatusStopped
	return nil
}

func (s *Simulator) Destroy(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, handle)
	delete(s.ips, handle)
	return nil
}

func (s *Simulator) Status(_ context.Context, handle string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[handle]
	if !ok {
		return StatusNotCreated, nil
	}
	return st, nil
}

func (s *Simulator) Address(_ context.Context, handle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[handle] != StatusRunning {
		return "", nil
	}
	return s.ips[handle], nil
}

func (s *Simulator) ConsoleCommand(handle string) []string {
	return []string{"/bin/sh", "-c", "echo connected to " + handle + "; exec /bin/sh"}
}

var (
	_ Backend   = (*Simulator)(nil)
	_ Addresser = (*Simulator)(nil)
)

package terminal

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
)

// BridgeSpec describes one bridge process.
type BridgeSpec struct {
	Port    int
	Token   string
	Title   string
	Command []string
}

// Process is a running bridge.
type Process interface {
	// Alive reports whether the process has not exited yet.
	Alive() bool
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Spawner starts bridge processes.
type Spawner interface {
	Spawn(ctx context.Context, spec BridgeSpec) (Process, error)
}

var ErrBridgeMissing = errors.New("terminal bridge binary not found")

// ExecSpawner starts ttyd-compatible bridges as child processes.
type ExecSpawner struct {
	Binary string
}

func NewExecSpawner(binary string) *ExecSpawner {
	if binary == "" {
		binary = "ttyd"
	}
	return &ExecSpawner{Binary: binary}
}

// Args returns the bridge command line for spec, without the binary.
func (s *ExecSpawner) Args(spec BridgeSpec) []string {
	args := []string{
		"-p", strconv.Itoa(spec.Port),
		"-c", "user:" + spec.Token,
		"-t", "titleFixed=" + spec.Title,
		"-W",
	}
	return append(args, spec.Command...)
}

func (s *ExecSpawner) Spawn(_ context.Context, spec BridgeSpec) (Process, error) {
	path, err := exec.LookPath(s.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBridgeMissing, s.Binary)
	}
	if len(spec.Command) == 0 {
		return nil, errors.New("bridge command is empty")
	}

	// The bridge outlives the request that started it, so it is not bound
	// to the caller's context.
	cmd := exec.Command(path, s.Args(spec)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Binary, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	var err error
	p.once.Do(func() {
		if p.Alive() {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

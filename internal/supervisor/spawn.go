package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// SpawnSpec describes one backend launch.
type SpawnSpec struct {
	Argv []string
	Env  []string
	// Detach places the child in its own process group so it outlives the
	// invocation that started it. When false the child dies with the launcher.
	Detach bool
}

// Process is a spawned backend.
type Process interface {
	Pid() int
	// Stdout yields the child's standard output until it exits.
	Stdout() io.Reader
	// Done is closed once the child has exited.
	Done() <-chan struct{}
	// Kill terminates the child.
	Kill() error
}

// Spawner starts backend processes.
type Spawner interface {
	Spawn(spec SpawnSpec) (Process, error)
}

// ExecSpawner starts backends with os/exec. Standard error is inherited from
// the launcher; standard output is handed back through Process.Stdout.
type ExecSpawner struct {
	Stderr io.Writer
}

// NewExecSpawner returns a spawner that inherits the launcher's stderr.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{Stderr: os.Stderr}
}

// Spawn starts the command described by spec.
func (s *ExecSpawner) Spawn(spec SpawnSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("spawn: empty command")
	}

	// A pipe we own, rather than cmd.StdoutPipe, so the reaper goroutine can
	// call Wait without closing the read end under the output forwarder.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = spec.Env
	cmd.Stdout = w
	cmd.Stderr = s.Stderr
	cmd.SysProcAttr = sysProcAttr(spec.Detach)

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("spawn %s: %w", spec.Argv[0], err)
	}
	_ = w.Close()

	p := &execProcess{cmd: cmd, stdout: r, done: make(chan struct{}), detached: spec.Detach}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	stdout   *os.File
	done     chan struct{}
	detached bool
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Kill() error {
	if p.detached {
		return killGroup(p.cmd.Process.Pid)
	}
	return p.cmd.Process.Kill()
}

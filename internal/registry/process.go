package registry

import (
	"io"
	"os/exec"
	"sync/atomic"
)

// Process is the handle for a spawned child. The supervisor is the sole
// owner; other components only read the streams and the alive flag.
type Process struct {
	Cmd    *exec.Cmd
	PID    int
	Stdin  io.WriteCloser
	Stdout io.Reader

	exited atomic.Bool
}

// NewProcess wraps a started command and its piped streams.
func NewProcess(cmd *exec.Cmd, pid int, stdin io.WriteCloser, stdout io.Reader) *Process {
	return &Process{Cmd: cmd, PID: pid, Stdin: stdin, Stdout: stdout}
}

// Alive reports whether the child has not yet exited. A live process has a
// writable stdin.
func (p *Process) Alive() bool {
	return p != nil && !p.exited.Load()
}

// MarkExited flags the process as gone. Idempotent.
func (p *Process) MarkExited() {
	if p != nil {
		p.exited.Store(true)
	}
}

package session

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// ExitEvent is delivered on a Process's Done channel when the PTY wrapper
// exits. Code is -1 when the process was killed by a signal.
type ExitEvent struct {
	Code int
}

// Process is a pseudo-terminal wrapper around a tmux attach command. It
// is exclusively owned by one TerminalSession: no other component may
// write to or close it. Output and lifecycle are exposed as channels so
// the gateway consumes them without callback registration.
type Process struct {
	ptmx *os.File
	cmd  *exec.Cmd

	output chan []byte
	done   chan ExitEvent
	quit   chan struct{} // closed by Kill; unblocks the pump if the consumer stopped draining

	killOnce sync.Once
}

// Start launches cmd under a new PTY with the given initial geometry and
// begins pumping its output.
func Start(cmd *exec.Cmd, cols, rows uint16) (*Process, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	p := &Process{
		ptmx:   ptmx,
		cmd:    cmd,
		output: make(chan []byte, 64),
		done:   make(chan ExitEvent, 1),
		quit:   make(chan struct{}),
	}
	go p.pump()
	return p, nil
}

// pump relays PTY output to the output channel until the process exits,
// then reaps it and emits a single ExitEvent.
func (p *Process) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.output <- data:
			case <-p.quit:
				// Consumer stopped draining; drop the data so the exit
				// path stays reachable and the child gets reaped.
			}
		}
		if err != nil {
			break
		}
	}
	close(p.output)

	code := 0
	if err := p.cmd.Wait(); err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	p.done <- ExitEvent{Code: code}
	close(p.done)
}

// Output streams PTY data. The channel is closed when the process exits.
func (p *Process) Output() <-chan []byte { return p.output }

// Done delivers exactly one ExitEvent after the process has been reaped.
func (p *Process) Done() <-chan ExitEvent { return p.done }

func (p *Process) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *Process) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill terminates the PTY wrapper process. It never touches the tmux
// session behind it, so reattachment stays possible. Safe to call from
// multiple close triggers.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		close(p.quit)
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		p.ptmx.Close()
	})
}

package session

import (
	"sync"
	"time"
)

// Kind classifies what runs inside a terminal session. Agent sessions get
// special exit handling: the client channel stays open so the user can
// request a restart.
type Kind string

const (
	KindShell Kind = "shell"
	KindAgent Kind = "agent"
	KindFile  Kind = "file"
	KindOther Kind = "other"
)

func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindAgent, KindFile, KindOther:
		return Kind(s)
	default:
		return KindShell
	}
}

// TerminalSession is the registry's record of one live connection: the
// PTY wrapper, its tmux session name, and resize-coalescing state. The
// process handle is exclusively owned here.
type TerminalSession struct {
	ID       string
	TmuxName string
	UserID   string
	Kind     Kind

	mu   sync.Mutex
	proc *Process

	lastCols, lastRows       uint16
	pendingCols, pendingRows uint16 // 0,0 = no pending resize
	resizeTimer              *time.Timer
}

func New(id, tmuxName, userID string, kind Kind, cols, rows uint16, proc *Process) *TerminalSession {
	return &TerminalSession{
		ID:       id,
		TmuxName: tmuxName,
		UserID:   userID,
		Kind:     kind,
		lastCols: cols,
		lastRows: rows,
		proc:     proc,
	}
}

// Geometry returns the last-applied terminal size.
func (s *TerminalSession) Geometry() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCols, s.lastRows
}

// Process returns the current PTY wrapper.
func (s *TerminalSession) Process() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// ReplaceProcess swaps in a fresh PTY wrapper after an agent restart and
// resets the applied geometry.
func (s *TerminalSession) ReplaceProcess(proc *Process, cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = proc
	s.lastCols = cols
	s.lastRows = rows
}

// cancelResize stops any pending coalesced resize. Called on cleanup.
func (s *TerminalSession) cancelResize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
		s.resizeTimer = nil
	}
	s.pendingCols, s.pendingRows = 0, 0
}

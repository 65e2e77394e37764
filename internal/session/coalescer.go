package session

import (
	"context"
	"math"
	"time"
)

// Resize floors: requests below these dimensions are dropped silently.
const (
	MinCols = 10
	MinRows = 3
)

// CoalesceDelay is the window within which bursty resize requests are
// collapsed into a single apply.
const CoalesceDelay = 50 * time.Millisecond

// WindowResizer mirrors the pane size on the tmux side. Satisfied by
// *tmux.Client.
type WindowResizer interface {
	ResizeWindow(ctx context.Context, name string, cols, rows int) error
}

// Coalescer collapses rapid resize requests (tab switches, window drags)
// so each session applies at most one resize per delay window, and the
// last requested geometry within the window wins.
type Coalescer struct {
	Tmux  WindowResizer
	Delay time.Duration
}

func NewCoalescer(tmux WindowResizer) *Coalescer {
	return &Coalescer{Tmux: tmux, Delay: CoalesceDelay}
}

// Request records the target geometry and arms the per-session timer if
// none is pending. Non-finite and sub-floor dimensions are ignored.
func (c *Coalescer) Request(s *TerminalSession, cols, rows float64) {
	if math.IsNaN(cols) || math.IsInf(cols, 0) || math.IsNaN(rows) || math.IsInf(rows, 0) {
		return
	}
	if cols < MinCols || rows < MinRows || cols > math.MaxUint16 || rows > math.MaxUint16 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCols = uint16(cols)
	s.pendingRows = uint16(rows)
	if s.resizeTimer == nil {
		s.resizeTimer = time.AfterFunc(c.Delay, func() { c.apply(s) })
	}
}

// apply takes the pending geometry and applies it, unless it matches what
// was last applied. PTY resize failures are swallowed; the tmux window
// resize is fire-and-forget.
func (c *Coalescer) apply(s *TerminalSession) {
	s.mu.Lock()
	cols, rows := s.pendingCols, s.pendingRows
	s.pendingCols, s.pendingRows = 0, 0
	s.resizeTimer = nil
	if cols == 0 || rows == 0 || (cols == s.lastCols && rows == s.lastRows) {
		s.mu.Unlock()
		return
	}
	s.lastCols, s.lastRows = cols, rows
	proc := s.proc
	name := s.TmuxName
	s.mu.Unlock()

	if proc != nil {
		proc.Resize(cols, rows)
	}
	if c.Tmux != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.Tmux.ResizeWindow(ctx, name, int(cols), int(rows))
		}()
	}
}

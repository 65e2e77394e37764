package session

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

type recordingResizer struct {
	mu    sync.Mutex
	calls []resizeCall
}

type resizeCall struct {
	name       string
	cols, rows int
}

func (r *recordingResizer) ResizeWindow(ctx context.Context, name string, cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resizeCall{name, cols, rows})
	return nil
}

func (r *recordingResizer) snapshot() []resizeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resizeCall(nil), r.calls...)
}

func newTestCoalescer(tmux WindowResizer) *Coalescer {
	return &Coalescer{Tmux: tmux, Delay: 20 * time.Millisecond}
}

func TestCoalescer_LastWriteWins(t *testing.T) {
	rec := &recordingResizer{}
	c := newTestCoalescer(rec)
	s := New("s1", "rdv-s1", "u1", KindShell, 80, 24, nil)

	// A burst within one window: only the final geometry may be applied,
	// exactly once.
	c.Request(s, 100, 30)
	c.Request(s, 110, 35)
	c.Request(s, 120, 40)

	time.Sleep(100 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one resize apply, got %d: %v", len(calls), calls)
	}
	if calls[0].cols != 120 || calls[0].rows != 40 {
		t.Errorf("expected final geometry 120x40, got %dx%d", calls[0].cols, calls[0].rows)
	}
}

func TestCoalescer_SkipsRedundantApply(t *testing.T) {
	rec := &recordingResizer{}
	c := newTestCoalescer(rec)
	s := New("s1", "rdv-s1", "u1", KindShell, 80, 24, nil)

	// Matches the last-applied geometry: nothing to do.
	c.Request(s, 80, 24)
	time.Sleep(60 * time.Millisecond)

	if calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("expected no applies for unchanged geometry, got %v", calls)
	}
}

func TestCoalescer_DropsInvalidGeometry(t *testing.T) {
	rec := &recordingResizer{}
	c := newTestCoalescer(rec)
	s := New("s1", "rdv-s1", "u1", KindShell, 80, 24, nil)

	c.Request(s, 5, 40)                 // below column floor
	c.Request(s, 100, 2)                // below row floor
	c.Request(s, math.NaN(), 40)        // non-finite
	c.Request(s, 100, math.Inf(1))      // non-finite
	time.Sleep(60 * time.Millisecond)

	if calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("expected invalid geometries dropped, got %v", calls)
	}
}

func TestCoalescer_AppliesAgainAfterWindow(t *testing.T) {
	rec := &recordingResizer{}
	c := newTestCoalescer(rec)
	s := New("s1", "rdv-s1", "u1", KindShell, 80, 24, nil)

	c.Request(s, 100, 30)
	time.Sleep(60 * time.Millisecond)
	c.Request(s, 120, 40)
	time.Sleep(60 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected two applies across two windows, got %v", calls)
	}
	if calls[1].cols != 120 || calls[1].rows != 40 {
		t.Errorf("expected second apply 120x40, got %v", calls[1])
	}
}

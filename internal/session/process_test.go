package session

import (
	"os/exec"
	"strings"
	"testing"
	"time"
)

func startCat(t *testing.T) *Process {
	t.Helper()
	p, err := Start(exec.Command("cat"), 80, 24)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Kill)
	return p
}

func TestProcess_OutputRoundTrip(t *testing.T) {
	p := startCat(t)

	if _, err := p.Write([]byte("hello\r")); err != nil {
		t.Fatal(err)
	}

	var got strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(got.String(), "hello") {
		select {
		case data, ok := <-p.Output():
			if !ok {
				t.Fatalf("output closed before echo arrived, got %q", got.String())
			}
			got.Write(data)
		case <-deadline:
			t.Fatalf("timed out waiting for echo, got %q", got.String())
		}
	}
}

func TestProcess_KillDeliversExitEvent(t *testing.T) {
	p := startCat(t)
	p.Kill()

	select {
	case ev := <-p.Done():
		if ev.Code != -1 {
			t.Errorf("expected signal exit code -1, got %d", ev.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}

	// The output channel must be drained and closed after exit.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-p.Output():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("output channel never closed")
		}
	}
}

func TestProcess_KillUnblocksAbandonedOutput(t *testing.T) {
	// A chatty process whose output nobody reads: once the output buffer
	// fills, the pump parks on the send. Kill must still get the child
	// reaped and the exit event delivered.
	p, err := Start(exec.Command("yes"), 80, 24)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Kill)

	// Give the pump time to fill the buffered channel and block.
	time.Sleep(200 * time.Millisecond)
	p.Kill()

	select {
	case ev := <-p.Done():
		if ev.Code != -1 {
			t.Errorf("expected signal exit code -1, got %d", ev.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit event never delivered after kill with an abandoned output channel")
	}
}

func TestProcess_KillIsIdempotent(t *testing.T) {
	p := startCat(t)
	p.Kill()
	p.Kill()
	p.Kill()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestProcess_NaturalExitCode(t *testing.T) {
	p, err := Start(exec.Command("sh", "-c", "exit 3"), 80, 24)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Kill)

	select {
	case ev := <-p.Done():
		if ev.Code != 3 {
			t.Errorf("expected exit code 3, got %d", ev.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

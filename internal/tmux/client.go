package tmux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Client drives a tmux server through argv arrays. Session names are
// validated before any call, and arguments are never passed through a
// shell.
type Client struct {
	exec Exec
	bin  string
}

func NewClient(e Exec, bin string) *Client {
	if bin == "" {
		bin = "tmux"
	}
	return &Client{exec: e, bin: bin}
}

// Available reports whether the tmux binary can be resolved.
func (c *Client) Available() bool {
	_, err := exec.LookPath(c.bin)
	return err == nil
}

// SessionExists queries the server for an exact session name match.
// The "=" prefix disables tmux prefix matching.
func (c *Client) SessionExists(ctx context.Context, name string) bool {
	if ValidateSessionName(name) != nil {
		return false
	}
	return c.exec.Run(ctx, c.bin, "has-session", "-t", "="+name) == nil
}

// CreateSession creates a detached session with the given geometry and
// working directory, then applies mouse support, scrollback length, and
// pins window sizing to the latest client so a small stale client cannot
// shrink the window.
func (c *Client) CreateSession(ctx context.Context, name string, cols, rows int, cwd string, historyLimit int) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	args := []string{"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)}
	if dir := ValidateWorkingDir(cwd); dir != "" {
		args = append(args, "-c", dir)
	}
	if err := c.exec.Run(ctx, c.bin, args...); err != nil {
		return fmt.Errorf("tmux new-session %q: %w", name, err)
	}

	if err := c.exec.Run(ctx, c.bin, "set-option", "-t", "="+name, "mouse", "on"); err != nil {
		return fmt.Errorf("tmux set mouse: %w", err)
	}
	if err := c.exec.Run(ctx, c.bin, "set-option", "-t", "="+name, "history-limit", strconv.Itoa(historyLimit)); err != nil {
		return fmt.Errorf("tmux set history-limit: %w", err)
	}
	if err := c.exec.Run(ctx, c.bin, "set-option", "-t", "="+name, "window-size", "latest"); err != nil {
		return fmt.Errorf("tmux set window-size: %w", err)
	}
	return nil
}

// KillSession destroys the tmux session. Detach paths never call this;
// only explicit session teardown and agent restarts do.
func (c *Client) KillSession(ctx context.Context, name string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	return c.exec.Run(ctx, c.bin, "kill-session", "-t", "="+name)
}

// ResizeWindow asks the server to resize the session's window. Callers
// treat failures as best-effort.
func (c *Client) ResizeWindow(ctx context.Context, name string, cols, rows int) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	return c.exec.Run(ctx, c.bin, "resize-window", "-t", "="+name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
}

// SendKeys injects text into the session as literal keystrokes followed
// by Enter. Delivery success means tmux accepted the keys, nothing about
// whether the triggered command succeeded.
func (c *Client) SendKeys(ctx context.Context, name, text string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	if err := c.exec.Run(ctx, c.bin, "send-keys", "-t", "="+name, "-l", text); err != nil {
		return fmt.Errorf("tmux send-keys %q: %w", name, err)
	}
	return c.exec.Run(ctx, c.bin, "send-keys", "-t", "="+name, "Enter")
}

// CapturePane returns the last lines of the session's active pane.
func (c *Client) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	if err := ValidateSessionName(name); err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = 200
	}
	out, err := c.exec.Output(ctx, c.bin, "capture-pane", "-p", "-e",
		"-S", fmt.Sprintf("-%d", lines), "-t", "="+name)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// AttachCommand builds the command used to wrap a session in a PTY. The
// child environment is the parent environment with internal framework
// variables stripped, and the working directory defaults to the user's
// home.
func (c *Client) AttachCommand(name string) *exec.Cmd {
	cmd := exec.Command(c.bin, "attach-session", "-t", "="+name)
	cmd.Env = filteredEnviron(os.Environ())
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}
	return cmd
}

func filteredEnviron(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "RDV_") ||
			strings.HasPrefix(kv, "TMUX=") ||
			strings.HasPrefix(kv, "TMUX_PANE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

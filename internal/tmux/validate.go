package tmux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var ErrInvalidSessionName = errors.New("invalid tmux session name")

// ValidateSessionName rejects anything that could smuggle tmux or shell
// syntax into a target name.
func ValidateSessionName(name string) error {
	if name == "" || !sessionNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionName, name)
	}
	return nil
}

// ValidateWorkingDir canonicalizes dir and checks that it lies under the
// user's home directory or the shared temp directory. It returns the
// canonical path, or "" if the directory is unusable. Callers treat a
// rejected dir as absent rather than substituting one.
func ValidateWorkingDir(dir string) string {
	if dir == "" || !filepath.IsAbs(dir) {
		return ""
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(dir))
	if err != nil {
		return ""
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return ""
	}

	allowed := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		if h, err := filepath.EvalSymlinks(home); err == nil {
			allowed = append(allowed, h)
		}
	}
	if tmp, err := filepath.EvalSymlinks(os.TempDir()); err == nil {
		allowed = append(allowed, tmp)
	}

	for _, root := range allowed {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved
		}
	}
	return ""
}
